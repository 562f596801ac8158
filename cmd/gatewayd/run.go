package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/apexlabs/infergate/dlq"
	"github.com/apexlabs/infergate/internal/config"
	"github.com/apexlabs/infergate/ledger"
	"github.com/apexlabs/infergate/log"
	"github.com/apexlabs/infergate/ratelimiter"
	"github.com/apexlabs/infergate/statestore"
	"github.com/apexlabs/infergate/wal"
)

func walConfigFrom(cfg config.Config) wal.Config {
	return wal.Config{
		Dir:                    cfg.WAL.Dir,
		MaxSegmentSize:         cfg.WAL.MaxSegmentSize,
		ShutdownDrainTimeoutMs: int(cfg.WAL.ShutdownDrainTimeoutMs),
		PressureLowBytes:       uint64(cfg.WAL.PressureLowBytes),
		PressureHighBytes:      uint64(cfg.WAL.PressureHighBytes),
	}
}

func ledgerConfigFrom(cfg config.Config) ledger.Config {
	return ledger.Config{
		BaseDir:       cfg.Ledger.BaseDir,
		Fsync:         cfg.Ledger.Fsync,
		RotationAge:   time.Duration(cfg.Ledger.RotationAgeDays) * 24 * time.Hour,
		RetentionAge:  time.Duration(cfg.Ledger.RetentionDays) * 24 * time.Hour,
		MaxEntryBytes: cfg.Ledger.MaxEntryBytes,
	}
}

// openStateStore picks the Redis backend when configured, otherwise the
// local pebble-backed fallback engine (spec.md's degraded-mode policy).
func openStateStore(cfg config.Config, logger log.Logger) (statestore.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("statestore: no redis.addr configured, using local fallback engine")
		return statestore.OpenPebbleStore("./data/statestore")
	}
	return statestore.NewRedisClient(cfg.Redis.Addr)
}

func rateLimits(cfg config.Config) map[string]ratelimiter.Limits {
	out := make(map[string]ratelimiter.Limits, len(cfg.RateLimiter))
	for _, m := range cfg.RateLimiter {
		out[m.Provider+"/"+m.Model] = ratelimiter.Limits{RPM: m.RPM, TPM: float64(m.TPM)}
	}
	return out
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the gateway: WAL, ledger, state store, rate limiter, DLQ store and health surface (no DLQ replay worker is started)",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger := log.NewCLI(log.LvlInfo)

		w, err := wal.Open(walConfigFrom(cfg), logger.With("component", "wal"))
		if err != nil {
			return err
		}
		defer w.Shutdown(5 * time.Second)

		l, err := ledger.Open(ledgerConfigFrom(cfg), logger.With("component", "ledger"))
		if err != nil {
			return err
		}

		store, err := openStateStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		rl := ratelimiter.New(store, rateLimits(cfg), logger.With("component", "ratelimiter"))

		dlqStore, err := dlq.Open("./data/dlq", store)
		if err != nil {
			return err
		}
		defer dlqStore.Close()

		kill := &killSwitch{}
		ready := &readiness{w: w, l: l, d: dlqStore, rl: rl, kill: kill}

		srv := &http.Server{Addr: cfg.HealthAddr, Handler: ready.handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server stopped", "err", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger.Info("gatewayd: running", "health_addr", cfg.HealthAddr)
		<-ctx.Done()

		logger.Info("gatewayd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = os.Stdout.Sync()
		return nil
	},
}
