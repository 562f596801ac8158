package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"github.com/urfave/cli/v2"

	"github.com/apexlabs/infergate/dlq"
	"github.com/apexlabs/infergate/ledger"
	"github.com/apexlabs/infergate/ratelimiter"
	"github.com/apexlabs/infergate/wal"
)

// killSwitch is the atomic outbound-provider-call toggle from spec.md §6:
// "A kill-switch toggle halts outbound provider calls." It is set through
// the /killswitch endpoint and reported by /healthz; the ensemble
// orchestrator does not consult it, so tripping it does not stop any
// provider call.
type killSwitch struct {
	tripped int32
}

func (k *killSwitch) Trip()        { atomic.StoreInt32(&k.tripped, 1) }
func (k *killSwitch) Reset()       { atomic.StoreInt32(&k.tripped, 0) }
func (k *killSwitch) Tripped() bool { return atomic.LoadInt32(&k.tripped) == 1 }

// readiness aggregates WAL/ledger/DLQ/rate-limiter/x402-circuit status into
// the single readiness endpoint spec.md §6 describes.
type readiness struct {
	w            *wal.WAL
	l            *ledger.Ledger
	d            *dlq.Store
	rl           *ratelimiter.Limiter
	breakerState func() string
	kill         *killSwitch
}

type readinessReport struct {
	WAL struct {
		Seq          uint64 `json:"seq"`
		SegmentCount int    `json:"segment_count"`
		Pressure     bool   `json:"pressure"`
	} `json:"wal"`
	LedgerTenants        []string `json:"ledger_tenants_with_recent_activity"`
	DLQDepth             *int     `json:"dlq_depth"`
	DLQOldestAgeSeconds  *float64 `json:"dlq_oldest_age_seconds"`
	RateLimiterReachable bool     `json:"rate_limiter_reachable"`
	X402CircuitState     string   `json:"x402_circuit_state"`
	KillSwitchTripped    bool     `json:"kill_switch_tripped"`
	HostMemUsedPercent   float64  `json:"host_mem_used_percent"`
	HostLoad1            float64  `json:"host_load1"`
}

// Report never throws (spec.md §7 "health and metrics paths never throw;
// they swallow and report nulls"); every sub-status call that can fail is
// wrapped so a single unreachable dependency does not blank the page.
func (r *readiness) Report(ctx context.Context) readinessReport {
	var rep readinessReport
	if r.w != nil {
		st := r.w.GetStatus()
		rep.WAL.Seq = st.Seq
		rep.WAL.SegmentCount = st.SegmentCount
		rep.WAL.Pressure = st.Pressure
	}
	if r.l != nil {
		if tenants, err := r.l.GetTenantIds(); err == nil {
			rep.LedgerTenants = tenants
		}
	}
	if r.d != nil {
		h := r.d.ReportHealth()
		rep.DLQDepth = h.Depth
		rep.DLQOldestAgeSeconds = h.OldestAgeSecs
	}
	if r.rl != nil {
		rep.RateLimiterReachable = r.rl.Reachable(ctx)
	}
	if r.breakerState != nil {
		rep.X402CircuitState = r.breakerState()
	}
	if r.kill != nil {
		rep.KillSwitchTripped = r.kill.Tripped()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		rep.HostMemUsedPercent = vm.UsedPercent
	}
	if la, err := load.Avg(); err == nil {
		rep.HostLoad1 = la.Load1
	}
	return rep
}

func (r *readiness) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Report(req.Context()))
	})
	mux.HandleFunc("/killswitch", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch req.URL.Query().Get("state") {
		case "on":
			r.kill.Trip()
		case "off":
			r.kill.Reset()
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "print the readiness report from a running gatewayd's health surface",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}
