package dlq

import (
	"context"
	"time"

	"github.com/apexlabs/infergate/log"
)

// Replayer resubmits a dead-lettered entry against the downstream billing
// endpoint (spec.md §4.12 "replays each against the downstream billing
// endpoint").
type Replayer interface {
	Replay(ctx context.Context, e Entry) error
}

// Worker periodically claims ready entries and replays them.
type Worker struct {
	store    *Store
	replayer Replayer
	log      log.Logger
	interval time.Duration
	batch    int
	backoff  func(attempt int) time.Duration
}

func NewWorker(store *Store, replayer Replayer, logger log.Logger, interval time.Duration, batch int) *Worker {
	if logger == nil {
		logger = log.Noop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 20
	}
	return &Worker{
		store: store, replayer: replayer, log: logger, interval: interval, batch: batch,
		backoff: func(attempt int) time.Duration {
			d := time.Duration(1<<uint(attempt)) * time.Second
			if d > 5*time.Minute {
				d = 5 * time.Minute
			}
			return d
		},
	}
}

// Run ticks until ctx is cancelled, claiming and replaying ready entries
// each tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	claimed, err := w.store.ClaimReady(ctx, w.batch)
	if err != nil {
		w.log.Warn("dlq: claim failed", "err", err)
		return
	}
	for _, c := range claimed {
		if err := w.replayer.Replay(ctx, c.Entry); err != nil {
			w.log.Warn("dlq: replay failed", "reservation_id", c.Entry.ID, "attempt", c.Entry.AttemptCount+1, "err", err)
			if rerr := w.store.Reschedule(ctx, c, err.Error(), w.backoff(c.Entry.AttemptCount)); rerr != nil {
				w.log.Error("dlq: entry moved to poison", "reservation_id", c.Entry.ID, "err", rerr)
			}
			continue
		}
		if err := w.store.Resolve(ctx, c); err != nil {
			w.log.Error("dlq: resolve failed", "reservation_id", c.Entry.ID, "err", err)
		}
	}
}
