// Package budgetcommitter implements the write-ahead billing protocol from
// spec.md §4.6: append to the ledger first, then atomically commit to the
// state store, with idempotency-keyed dedup and journal-first recovery.
// Grounded on the teacher's core/rawdb write-then-index pattern (a freezer
// append followed by an index update) and on ledger.Ledger / statestore.Store
// built earlier in this module.
package budgetcommitter

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/ledger"
	"github.com/apexlabs/infergate/log"
	"github.com/apexlabs/infergate/statestore"
)

// ReconciliationStatus mirrors the atomicCostCommit ARGV[2] from spec.md §4.3.
type ReconciliationStatus string

const (
	ReconNone     ReconciliationStatus = ""
	ReconFailOpen ReconciliationStatus = "FAIL_OPEN"
)

// IdempotencyTTL is the 24h TTL spec.md §4.3 requires on the idempotency key
// written by atomicCostCommit.
const IdempotencyTTL = 24 * time.Hour

// Result is the outcome of RecordCost.
type Result struct {
	JournalWritten bool
	StoreCommitted bool
	Duplicate      bool
	NewBudgetMicro string
}

// Committer implements spec.md §4.6.
type Committer struct {
	ledger *ledger.Ledger
	store  statestore.Store
	log    log.Logger
	sf     singleflight.Group // collapses concurrent RecoverFromJournal(tenant) calls
}

func New(l *ledger.Ledger, store statestore.Store, logger log.Logger) *Committer {
	if logger == nil {
		logger = log.Noop()
	}
	return &Committer{ledger: l, store: store, log: logger}
}

// RecordCost executes the crash matrix from spec.md §4.6 in strict order:
// (1) validate total cost, (2) journal (ledger append) - failure aborts with
// JOURNAL_FAILED so a store update never happens without a journal entry,
// (3) if the store is unreachable, return journalWritten=true/storeCommitted=
// false for later reconciliation, (4) otherwise run atomicCostCommit.
func (c *Committer) RecordCost(ctx context.Context, tenant string, entry ledger.Entry, idempotencyKey string, recon ReconciliationStatus) (Result, error) {
	if _, ok := new(big.Int).SetString(entry.TotalCostMicro, 10); !ok {
		return Result{}, gwerrors.New(gwerrors.BudgetInvalid, "budgetcommitter.record_cost", fmt.Errorf("total_cost_micro %q is not a decimal integer", entry.TotalCostMicro))
	}
	if new(big.Int).SetInt64(0).Cmp(mustBig(entry.TotalCostMicro)) > 0 {
		return Result{}, gwerrors.New(gwerrors.BudgetInvalid, "budgetcommitter.record_cost", fmt.Errorf("total_cost_micro %q is negative", entry.TotalCostMicro))
	}

	if err := c.ledger.Append(tenant, entry); err != nil {
		return Result{}, gwerrors.New(gwerrors.JournalFailed, "budgetcommitter.record_cost", err)
	}

	result := Result{JournalWritten: true}

	budgetKey := fmt.Sprintf("budget:%s:spent_micro", tenant)
	idemKey := fmt.Sprintf("idem:%s", idempotencyKey)
	headroomKey := fmt.Sprintf("budget:%s:headroom_micro", tenant)

	costMicro := mustBig(entry.TotalCostMicro).Int64()
	res, err := c.store.Eval(ctx, statestore.AtomicCostCommitScript,
		[]string{budgetKey, idemKey, headroomKey},
		[]interface{}{costMicro, string(recon), IdempotencyTTL})
	if err != nil {
		c.log.Warn("budgetcommitter: store unreachable after journal write, deferring to recovery",
			"tenant", tenant, "trace_id", entry.TraceID, "err", err)
		return result, nil
	}

	result.StoreCommitted = true
	if res.Status == "duplicate" {
		result.Duplicate = true
	}
	if len(res.Values) > 0 {
		if s, ok := res.Values[0].(string); ok {
			result.NewBudgetMicro = s
		}
	}
	return result, nil
}

func mustBig(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// RecoverFromJournal implements spec.md §4.6 recovery: recover the ledger,
// recompute the authoritative total deduplicated by trace id, and overwrite
// (not increment) the store's budget counter. Concurrent calls for the same
// tenant are collapsed via singleflight so a recompute storm doesn't replay
// the same scan many times.
func (c *Committer) RecoverFromJournal(ctx context.Context, tenant string) (ledger.RecomputeStats, error) {
	v, err, _ := c.sf.Do(tenant, func() (interface{}, error) {
		if _, err := c.ledger.Recover(tenant); err != nil {
			return ledger.RecomputeStats{}, gwerrors.New(gwerrors.IO, "budgetcommitter.recover", err)
		}
		stats, err := c.ledger.Recompute(tenant)
		if err != nil {
			return ledger.RecomputeStats{}, gwerrors.New(gwerrors.IO, "budgetcommitter.recompute", err)
		}
		budgetKey := fmt.Sprintf("budget:%s:spent_micro", tenant)
		if _, err := c.store.Set(ctx, budgetKey, []byte(stats.TotalCostMicro), statestore.SetOptions{}); err != nil {
			return ledger.RecomputeStats{}, gwerrors.New(gwerrors.IO, "budgetcommitter.recover.set", err)
		}
		return stats, nil
	})
	if err != nil {
		return ledger.RecomputeStats{}, err
	}
	return v.(ledger.RecomputeStats), nil
}
