package budgetcommitter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/ledger"
	"github.com/apexlabs/infergate/statestore"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ledger.Config{BaseDir: t.TempDir(), Fsync: false}, nil)
	require.NoError(t, err)
	return l
}

func sampleEntry(trace, totalMicro string) ledger.Entry {
	return ledger.Entry{
		TraceID:            trace,
		Provider:           "openai",
		Model:              "gpt-x",
		TotalCostMicro:     totalMicro,
		InputCostMicro:     totalMicro,
		OutputCostMicro:    "0",
		ReasoningCostMicro: "0",
		PriceTableVersion:  "v1",
		BillingMethod:      ledger.BillingProviderReported,
	}
}

// Exercises the real atomicCostCommit path against MemStore, whose native
// Eval the conformance suite checks alongside PebbleStore's: RecordCost must
// not panic on the type assertions evalCostCommitLocked performs on ARGV.
func TestRecordCostCommitsAgainstMemStore(t *testing.T) {
	store := statestore.NewMemStore()
	c := New(newTestLedger(t), store, nil)

	res, err := c.RecordCost(context.Background(), "tenant-a", sampleEntry("trace-1", "500"), "idem-1", ReconNone)
	require.NoError(t, err)
	require.True(t, res.JournalWritten)
	require.True(t, res.StoreCommitted)
	require.False(t, res.Duplicate)
	require.Equal(t, "500", res.NewBudgetMicro)
}

// A second call with the same idempotency key must be recognized as a
// duplicate rather than double-counting the spend.
func TestRecordCostDedupsOnIdempotencyKey(t *testing.T) {
	store := statestore.NewMemStore()
	c := New(newTestLedger(t), store, nil)

	_, err := c.RecordCost(context.Background(), "tenant-a", sampleEntry("trace-1", "500"), "idem-1", ReconNone)
	require.NoError(t, err)

	res, err := c.RecordCost(context.Background(), "tenant-a", sampleEntry("trace-2", "500"), "idem-1", ReconNone)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
}

func TestRecordCostRejectsNonDecimalCost(t *testing.T) {
	store := statestore.NewMemStore()
	c := New(newTestLedger(t), store, nil)

	_, err := c.RecordCost(context.Background(), "tenant-a", sampleEntry("trace-1", "not-a-number"), "idem-1", ReconNone)
	require.Error(t, err)
}
