package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{BaseDir: t.TempDir(), Fsync: false}, nil)
	require.NoError(t, err)
	return l
}

func sampleEntry(trace string, totalMicro string) Entry {
	return Entry{
		TraceID:           trace,
		Provider:          "openai",
		Model:             "gpt-x",
		TotalCostMicro:    totalMicro,
		InputCostMicro:    totalMicro,
		OutputCostMicro:   "0",
		ReasoningCostMicro: "0",
		PriceTableVersion: "v1",
		BillingMethod:     BillingProviderReported,
	}
}

func TestAppendRejectsInvalidTenant(t *testing.T) {
	l := newTestLedger(t)
	err := l.Append("../etc", sampleEntry("t1", "10"))
	require.Error(t, err)
}

func TestAppendAndCountEntries(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append("tenant-a", sampleEntry("t1", "100")))
	require.NoError(t, l.Append("tenant-a", sampleEntry("t2", "200")))

	n, err := l.CountEntries("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRecoverDropsCRC32MismatchEntry(t *testing.T) {
	// Literal scenario from spec.md §8 #2.
	l := newTestLedger(t)
	e := sampleEntry("t1", "750")
	require.NoError(t, l.Append("tenant-a", e))

	path := l.livePath("tenant-a")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	mutated := strings.Replace(string(raw), `"total_cost_micro":"750"`, `"total_cost_micro":"999"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(mutated), 0o644))

	stats, err := l.Recover("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 0, stats.SurvivingEntries)
	require.Equal(t, 1, stats.Corrupted)

	n, err := l.CountEntries("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRecoverTruncatesMalformedFinalLine(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append("tenant-a", sampleEntry("t1", "10")))

	path := l.livePath("tenant-a")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"schema_version":2,"trace_id":"t2","total_cost`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := l.Recover("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 1, stats.SurvivingEntries)
	require.Equal(t, 1, stats.Truncated)
	require.Equal(t, 0, stats.Corrupted)
}

func TestRecomputeDeduplicatesByTraceID(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append("tenant-a", sampleEntry("t1", "100")))
	require.NoError(t, l.Append("tenant-a", sampleEntry("t1", "150"))) // reconciled correction
	require.NoError(t, l.Append("tenant-a", sampleEntry("t2", "50")))

	stats, err := l.Recompute("tenant-a")
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalEntries)
	require.Equal(t, 1, stats.DuplicatesRemoved)
	require.Equal(t, "200", stats.TotalCostMicro)
}

func TestRotateCompressesAndTruncates(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append("tenant-a", sampleEntry("t1", "10")))
	l.cfg.RotationAge = 0 // force rotation regardless of file age

	require.NoError(t, l.Rotate("tenant-a"))

	info, err := os.Stat(l.livePath("tenant-a"))
	require.NoError(t, err)
	require.Zero(t, info.Size())

	matches, err := filepath.Glob(filepath.Join(l.tenantDir("tenant-a"), "usage.*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestValidateTotalCostInvariant(t *testing.T) {
	e := sampleEntry("t1", "999")
	e.InputCostMicro = "100"
	e.OutputCostMicro = "50"
	e.ReasoningCostMicro = "0"
	err := e.ValidateTotalCost()
	require.Error(t, err)
}
