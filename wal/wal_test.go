package wal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/gwerrors"
)

func openTestWAL(t *testing.T, cfg Config) *WAL {
	t.Helper()
	cfg.Dir = t.TempDir()
	w, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Shutdown(time.Second) })
	return w
}

func TestAppendAssignsDenseIncreasingSeq(t *testing.T) {
	w := openTestWAL(t, Config{MaxSegmentSize: 1 << 20})

	seq1, err := w.Append(OpWrite, "a", []byte("1"))
	require.NoError(t, err)
	seq2, err := w.Append(OpWrite, "b", []byte("2"))
	require.NoError(t, err)
	seq3, err := w.Append(OpWrite, "a", []byte("3"))
	require.NoError(t, err)

	require.Equal(t, uint64(1), seq1)
	require.Equal(t, uint64(2), seq2)
	require.Equal(t, uint64(3), seq3)
}

func TestReplayProducesSameChecksums(t *testing.T) {
	w := openTestWAL(t, Config{MaxSegmentSize: 1 << 20})

	for _, p := range []string{"a", "b", "c"} {
		_, err := w.Append(OpWrite, p, []byte(p))
		require.NoError(t, err)
	}

	var replayed []Entry
	stats, err := w.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}, ReplayOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Replayed)
	require.Equal(t, 0, stats.Errors)
	for _, e := range replayed {
		require.True(t, e.VerifyChecksum())
	}
}

func TestCompactionScenario(t *testing.T) {
	// Literal scenario from spec.md §8 #1: append "a","b","a"; compaction
	// over the result yields two entries: the second write of "a" and the
	// write of "b".
	w := openTestWAL(t, Config{MaxSegmentSize: 1 << 20})

	_, err := w.Append(OpWrite, "a", []byte("first"))
	require.NoError(t, err)
	_, err = w.Append(OpWrite, "b", []byte("only"))
	require.NoError(t, err)
	_, err = w.Append(OpWrite, "a", []byte("second"))
	require.NoError(t, err)

	entries, err := w.GetEntriesSince(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	compacted := Compact(entries)
	require.Len(t, compacted, 2)
	require.Equal(t, "b", compacted[0].Path)
	require.Equal(t, []byte("only"), compacted[0].Data)
	require.Equal(t, "a", compacted[1].Path)
	require.Equal(t, []byte("second"), compacted[1].Data)
}

func TestUnknownOperationTagDoesNotAbortReplay(t *testing.T) {
	w := openTestWAL(t, Config{MaxSegmentSize: 1 << 20})

	_, err := w.Append(Op("future_tag"), "x", nil)
	require.NoError(t, err)
	_, err = w.Append(OpWrite, "y", nil)
	require.NoError(t, err)

	var count int
	stats, err := w.Replay(func(e Entry) error {
		count++
		return nil
	}, ReplayOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 2, stats.Replayed)
}

func TestRotationAcrossSegments(t *testing.T) {
	// A tiny max segment size forces rotation on nearly every append. Each
	// write targets a distinct path, so no segment's writes are ever
	// superseded and none should be retired.
	w := openTestWAL(t, Config{MaxSegmentSize: 64})

	for i := 0; i < 10; i++ {
		_, err := w.Append(OpWrite, fmt.Sprintf("p%d", i), []byte("payload-data-long-enough"))
		require.NoError(t, err)
	}
	status := w.GetStatus()
	require.Greater(t, status.SegmentCount, 1)
	require.Equal(t, uint64(10), status.Seq)

	entries, err := w.GetEntriesSince(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 10)
}

func TestRotationRetiresFullySupersededSegments(t *testing.T) {
	// Every write targets the same path, so each rotation's freshly sealed
	// segment supersedes every segment sealed before it: only the segment
	// holding the latest write to "p" should survive.
	w := openTestWAL(t, Config{MaxSegmentSize: 64})

	for i := 0; i < 10; i++ {
		_, err := w.Append(OpWrite, "p", []byte(fmt.Sprintf("payload-%02d-padding", i)))
		require.NoError(t, err)
	}

	status := w.GetStatus()
	require.Equal(t, uint64(10), status.Seq)
	require.LessOrEqual(t, status.SegmentCount, 2)

	entries, err := w.GetEntriesSince(0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, []byte("payload-09-padding"), last.Data)
}

func TestAppendAfterShutdownRejected(t *testing.T) {
	w := openTestWAL(t, Config{MaxSegmentSize: 1 << 20})
	require.NoError(t, w.Shutdown(time.Second))

	_, err := w.Append(OpWrite, "x", nil)
	require.Error(t, err)
	kind, ok := gwerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, gwerrors.ShuttingDown, kind)
}

func TestDiskPressureFailsFastWithHysteresis(t *testing.T) {
	w := openTestWAL(t, Config{MaxSegmentSize: 1 << 20, PressureLowBytes: 1000, PressureHighBytes: 2000})

	free := uint64(500)
	w.diskFree = func(string) (uint64, error) { return free, nil }

	_, err := w.Append(OpWrite, "x", nil)
	require.Error(t, err)
	kind, ok := gwerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, gwerrors.DiskPressure, kind)

	// Still below the high watermark: stays under pressure (hysteresis).
	free = 1500
	_, err = w.Append(OpWrite, "x", nil)
	require.Error(t, err)

	free = 2500
	_, err = w.Append(OpWrite, "x", nil)
	require.NoError(t, err)
}

func TestRecoverFromMidRotationCrash(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, MaxSegmentSize: 1 << 20}, nil)
	require.NoError(t, err)
	_, err = w.Append(OpWrite, "a", []byte("1"))
	require.NoError(t, err)

	require.NoError(t, w.Shutdown(time.Second))

	// Simulate a crash mid-rotation: checkpoint says "rotating" into a
	// segment that was never actually created. Written after Shutdown,
	// whose own checkpoint would otherwise overwrite it.
	cps, err := openCheckpointStore(dir)
	require.NoError(t, err)
	require.NoError(t, cps.Save(Checkpoint{HeadSeq: 1, ActiveSegment: 99, Phase: PhaseRotating}))
	require.NoError(t, cps.Close())

	w2, err := Open(Config{Dir: dir, MaxSegmentSize: 1 << 20}, nil)
	require.NoError(t, err)
	defer w2.Shutdown(time.Second)

	// Recovery should fall back to a real segment rather than the phantom
	// one, and appends should keep working.
	seq, err := w2.Append(OpWrite, "b", []byte("2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}
