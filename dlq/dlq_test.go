package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/statestore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dlq"), statestore.NewMemStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueThenClaimAndResolve(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Enqueue(Entry{ID: "r1", Tenant: "t1", ActualCostMicro: "100", TraceID: "tr1"}))

	claimed, err := s.ClaimReady(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "r1", claimed[0].Entry.ID)

	require.NoError(t, s.Resolve(context.Background(), claimed[0]))

	h := s.ReportHealth()
	require.NotNil(t, h.Depth)
	require.Equal(t, 0, *h.Depth)
}

func TestClaimIsExclusiveAcrossConcurrentWorkers(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Enqueue(Entry{ID: "r2", Tenant: "t1", ActualCostMicro: "50"}))

	first, err := s.ClaimReady(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.ClaimReady(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, second, 0, "entry is leased, a second claimant must not see it")
}

func TestRescheduleMovesToPoisonAfterMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	e := Entry{ID: "r3", Tenant: "t1", ActualCostMicro: "1", AttemptCount: MaxAttempts}
	require.NoError(t, s.Enqueue(e))

	claimed, err := s.ClaimReady(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = s.Reschedule(context.Background(), claimed[0], "downstream unavailable", time.Millisecond)
	require.Error(t, err)

	h := s.ReportHealth()
	require.Equal(t, 0, *h.Depth)
}

type fakeReplayer struct{ fail bool }

func (f fakeReplayer) Replay(context.Context, Entry) error {
	if f.fail {
		return errors.New("downstream down")
	}
	return nil
}

func TestWorkerResolvesSuccessfulReplay(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Enqueue(Entry{ID: "r4", Tenant: "t1", ActualCostMicro: "10"}))

	w := NewWorker(s, fakeReplayer{}, nil, time.Millisecond, 10)
	w.tick(context.Background())

	h := s.ReportHealth()
	require.Equal(t, 0, *h.Depth)
}
