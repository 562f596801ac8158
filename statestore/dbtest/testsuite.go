// Package dbtest holds a shared conformance suite for statestore.Store
// implementations (MemStore and PebbleStore run it; RedisStore has no test
// that does), grounded directly on the teacher's
// client/ethdb/dbtest/testsuite.go pattern (one behavioral suite, many
// backends).
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/statestore"
)

// TestStoreSuite exercises the get/set/incr, sorted-set and fixed-script
// contract every Store backend must satisfy.
func TestStoreSuite(t *testing.T, newStore func() statestore.Store) {
	t.Run("GetMissingReturnsNotFound", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		_, err := s.Get(context.Background(), "missing")
		require.ErrorIs(t, err, statestore.ErrNotFound)
	})

	t.Run("SetThenGetRoundTrips", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()
		ok, err := s.Set(ctx, "k", []byte("v"), statestore.SetOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("v"), v)
	})

	t.Run("OnlyIfAbsentRespectsExistingKey", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()
		ok, err := s.Set(ctx, "k", []byte("first"), statestore.SetOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.Set(ctx, "k", []byte("second"), statestore.SetOptions{OnlyIfAbsent: true})
		require.NoError(t, err)
		require.False(t, ok)
		v, _ := s.Get(ctx, "k")
		require.Equal(t, []byte("first"), v)
	})

	t.Run("IncrByAccumulates", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()
		v, err := s.IncrBy(ctx, "counter", 5)
		require.NoError(t, err)
		require.Equal(t, int64(5), v)
		v, err = s.IncrBy(ctx, "counter", -2)
		require.NoError(t, err)
		require.Equal(t, int64(3), v)
	})

	t.Run("SortedSetAddCardAndRemoveByScore", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()
		require.NoError(t, s.SortedSetAdd(ctx, "z", "a", 1))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "b", 2))
		card, err := s.SortedSetCard(ctx, "z")
		require.NoError(t, err)
		require.Equal(t, int64(2), card)

		removed, err := s.SortedSetRemoveByScore(ctx, "z", 0, 1)
		require.NoError(t, err)
		require.Equal(t, int64(1), removed)
		card, _ = s.SortedSetCard(ctx, "z")
		require.Equal(t, int64(1), card)
	})

	t.Run("AtomicCostCommitDedupsByIdempotencyKey", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()
		res, err := s.Eval(ctx, statestore.AtomicCostCommitScript,
			[]string{"budget:t1", "idem:req1", "headroom:t1"},
			[]interface{}{int64(100), "", 24 * time.Hour})
		require.NoError(t, err)
		require.Equal(t, "new", res.Status)

		res2, err := s.Eval(ctx, statestore.AtomicCostCommitScript,
			[]string{"budget:t1", "idem:req1", "headroom:t1"},
			[]interface{}{int64(100), "", 24 * time.Hour})
		require.NoError(t, err)
		require.Equal(t, "duplicate", res2.Status)
	})

	t.Run("AtomicVerifyRejectsReplay", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()
		_, err := s.Set(ctx, "x402:challenge:n1", []byte(`{}`), statestore.SetOptions{})
		require.NoError(t, err)

		res, err := s.Eval(ctx, statestore.AtomicVerifyScript,
			[]string{"x402:challenge:n1", "x402:challenge:n1:consumed", "x402:replay:0xabc"},
			[]interface{}{24 * time.Hour, "0xabc"})
		require.NoError(t, err)
		require.Equal(t, "SUCCESS", res.Status)

		// A fresh nonce paying with the same tx hash: only the replay key is set.
		_, err = s.Set(ctx, "x402:challenge:n2", []byte(`{}`), statestore.SetOptions{})
		require.NoError(t, err)
		res2, err := s.Eval(ctx, statestore.AtomicVerifyScript,
			[]string{"x402:challenge:n2", "x402:challenge:n2:consumed", "x402:replay:0xabc"},
			[]interface{}{24 * time.Hour, "0xabc"})
		require.NoError(t, err)
		require.Equal(t, "REPLAY_DETECTED", res2.Status)
	})
}
