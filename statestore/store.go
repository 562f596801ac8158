// Package statestore provides the abstract ordered key-value store from
// spec.md §4.3: get/set/del/incr/hash/sorted-set primitives plus four fixed,
// atomic server-side scripts. Grounded on the teacher's client/ethdb
// interface style (a narrow KV interface with multiple backends validated
// by one shared conformance suite, client/ethdb/dbtest/testsuite.go) and on
// the retrieval pack's Kelpejol-consonant-engine ledger.go for the
// Lua-script-over-Redis shape.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("statestore: key not found")

// SetOptions configures Set.
type SetOptions struct {
	TTL          time.Duration
	OnlyIfAbsent bool
}

// ScriptResult is the typed outcome of running one of the four fixed
// server-side scripts.
type ScriptResult struct {
	Status string        // e.g. "new", "duplicate", "SUCCESS", "RACE_LOST", "admitted", "denied" ...
	Values []interface{} // positional results, script-specific
}

// Store is the abstract ordered key-value store every component depends on.
// Multi-key operations outside Eval are NOT assumed atomic across
// concurrent clients (spec.md §4.3 policy); only Eval is.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error)
	Del(ctx context.Context, key string) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SortedSetAdd(ctx context.Context, key, member string, score float64) error
	SortedSetCard(ctx context.Context, key string) (int64, error)
	SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// Eval runs one of the fixed scripts from scripts.go atomically against
	// the listed keys.
	Eval(ctx context.Context, script *Script, keys []string, args []interface{}) (ScriptResult, error)

	Close() error
}
