package statestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store used in tests (cmd/gatewayd's local
// engine is PebbleStore). It implements the same Eval semantics as the Redis backend natively, under
// a single mutex, rather than interpreting Lua.
type MemStore struct {
	mu      sync.Mutex
	values  map[string]entry
	hashes  map[string]map[string]int64
	zsets   map[string]map[string]float64
	nowFunc func() time.Time
}

type entry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		values:  make(map[string]entry),
		hashes:  make(map[string]map[string]int64),
		zsets:   make(map[string]map[string]float64),
		nowFunc: time.Now,
	}
}

func (m *MemStore) expiredLocked(key string) bool {
	e, ok := m.values[key]
	if !ok {
		return false
	}
	if e.expires.IsZero() {
		return false
	}
	return m.nowFunc().After(e.expires)
}

func (m *MemStore) existsLocked(key string) bool {
	if m.expiredLocked(key) {
		delete(m.values, key)
		return false
	}
	_, ok := m.values[key]
	return ok
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.existsLocked(key) {
		return nil, ErrNotFound
	}
	return m.values[key].value, nil
}

func (m *MemStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.OnlyIfAbsent && m.existsLocked(key) {
		return false, nil
	}
	e := entry{value: value}
	if opts.TTL > 0 {
		e.expires = m.nowFunc().Add(opts.TTL)
	}
	m.values[key] = e
	return true, nil
}

func (m *MemStore) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	return nil
}

func (m *MemStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if m.existsLocked(key) {
		fmt.Sscanf(string(m.values[key].value), "%d", &cur)
	}
	cur += delta
	m.values[key] = entry{value: []byte(fmt.Sprintf("%d", cur))}
	return cur, nil
}

func (m *MemStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for f, v := range m.hashes[key] {
		out[f] = fmt.Sprintf("%d", v)
	}
	return out, nil
}

func (m *MemStore) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	h[field] += delta
	return h[field], nil
}

func (m *MemStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok {
		e.expires = m.nowFunc().Add(ttl)
		m.values[key] = e
	}
	return nil
}

func (m *MemStore) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemStore) SortedSetCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemStore) SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
			removed++
		}
	}
	return removed, nil
}

func (m *MemStore) Close() error { return nil }

// Eval implements the four fixed scripts natively, matching the Lua
// semantics in scripts.go exactly, under the same mutex used by every other
// operation - this is what makes Eval atomic against concurrent clients in
// this backend (spec.md §4.3 policy).
func (m *MemStore) Eval(ctx context.Context, script *Script, keys []string, args []interface{}) (ScriptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch script.Name {
	case AtomicCostCommitScript.Name:
		return m.evalCostCommitLocked(keys, args)
	case AtomicVerifyScript.Name:
		return m.evalVerifyLocked(keys, args)
	case RPMAdmitScript.Name:
		return m.evalRPMLocked(keys, args)
	case TPMAdmitScript.Name:
		return m.evalTPMLocked(keys, args)
	default:
		return ScriptResult{}, fmt.Errorf("statestore: unknown script %q", script.Name)
	}
}

func (m *MemStore) evalCostCommitLocked(keys []string, args []interface{}) (ScriptResult, error) {
	budgetKey, idemKey, headroomKey := keys[0], keys[1], keys[2]
	cost := args[0].(int64)
	reconStatus, _ := args[1].(string)
	ttl := args[2].(time.Duration)

	if m.existsLocked(idemKey) {
		cached := string(m.values[idemKey].value)
		return ScriptResult{Status: "duplicate", Values: []interface{}{cached}}, nil
	}
	var cur int64
	if m.existsLocked(budgetKey) {
		fmt.Sscanf(string(m.values[budgetKey].value), "%d", &cur)
	}
	cur += cost
	m.values[budgetKey] = entry{value: []byte(fmt.Sprintf("%d", cur))}
	m.values[idemKey] = entry{value: []byte(fmt.Sprintf("%d", cur)), expires: m.nowFunc().Add(ttl)}
	if reconStatus == "FAIL_OPEN" {
		var hr int64
		if m.existsLocked(headroomKey) {
			fmt.Sscanf(string(m.values[headroomKey].value), "%d", &hr)
		}
		hr -= cost
		m.values[headroomKey] = entry{value: []byte(fmt.Sprintf("%d", hr))}
	}
	return ScriptResult{Status: "new", Values: []interface{}{fmt.Sprintf("%d", cur)}}, nil
}

func (m *MemStore) evalVerifyLocked(keys []string, args []interface{}) (ScriptResult, error) {
	challengeKey, consumedKey, replayKey := keys[0], keys[1], keys[2]
	ttl := args[0].(time.Duration)
	txHash, _ := args[1].(string)

	if !m.existsLocked(challengeKey) {
		return ScriptResult{Status: "NONCE_NOT_FOUND"}, nil
	}
	if m.existsLocked(consumedKey) {
		return ScriptResult{Status: "RACE_LOST"}, nil
	}
	if m.existsLocked(replayKey) {
		return ScriptResult{Status: "REPLAY_DETECTED"}, nil
	}
	m.values[consumedKey] = entry{value: []byte("1")}
	m.values[replayKey] = entry{value: []byte(txHash), expires: m.nowFunc().Add(ttl)}
	delete(m.values, challengeKey)
	return ScriptResult{Status: "SUCCESS"}, nil
}

func (m *MemStore) evalRPMLocked(keys []string, args []interface{}) (ScriptResult, error) {
	key := keys[0]
	now := args[0].(float64)
	window := args[1].(float64)
	limit := args[2].(int64)
	member := args[3].(string)

	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	cutoff := now - window
	for mem, score := range z {
		if score < cutoff {
			delete(z, mem)
		}
	}
	if int64(len(z)) < limit {
		z[member] = now
		return ScriptResult{Status: "admitted", Values: []interface{}{int64(len(z))}}, nil
	}
	return ScriptResult{Status: "denied", Values: []interface{}{int64(len(z))}}, nil
}

func (m *MemStore) evalTPMLocked(keys []string, args []interface{}) (ScriptResult, error) {
	curKey, prevKey := keys[0], keys[1]
	elapsed := args[0].(float64)
	limit := args[1].(float64)
	tokens := args[2].(float64)
	bucket := args[3].(string)

	sum := func(key string) float64 {
		var s float64
		for _, v := range m.hashes[key] {
			s += float64(v)
		}
		return s
	}
	effective := sum(prevKey)*(1-elapsed) + sum(curKey)
	if effective+tokens <= limit {
		h, ok := m.hashes[curKey]
		if !ok {
			h = make(map[string]int64)
			m.hashes[curKey] = h
		}
		h[bucket] += int64(tokens)
		return ScriptResult{Status: "admitted", Values: []interface{}{effective + tokens}}, nil
	}
	return ScriptResult{Status: "denied", Values: []interface{}{effective}}, nil
}

// snapshotKeys is a debugging helper used by tests to assert on store shape.
func (m *MemStore) snapshotKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
