package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/apexlabs/infergate/gwerrors"
)

// PebbleStore is the in-process fallback engine: a local, durable (survives
// process restart, unlike MemStore) KV engine that cmd/gatewayd opens when
// no Redis address is configured. The choice is made once at startup; a
// replica whose configured Redis becomes unreachable does not switch to it.
// Grounded on the teacher's own use of github.com/cockroachdb/pebble as the
// successor to leveldb in client/core/rawdb.
//
// Eval semantics mirror MemStore.Eval exactly. Multi-key
// operations take mu, the same tradeoff MemStore makes with its
// mutex: simplicity over lock-free throughput, acceptable for a fallback
// path that is by definition a single unreplicated replica.
type PebbleStore struct {
	db      *pebble.DB
	mu      sync.Mutex
	nowFunc func() time.Time
}

type pebbleRecord struct {
	Value   []byte    `json:"v"`
	Expires time.Time `json:"e,omitempty"`
}

// OpenPebbleStore opens (creating if absent) a pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, gwerrors.New(gwerrors.IO, "statestore.pebble.open", err)
	}
	return &PebbleStore{db: db, nowFunc: time.Now}, nil
}

func (p *PebbleStore) getRecordLocked(key string) (pebbleRecord, bool, error) {
	raw, closer, err := p.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return pebbleRecord{}, false, nil
	}
	if err != nil {
		return pebbleRecord{}, false, err
	}
	defer closer.Close()
	var rec pebbleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pebbleRecord{}, false, err
	}
	if !rec.Expires.IsZero() && p.nowFunc().After(rec.Expires) {
		_ = p.db.Delete([]byte(key), pebble.Sync)
		return pebbleRecord{}, false, nil
	}
	return rec, true, nil
}

func (p *PebbleStore) putRecordLocked(key string, rec pebbleRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.db.Set([]byte(key), raw, pebble.Sync)
}

func (p *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok, err := p.getRecordLocked(key)
	if err != nil {
		return nil, gwerrors.New(gwerrors.IO, "statestore.pebble.get", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Value, nil
}

func (p *PebbleStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if opts.OnlyIfAbsent {
		_, ok, err := p.getRecordLocked(key)
		if err != nil {
			return false, gwerrors.New(gwerrors.IO, "statestore.pebble.set", err)
		}
		if ok {
			return false, nil
		}
	}
	rec := pebbleRecord{Value: value}
	if opts.TTL > 0 {
		rec.Expires = p.nowFunc().Add(opts.TTL)
	}
	if err := p.putRecordLocked(key, rec); err != nil {
		return false, gwerrors.New(gwerrors.IO, "statestore.pebble.set", err)
	}
	return true, nil
}

func (p *PebbleStore) Del(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return gwerrors.New(gwerrors.IO, "statestore.pebble.del", err)
	}
	return nil
}

func (p *PebbleStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var cur int64
	rec, ok, err := p.getRecordLocked(key)
	if err != nil {
		return 0, gwerrors.New(gwerrors.IO, "statestore.pebble.incrby", err)
	}
	if ok {
		cur, _ = strconv.ParseInt(string(rec.Value), 10, 64)
	}
	cur += delta
	if err := p.putRecordLocked(key, pebbleRecord{Value: []byte(strconv.FormatInt(cur, 10))}); err != nil {
		return 0, gwerrors.New(gwerrors.IO, "statestore.pebble.incrby", err)
	}
	return cur, nil
}

func hashKey(key, field string) string { return "h:" + key + "\x00" + field }

func (p *PebbleStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string)
	prefix := []byte("h:" + key + "\x00")
	iter := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		field := string(iter.Key()[len(prefix):])
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err == nil {
			out[field] = string(rec.Value)
		}
	}
	return out, nil
}

func (p *PebbleStore) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := hashKey(key, field)
	var cur int64
	rec, ok, err := p.getRecordLocked(k)
	if err != nil {
		return 0, gwerrors.New(gwerrors.IO, "statestore.pebble.hincrby", err)
	}
	if ok {
		cur, _ = strconv.ParseInt(string(rec.Value), 10, 64)
	}
	cur += delta
	if err := p.putRecordLocked(k, pebbleRecord{Value: []byte(strconv.FormatInt(cur, 10))}); err != nil {
		return 0, gwerrors.New(gwerrors.IO, "statestore.pebble.hincrby", err)
	}
	return cur, nil
}

func (p *PebbleStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok, err := p.getRecordLocked(key)
	if err != nil {
		return gwerrors.New(gwerrors.IO, "statestore.pebble.expire", err)
	}
	if !ok {
		return nil
	}
	rec.Expires = p.nowFunc().Add(ttl)
	if err := p.putRecordLocked(key, rec); err != nil {
		return gwerrors.New(gwerrors.IO, "statestore.pebble.expire", err)
	}
	return nil
}

func zsetKey(key, member string) string { return "z:" + key + "\x00" + member }

func (p *PebbleStore) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.putRecordLocked(zsetKey(key, member), pebbleRecord{Value: []byte(strconv.FormatFloat(score, 'f', -1, 64))})
	if err != nil {
		return gwerrors.New(gwerrors.IO, "statestore.pebble.zadd", err)
	}
	return nil
}

func (p *PebbleStore) scanZSetLocked(key string) (map[string]float64, error) {
	out := make(map[string]float64)
	prefix := []byte("z:" + key + "\x00")
	iter := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		member := string(iter.Key()[len(prefix):])
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err == nil {
			score, _ := strconv.ParseFloat(string(rec.Value), 64)
			out[member] = score
		}
	}
	return out, nil
}

func (p *PebbleStore) SortedSetCard(ctx context.Context, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	z, err := p.scanZSetLocked(key)
	if err != nil {
		return 0, gwerrors.New(gwerrors.IO, "statestore.pebble.zcard", err)
	}
	return int64(len(z)), nil
}

func (p *PebbleStore) SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	z, err := p.scanZSetLocked(key)
	if err != nil {
		return 0, gwerrors.New(gwerrors.IO, "statestore.pebble.zremrangebyscore", err)
	}
	var removed int64
	for member, score := range z {
		if score >= min && score <= max {
			if err := p.db.Delete([]byte(zsetKey(key, member)), pebble.Sync); err != nil {
				return removed, gwerrors.New(gwerrors.IO, "statestore.pebble.zremrangebyscore", err)
			}
			removed++
		}
	}
	return removed, nil
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

// Eval implements the same four fixed scripts as MemStore, against the
// pebble-backed record set, under mu.
func (p *PebbleStore) Eval(ctx context.Context, script *Script, keys []string, args []interface{}) (ScriptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch script.Name {
	case AtomicCostCommitScript.Name:
		return p.evalCostCommitLocked(keys, args)
	case AtomicVerifyScript.Name:
		return p.evalVerifyLocked(keys, args)
	case RPMAdmitScript.Name:
		return p.evalRPMLocked(keys, args)
	case TPMAdmitScript.Name:
		return p.evalTPMLocked(keys, args)
	default:
		return ScriptResult{}, fmt.Errorf("statestore: unknown script %q", script.Name)
	}
}

func (p *PebbleStore) evalCostCommitLocked(keys []string, args []interface{}) (ScriptResult, error) {
	budgetKey, idemKey, headroomKey := keys[0], keys[1], keys[2]
	cost := args[0].(int64)
	reconStatus, _ := args[1].(string)
	ttl := args[2].(time.Duration)

	if rec, ok, err := p.getRecordLocked(idemKey); err != nil {
		return ScriptResult{}, err
	} else if ok {
		return ScriptResult{Status: "duplicate", Values: []interface{}{string(rec.Value)}}, nil
	}

	var cur int64
	if rec, ok, err := p.getRecordLocked(budgetKey); err != nil {
		return ScriptResult{}, err
	} else if ok {
		cur, _ = strconv.ParseInt(string(rec.Value), 10, 64)
	}
	cur += cost
	if err := p.putRecordLocked(budgetKey, pebbleRecord{Value: []byte(strconv.FormatInt(cur, 10))}); err != nil {
		return ScriptResult{}, err
	}
	if err := p.putRecordLocked(idemKey, pebbleRecord{Value: []byte(strconv.FormatInt(cur, 10)), Expires: p.nowFunc().Add(ttl)}); err != nil {
		return ScriptResult{}, err
	}
	if reconStatus == "FAIL_OPEN" {
		var hr int64
		if rec, ok, err := p.getRecordLocked(headroomKey); err != nil {
			return ScriptResult{}, err
		} else if ok {
			hr, _ = strconv.ParseInt(string(rec.Value), 10, 64)
		}
		hr -= cost
		if err := p.putRecordLocked(headroomKey, pebbleRecord{Value: []byte(strconv.FormatInt(hr, 10))}); err != nil {
			return ScriptResult{}, err
		}
	}
	return ScriptResult{Status: "new", Values: []interface{}{strconv.FormatInt(cur, 10)}}, nil
}

func (p *PebbleStore) evalVerifyLocked(keys []string, args []interface{}) (ScriptResult, error) {
	challengeKey, consumedKey, replayKey := keys[0], keys[1], keys[2]
	ttl := args[0].(time.Duration)
	txHash, _ := args[1].(string)

	_, ok, err := p.getRecordLocked(challengeKey)
	if err != nil {
		return ScriptResult{}, err
	}
	if !ok {
		return ScriptResult{Status: "NONCE_NOT_FOUND"}, nil
	}
	if _, ok, err := p.getRecordLocked(consumedKey); err != nil {
		return ScriptResult{}, err
	} else if ok {
		return ScriptResult{Status: "RACE_LOST"}, nil
	}
	if _, ok, err := p.getRecordLocked(replayKey); err != nil {
		return ScriptResult{}, err
	} else if ok {
		return ScriptResult{Status: "REPLAY_DETECTED"}, nil
	}
	if err := p.putRecordLocked(consumedKey, pebbleRecord{Value: []byte("1")}); err != nil {
		return ScriptResult{}, err
	}
	if err := p.putRecordLocked(replayKey, pebbleRecord{Value: []byte(txHash), Expires: p.nowFunc().Add(ttl)}); err != nil {
		return ScriptResult{}, err
	}
	if err := p.db.Delete([]byte(challengeKey), pebble.Sync); err != nil {
		return ScriptResult{}, err
	}
	return ScriptResult{Status: "SUCCESS"}, nil
}

func (p *PebbleStore) evalRPMLocked(keys []string, args []interface{}) (ScriptResult, error) {
	key := keys[0]
	now := args[0].(float64)
	window := args[1].(float64)
	limit := args[2].(int64)
	member := args[3].(string)

	z, err := p.scanZSetLocked(key)
	if err != nil {
		return ScriptResult{}, err
	}
	cutoff := now - window
	for mem, score := range z {
		if score < cutoff {
			_ = p.db.Delete([]byte(zsetKey(key, mem)), pebble.Sync)
			delete(z, mem)
		}
	}
	if int64(len(z)) < limit {
		if err := p.putRecordLocked(zsetKey(key, member), pebbleRecord{Value: []byte(strconv.FormatFloat(now, 'f', -1, 64))}); err != nil {
			return ScriptResult{}, err
		}
		return ScriptResult{Status: "admitted", Values: []interface{}{int64(len(z) + 1)}}, nil
	}
	return ScriptResult{Status: "denied", Values: []interface{}{int64(len(z))}}, nil
}

func (p *PebbleStore) evalTPMLocked(keys []string, args []interface{}) (ScriptResult, error) {
	curKey, prevKey := keys[0], keys[1]
	elapsed := args[0].(float64)
	limit := args[1].(float64)
	tokens := args[2].(float64)
	bucket := args[3].(string)

	sum := func(key string) float64 {
		var s float64
		prefix := []byte("h:" + key + "\x00")
		iter := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
		defer iter.Close()
		for iter.First(); iter.Valid(); iter.Next() {
			var rec pebbleRecord
			if err := json.Unmarshal(iter.Value(), &rec); err == nil {
				v, _ := strconv.ParseInt(string(rec.Value), 10, 64)
				s += float64(v)
			}
		}
		return s
	}
	prevSum := sum(prevKey)
	curSum := sum(curKey)
	effective := prevSum*(1-elapsed) + curSum

	if effective+tokens <= limit {
		k := hashKey(curKey, bucket)
		var cur int64
		if rec, ok, err := p.getRecordLocked(k); err != nil {
			return ScriptResult{}, err
		} else if ok {
			cur, _ = strconv.ParseInt(string(rec.Value), 10, 64)
		}
		cur += int64(tokens)
		if err := p.putRecordLocked(k, pebbleRecord{Value: []byte(strconv.FormatInt(cur, 10))}); err != nil {
			return ScriptResult{}, err
		}
		return ScriptResult{Status: "admitted", Values: []interface{}{effective + tokens}}, nil
	}
	return ScriptResult{Status: "denied", Values: []interface{}{effective}}, nil
}

func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
