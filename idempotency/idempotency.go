// Package idempotency implements the (trace, tool, args) -> result cache
// from spec.md §4.5, with a bounded in-process fallback so the cache
// degrades to per-replica behavior on store loss, and a separate
// write-once nonce replay set.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/apexlabs/infergate/statestore"
)

// DefaultTTL is the cache TTL from spec.md §4.5.
const DefaultTTL = 120 * time.Second

// ErrNonceUnavailable is returned by CheckAndSetNonce when replay protection
// is required but the backing store is unreachable - the call fails closed
// rather than risk an unprotected replay.
var ErrNonceUnavailable = errors.New("idempotency: nonce replay store unavailable")

// Cache implements the (trace, tool, args) -> result lookup.
type Cache struct {
	store statestore.Store
	local *fastcache.Cache // bounded in-process mirror, VictoriaMetrics/fastcache
	ttl   time.Duration
}

// New constructs a Cache. localBytes bounds the in-process mirror's memory.
func New(store statestore.Store, localBytes int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, local: fastcache.New(localBytes), ttl: ttl}
}

// Canonicalize recursively sorts object keys at every depth while
// preserving array order, producing a stable JSON representation so
// semantically identical argument bags hash identically (spec.md §4.5).
func Canonicalize(v interface{}) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalize(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			nv, err := normalize(x[k])
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, orderedPair{Key: k, Value: nv})
		}
		return orderedMap(ordered), nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return x, nil
	}
}

type orderedPair struct {
	Key   string
	Value interface{}
}

// orderedMap marshals as a JSON object preserving insertion (i.e.
// already-sorted) order, since encoding/json sorts map[string]interface{}
// keys itself but we want explicit control at every recursion depth.
type orderedMap []orderedPair

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, p := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Key derives the cache key: trace_id | sha256(toolName || canonical(args))[:32].
func Key(traceID, tool string, args interface{}) (string, error) {
	canon, err := Canonicalize(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(tool + canon))
	return fmt.Sprintf("%s|%s", traceID, hex.EncodeToString(sum[:])[:32]), nil
}

func storeKey(key string) string { return "idempotency:" + key }

// Get looks up a cached result, checking the local mirror first.
func (c *Cache) Get(ctx context.Context, traceID, tool string, args interface{}) ([]byte, bool, error) {
	key, err := Key(traceID, tool, args)
	if err != nil {
		return nil, false, err
	}
	if v, ok := c.local.HasGet(nil, []byte(key)); ok {
		return v, true, nil
	}
	v, err := c.store.Get(ctx, storeKey(key))
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.local.Set([]byte(key), v)
	return v, true, nil
}

// Has reports presence without returning the value.
func (c *Cache) Has(ctx context.Context, traceID, tool string, args interface{}) (bool, error) {
	_, ok, err := c.Get(ctx, traceID, tool, args)
	return ok, err
}

// Set stores result under the derived key in both the local mirror and the
// store. The mirror is written first, so a store failure still leaves the
// result cached on this replica; the store error is returned.
func (c *Cache) Set(ctx context.Context, traceID, tool string, args interface{}, result []byte) error {
	key, err := Key(traceID, tool, args)
	if err != nil {
		return err
	}
	c.local.Set([]byte(key), result)
	if _, err := c.store.Set(ctx, storeKey(key), result, statestore.SetOptions{TTL: c.ttl}); err != nil {
		return err
	}
	return nil
}

// CheckAndSetNonce atomically marks nonce as consumed (SET-if-absent). If
// required replay protection cannot be evaluated because the store is
// unreachable, the call fails closed.
func (c *Cache) CheckAndSetNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.store.Set(ctx, "nonce:"+nonce, []byte("1"), statestore.SetOptions{TTL: ttl, OnlyIfAbsent: true})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNonceUnavailable, err)
	}
	return ok, nil
}
