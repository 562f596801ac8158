package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apexlabs/infergate/gwerrors"
)

// RedisStore is the production Store backend (spec.md §4.3), grounded on
// the retrieval pack's Kelpejol-consonant-engine ledger.go, which pre-loads
// Lua scripts once at construction and reuses them for every call.
type RedisStore struct {
	client  *redis.Client
	scripts map[string]*redis.Script
}

// NewRedisClient dials addr and wraps the resulting client as a Store,
// the convenience constructor cmd/gatewayd uses when redis.addr is set.
func NewRedisClient(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisStore(client), nil
}

// NewRedisStore wraps an already-configured *redis.Client and pre-loads the
// four fixed scripts from scripts.go.
func NewRedisStore(client *redis.Client) *RedisStore {
	s := &RedisStore{client: client, scripts: make(map[string]*redis.Script)}
	for _, sc := range []*Script{AtomicCostCommitScript, AtomicVerifyScript, RPMAdmitScript, TPMAdmitScript} {
		s.scripts[sc.Name] = redis.NewScript(sc.Source)
	}
	return s
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, gwerrors.New(gwerrors.RPCUnreachable, "statestore.get", err)
	}
	return b, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	args := &redis.SetArgs{}
	if opts.TTL > 0 {
		args.TTL = opts.TTL
	}
	if opts.OnlyIfAbsent {
		args.Mode = "NX"
	}
	res, err := r.client.SetArgs(ctx, key, value, *args).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, gwerrors.New(gwerrors.RPCUnreachable, "statestore.set", err)
	}
	return res == "OK", nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return gwerrors.New(gwerrors.RPCUnreachable, "statestore.del", err)
	}
	return nil
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, gwerrors.New(gwerrors.RPCUnreachable, "statestore.incrby", err)
	}
	return v, nil
}

func (r *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, gwerrors.New(gwerrors.RPCUnreachable, "statestore.hgetall", err)
	}
	return v, nil
}

func (r *RedisStore) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, gwerrors.New(gwerrors.RPCUnreachable, "statestore.hincrby", err)
	}
	return v, nil
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return gwerrors.New(gwerrors.RPCUnreachable, "statestore.expire", err)
	}
	return nil
}

func (r *RedisStore) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err(); err != nil {
		return gwerrors.New(gwerrors.RPCUnreachable, "statestore.zadd", err)
	}
	return nil
}

func (r *RedisStore) SortedSetCard(ctx context.Context, key string) (int64, error) {
	v, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, gwerrors.New(gwerrors.RPCUnreachable, "statestore.zcard", err)
	}
	return v, nil
}

func (r *RedisStore) SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	v, err := r.client.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Result()
	if err != nil {
		return 0, gwerrors.New(gwerrors.RPCUnreachable, "statestore.zremrangebyscore", err)
	}
	return v, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Eval runs the named script via the pre-loaded redis.Script handle.
// time.Duration arguments are sent as whole seconds, the unit the scripts'
// TTL arguments use (go-redis would otherwise send nanoseconds).
func (r *RedisStore) Eval(ctx context.Context, script *Script, keys []string, args []interface{}) (ScriptResult, error) {
	sc, ok := r.scripts[script.Name]
	if !ok {
		return ScriptResult{}, fmt.Errorf("statestore: script %q not registered", script.Name)
	}
	argv := make([]interface{}, len(args))
	for i, a := range args {
		if d, ok := a.(time.Duration); ok {
			a = int64(d / time.Second)
		}
		argv[i] = a
	}
	raw, err := sc.Run(ctx, r.client, keys, argv...).Result()
	if err != nil && err != redis.Nil {
		return ScriptResult{}, gwerrors.New(gwerrors.RPCUnreachable, "statestore.eval", err)
	}
	slice, ok := raw.([]interface{})
	if !ok || len(slice) == 0 {
		return ScriptResult{}, fmt.Errorf("statestore: unexpected eval reply for %q: %#v", script.Name, raw)
	}
	status, _ := slice[0].(string)
	return ScriptResult{Status: status, Values: slice[1:]}, nil
}
