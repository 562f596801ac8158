package statestore

// Script is a fixed, named atomic operation. Per spec.md §9 design note
// ("keep two small fixed scripts... do not synthesize scripts at runtime"),
// scripts are package-level constants; callers never build Lua text
// dynamically. Source is the Lua body run against a real Redis backend;
// every backend additionally recognizes scripts by Name and may implement
// the same semantics natively (the in-memory backend does, under a mutex).
type Script struct {
	Name   string
	Source string
}

// AtomicCostCommitScript implements spec.md §4.3 "atomicCostCommit".
//
// KEYS[1] = budget counter key
// KEYS[2] = idempotency key
// KEYS[3] = headroom counter key
// ARGV[1] = cost (integer string)
// ARGV[2] = reconciliation status ("" | "FAIL_OPEN")
// ARGV[3] = idempotency TTL seconds (24h by default)
var AtomicCostCommitScript = &Script{
	Name: "atomic_cost_commit",
	Source: `
local existing = redis.call('GET', KEYS[2])
if existing then
  return {'duplicate', existing}
end
local newBudget = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], tostring(newBudget), 'EX', ARGV[3])
if ARGV[2] == 'FAIL_OPEN' then
  redis.call('DECRBY', KEYS[3], ARGV[1])
end
return {'new', tostring(newBudget)}
`,
}

// AtomicVerifyScript implements spec.md §4.3 "atomicVerify" (x402).
//
// KEYS[1] = challenge key
// KEYS[2] = {challenge key}:consumed marker
// KEYS[3] = replay key (x402:replay:{txHash})
// ARGV[1] = replay TTL seconds
// ARGV[2] = tx_hash (value stored at the replay key)
var AtomicVerifyScript = &Script{
	Name: "atomic_verify",
	Source: `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'NONCE_NOT_FOUND'}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {'RACE_LOST'}
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {'REPLAY_DETECTED'}
end
redis.call('SET', KEYS[2], '1')
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[1])
redis.call('DEL', KEYS[1])
return {'SUCCESS'}
`,
}

// RPMAdmitScript implements spec.md §4.4 RPM sliding window.
//
// KEYS[1] = sorted set key (rate:{provider}:{model}:rpm)
// ARGV[1] = now (unix seconds, float ok)
// ARGV[2] = window seconds (60)
// ARGV[3] = limit
// ARGV[4] = new unique member id
// ARGV[5] = set TTL seconds
var RPMAdmitScript = &Script{
	Name: "rpm_admit",
	Source: `
local cutoff = ARGV[1] - ARGV[2]
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  redis.call('EXPIRE', KEYS[1], ARGV[5])
  return {'admitted', tostring(count + 1)}
end
return {'denied', tostring(count)}
`,
}

// TPMAdmitScript implements spec.md §4.4 TPM two-window weighted limiter.
//
// KEYS[1] = current-minute hash (rate:{provider}:{model}:tpm:{minute})
// KEYS[2] = previous-minute hash
// ARGV[1] = elapsed fraction of current minute (0..1)
// ARGV[2] = limit
// ARGV[3] = tokens requested
// ARGV[4] = second bucket (field name within the current hash)
// ARGV[5] = current hash TTL seconds
var TPMAdmitScript = &Script{
	Name: "tpm_admit",
	Source: `
local function sumhash(key)
  local all = redis.call('HVALS', key)
  local s = 0
  for _, v in ipairs(all) do s = s + tonumber(v) end
  return s
end
local prevSum = sumhash(KEYS[2])
local curSum = sumhash(KEYS[1])
local effective = prevSum * (1 - tonumber(ARGV[1])) + curSum
if effective + tonumber(ARGV[3]) <= tonumber(ARGV[2]) then
  redis.call('HINCRBY', KEYS[1], ARGV[4], ARGV[3])
  redis.call('EXPIRE', KEYS[1], ARGV[5])
  return {'admitted', tostring(effective + tonumber(ARGV[3]))}
end
return {'denied', tostring(effective)}
`,
}
