package ratelimit

import "github.com/redis/go-redis/v9"

// fixedWindowScript increments the counter for the current window and sets
// its expiry on first use.
//
// KEYS[1] counter key
// ARGV[1] window length in ms
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// slidingWindowScript prunes timestamps at or before now-window, tentatively
// adds the current request and removes it again when the limit is exceeded.
//
// KEYS[1] sorted set key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] unique member
//
// Returns {allowed, count, oldest score}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ARGV[4])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 1
if count > limit then
  redis.call('ZREM', KEYS[1], ARGV[4])
  allowed = 0
  count = count - 1
end
redis.call('PEXPIRE', KEYS[1], window)
local oldest = now
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #first > 0 then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// tokenBucketScript refills and debits a bucket in one round trip. Token
// amounts are scaled by the window length in ms so that refill arithmetic
// stays integral: capacity = limit*window, refill = limit per ms, one token
// costs window.
//
// KEYS[1] hash key
// ARGV[1] now (ms), ARGV[2] scaled capacity, ARGV[3] refill per ms,
// ARGV[4] scaled cost, ARGV[5] ttl (ms)
//
// Returns {allowed, scaled tokens left, retry after ms, ms until full}.
var tokenBucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)
local allowed = 0
local retry = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry = math.ceil((cost - tokens) / rate)
end
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local full = math.ceil((capacity - tokens) / rate)
return {allowed, tokens, retry, full}
`)
