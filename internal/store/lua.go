package store

import (
	"github.com/redis/go-redis/v9"
)

// The scripts use the Redis server clock (TIME) so that admission decisions
// are store-relative and immune to skew between callers. Redis replicates
// script effects, so the non-deterministic TIME call is safe here.

// scriptWindowIncr: KEYS[1]=zset, ARGV[1]=window_ms, ARGV[2]=unique member suffix.
// Returns {count, reset_after_ms}.
var scriptWindowIncr = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local window = tonumber(ARGV[1])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
redis.call('ZADD', KEYS[1], now, now .. '-' .. ARGV[2])
redis.call('PEXPIRE', KEYS[1], window + 1000)

local cnt = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = 0
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
end
return {cnt, reset}
`)

// scriptWindowCount: read-only variant, KEYS[1]=zset, ARGV[1]=window_ms.
var scriptWindowCount = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local window = tonumber(ARGV[1])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)

local cnt = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = 0
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
end
return {cnt, reset}
`)

// scriptConcurrentIncr: KEYS[1]=counter, ARGV[1]=timeout_ms.
// The TTL is refreshed on every acquire so an active identifier never
// loses slots mid-flight; abandoned slots expire with the key.
var scriptConcurrentIncr = redis.NewScript(`
local cnt = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return cnt
`)

// scriptConcurrentDecr: KEYS[1]=counter. Floors at 0 and drops the key when
// the last slot is released.
var scriptConcurrentDecr = redis.NewScript(`
local cnt = redis.call('DECR', KEYS[1])
if cnt <= 0 then
  redis.call('DEL', KEYS[1])
  if cnt < 0 then cnt = 0 end
end
return cnt
`)
