package redis

import goredis "github.com/redis/go-redis/v9"

// upsertScript folds one trade into a bucket hash and indexes the bucket.
//
// KEYS[1] bucket hash, KEYS[2] per-(token, resolution) sorted set of bucket starts
// ARGV[1] price, ARGV[2] amount, ARGV[3] ttl seconds, ARGV[4] token,
// ARGV[5] bucket start, ARGV[6] venue, ARGV[7] resolution
//
// Prices are compared numerically but stored as the caller's string, so a
// value read back parses to the exact float64 that was written.
var upsertScript = goredis.NewScript(`
local key = KEYS[1]
local price = ARGV[1]
local p = tonumber(price)

if redis.call('EXISTS', key) == 0 then
  redis.call('HSET', key,
    'open', price, 'high', price, 'low', price, 'close', price,
    'volume', ARGV[2],
    'token_address', ARGV[4], 'timestamp', ARGV[5],
    'platform', ARGV[6], 'resolution', ARGV[7])
else
  local high = tonumber(redis.call('HGET', key, 'high'))
  if high == nil or p > high then
    redis.call('HSET', key, 'high', price)
  end
  local low = tonumber(redis.call('HGET', key, 'low'))
  if low == nil or p < low then
    redis.call('HSET', key, 'low', price)
  end
  if redis.call('HEXISTS', key, 'open') == 0 then
    redis.call('HSET', key, 'open', price)
  end
  redis.call('HSET', key, 'close', price, 'platform', ARGV[6])
  redis.call('HINCRBYFLOAT', key, 'volume', ARGV[2])
end

redis.call('EXPIRE', key, ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)
