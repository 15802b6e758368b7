// Package ratelimit implements per-user request rate limiting using Redis
// sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "ratelimit:rpm:"

// RPMLimiter enforces a requests-per-minute limit per caller key.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	now      func() time.Time
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per minute for
// each key. rpmLimit must be > 0; values ≤ 0 block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, now: time.Now}
}

// Limit returns the configured requests per minute.
func (r *RPMLimiter) Limit() int { return r.rpmLimit }

// Allow reports whether one more request for key fits in the current
// window. When Redis is unavailable the request is allowed and the error is
// returned so the caller can record it.
func (r *RPMLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		key = "anonymous"
	}

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + key},
		r.now().UnixNano(), time.Minute.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		return true, err
	}

	return result == 1, nil
}
