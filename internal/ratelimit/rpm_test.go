package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/multillm/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "u1")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if allowed, _ := limiter.Allow(ctx, "u1"); !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_KeysAreIndependent(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 1)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "alice"); !ok {
		t.Fatal("alice first request should pass")
	}
	if ok, _ := limiter.Allow(ctx, "alice"); ok {
		t.Fatal("alice second request should be blocked")
	}
	if ok, _ := limiter.Allow(ctx, "bob"); !ok {
		t.Fatal("bob must not share alice's window")
	}
	if !mr.Exists("ratelimit:rpm:alice") || !mr.Exists("ratelimit:rpm:bob") {
		t.Error("expected one sorted set per key")
	}
}

func TestRPMLimiter_FailsOpen_WhenRedisDown(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 5)

	allowed, err := limiter.Allow(context.Background(), "u1")
	if err == nil {
		t.Error("expected the redis error to be reported")
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable")
	}
}
