package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return &Client{rdb: rdb, logger: zap.NewNop()}, mr
}

func TestDedupRegistry_Claim(t *testing.T) {
	client, mr := setupTestRedis(t)
	reg := NewDedupRegistry(client, zap.NewNop())
	ctx := context.Background()

	ok, err := reg.Claim(ctx, "a1:u1:created:push")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true", ok, err)
	}
	ok, err = reg.Claim(ctx, "a1:u1:created:push")
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v; want false", ok, err)
	}
	ok, _ = reg.Claim(ctx, "a1:u1:created:email")
	if !ok {
		t.Fatal("a different channel is a different key")
	}

	if ttl := mr.TTL("notify:a1:u1:created:push"); ttl != DedupTTL {
		t.Errorf("ttl = %v, want %v", ttl, DedupTTL)
	}

	mr.FastForward(DedupTTL + time.Second)
	ok, _ = reg.Claim(ctx, "a1:u1:created:push")
	if !ok {
		t.Fatal("claim must be possible after expiry")
	}
}

func TestDedupRegistry_Release(t *testing.T) {
	client, _ := setupTestRedis(t)
	reg := NewDedupRegistry(client, zap.NewNop())
	ctx := context.Background()

	if _, err := reg.Claim(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Release(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := reg.Claim(ctx, "k"); !ok {
		t.Fatal("released key must be claimable")
	}
}

func TestDedupRegistry_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	reg := NewDedupRegistry(client, zap.NewNop())
	mr.Close()

	if _, err := reg.Claim(context.Background(), "k"); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}

func newLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	client, _ := setupTestRedis(t)
	return NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: limit, Window: window})
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "test-key")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}

	result, err := limiter.Allow(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed || result.Remaining != 0 {
		t.Fatalf("sixth request: %+v", result)
	}
}

func TestRateLimiter_PerHospital(t *testing.T) {
	limiter := newLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.AllowHospital(ctx, "h1")
	}
	if r, _ := limiter.AllowHospital(ctx, "h1"); r.Allowed {
		t.Fatal("h1 should be limited")
	}
	r, _ := limiter.AllowHospital(ctx, "h2")
	if !r.Allowed || r.Remaining != 1 {
		t.Fatalf("h2 has its own window: %+v", r)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter := newLimiter(t, 1, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if r, _ := limiter.Allow(ctx, "k"); !r.Allowed {
		t.Fatal("first request should pass")
	}
	if r, _ := limiter.Allow(ctx, "k"); r.Allowed {
		t.Fatal("second request inside window should fail")
	}

	now = now.Add(61 * time.Second)
	if r, _ := limiter.Allow(ctx, "k"); !r.Allowed {
		t.Fatal("request after the window should pass")
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter := newLimiter(t, 10, time.Minute)
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "test-key", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Remaining != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}

	result, _ = limiter.AllowN(ctx, "test-key", 6)
	if result.Allowed {
		t.Fatal("should be blocked")
	}
}
