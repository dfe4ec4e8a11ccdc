package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLockReleaseRequiresOwnerToken(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "lock:a", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, err = c.AcquireLock(ctx, "lock:a", "owner-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}

	released, err := c.ReleaseLock(ctx, "lock:a", "owner-2")
	if err != nil {
		t.Fatalf("release with wrong token: %v", err)
	}
	if released {
		t.Fatalf("a foreign token must not release the lock")
	}
	if !mr.Exists("lock:a") {
		t.Fatalf("lock should still exist")
	}

	released, err = c.ReleaseLock(ctx, "lock:a", "owner-1")
	if err != nil || !released {
		t.Fatalf("owner release: released=%v err=%v", released, err)
	}
	if mr.Exists("lock:a") {
		t.Fatalf("lock should be gone")
	}

	released, err = c.ReleaseLock(ctx, "lock:a", "owner-1")
	if err != nil || released {
		t.Fatalf("token must be single use: released=%v err=%v", released, err)
	}
}

func TestExtendLock(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if ok, _ := c.AcquireLock(ctx, "lock:b", "tok", time.Second); !ok {
		t.Fatalf("acquire failed")
	}
	ok, err := c.ExtendLock(ctx, "lock:b", "other", time.Minute)
	if err != nil || ok {
		t.Fatalf("extend with wrong token: ok=%v err=%v", ok, err)
	}
	ok, err = c.ExtendLock(ctx, "lock:b", "tok", time.Minute)
	if err != nil || !ok {
		t.Fatalf("extend: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("lock:b"); ttl < 30*time.Second {
		t.Fatalf("ttl was not extended: %v", ttl)
	}
}

func TestGetWithCachedStoresNull(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	calls := 0
	load := func(context.Context) (*string, error) {
		calls++
		return nil, nil
	}
	for i := 0; i < 2; i++ {
		v, err := GetWithCached[*string](ctx, c, "status:missing", time.Minute, time.Minute,
			func(s *string) bool { return s == nil },
			func(s *string) string { return *s },
			func(raw string) (*string, error) { return &raw, nil },
			load)
		if err != nil || v != nil {
			t.Fatalf("unexpected result v=%v err=%v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("loader should run once, ran %d times", calls)
	}
	got, _ := mr.Get("status:missing")
	if got != NullCacheValue {
		t.Fatalf("expected null sentinel, got %q", got)
	}
}

func TestJitterTTL(t *testing.T) {
	base := 10 * time.Minute
	for i := 0; i < 20; i++ {
		got := JitterTTL(base)
		if got > base || got < base-base/10 {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}
