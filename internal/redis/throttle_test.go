package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupThrottle(t *testing.T, limit int, window time.Duration) (*Throttle, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	th := NewThrottle(NewFromRedisClient(rdb, zap.NewNop()), limit, window, zap.NewNop())
	return th, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestThrottle_AllowsUpToLimit(t *testing.T) {
	th, _, cleanup := setupThrottle(t, 3, time.Minute)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := th.Allow(ctx, "u1")
		if err != nil {
			t.Fatalf("allow %d failed: %v", i, err)
		}
		if !allowed {
			t.Fatalf("call %d should be within the limit", i)
		}
	}

	allowed, err := th.Allow(ctx, "u1")
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if allowed {
		t.Fatal("fourth call must exceed the limit of 3")
	}
}

func TestThrottle_KeysAreIndependent(t *testing.T) {
	th, _, cleanup := setupThrottle(t, 1, time.Minute)
	defer cleanup()
	ctx := context.Background()

	if allowed, _ := th.Allow(ctx, "u1"); !allowed {
		t.Fatal("first call for u1 must pass")
	}
	if allowed, _ := th.Allow(ctx, "u2"); !allowed {
		t.Fatal("u2 must not share u1's window")
	}
	if allowed, _ := th.Allow(ctx, "u1"); allowed {
		t.Fatal("u1 is over its limit")
	}
}

func TestThrottle_KeyExpiresAfterWindow(t *testing.T) {
	th, mr, cleanup := setupThrottle(t, 1, time.Minute)
	defer cleanup()
	ctx := context.Background()

	if allowed, _ := th.Allow(ctx, "u1"); !allowed {
		t.Fatal("first call must pass")
	}
	if allowed, _ := th.Allow(ctx, "u1"); allowed {
		t.Fatal("second call within the window must be throttled")
	}

	// The backing set carries a TTL slightly past the window, so an idle
	// key clears itself.
	mr.FastForward(2 * time.Minute)

	if allowed, err := th.Allow(ctx, "u1"); err != nil || !allowed {
		t.Fatalf("call after expiry must pass, allowed=%v err=%v", allowed, err)
	}
}
