package ratelimiter

import (
	"context"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestFixedWindow(t *testing.T, max int, window time.Duration) (*FixedWindow, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewFixedWindow(rdb, slog.Default(), max, window)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}

	return limiter, mr, cleanup
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	ctx := context.Background()
	var limiter *FixedWindow

	allowed, retryAfter, err := limiter.Allow(ctx, "any", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true for nil limiter")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_DisabledWhenMaxZero(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestFixedWindow(t, 0, time.Minute)
	defer cleanup()

	for i := 0; i < 10; i++ {
		allowed, _, err := limiter.Allow(ctx, "api:1.2.3.4", 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true with limiting disabled")
		}
	}
}

func TestAllow_DeniesOverMaxWithinWindow(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestFixedWindow(t, 3, time.Minute)
	defer cleanup()

	scope := "api:1.2.3.4"
	for i := 0; i < 3; i++ {
		allowed, retryAfter, err := limiter.Allow(ctx, scope, 1)
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
		if retryAfter != 0 {
			t.Fatalf("expected retryAfter=0 on allowed call %d, got %v", i, retryAfter)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, scope, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected deny once window max exhausted")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected retryAfter within (0, window], got %v", retryAfter)
	}
}

func TestAllow_WindowResets(t *testing.T) {
	ctx := context.Background()
	limiter, mr, cleanup := newTestFixedWindow(t, 2, time.Minute)
	defer cleanup()

	scope := "api:1.2.3.4"
	for i := 0; i < 2; i++ {
		if allowed, _, _ := limiter.Allow(ctx, scope, 1); !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
	}
	if allowed, _, _ := limiter.Allow(ctx, scope, 1); allowed {
		t.Fatalf("expected deny at window max")
	}

	mr.FastForward(61 * time.Second)

	if allowed, _, _ := limiter.Allow(ctx, scope, 1); !allowed {
		t.Fatalf("expected allowed=true after window reset")
	}
}

func TestAllow_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestFixedWindow(t, 1, time.Minute)
	defer cleanup()

	if allowed, _, _ := limiter.Allow(ctx, "api:1.1.1.1", 1); !allowed {
		t.Fatalf("expected first scope allowed")
	}
	if allowed, _, _ := limiter.Allow(ctx, "api:1.1.1.1", 1); allowed {
		t.Fatalf("expected first scope denied at max")
	}
	if allowed, _, _ := limiter.Allow(ctx, "api:2.2.2.2", 1); !allowed {
		t.Fatalf("expected second scope unaffected")
	}
}

func TestSetLimit_AppliesToNextCall(t *testing.T) {
	ctx := context.Background()
	limiter, _, cleanup := newTestFixedWindow(t, 1, time.Minute)
	defer cleanup()

	scope := "api:9.9.9.9"
	if allowed, _, _ := limiter.Allow(ctx, scope, 1); !allowed {
		t.Fatalf("expected first call allowed")
	}
	if allowed, _, _ := limiter.Allow(ctx, scope, 1); allowed {
		t.Fatalf("expected second call denied at max=1")
	}

	limiter.SetLimit(10, time.Minute)
	if allowed, _, _ := limiter.Allow(ctx, scope, 1); !allowed {
		t.Fatalf("expected call allowed after raising max")
	}
}
