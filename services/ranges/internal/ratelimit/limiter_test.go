package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/AfshinJalili/withdrawal-ranges/libs/logging"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retry, err := lim.Allow(ctx, "ip", now)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}

	allowed, retry, err := lim.Allow(ctx, "ip", now.Add(200*time.Millisecond))
	if err != nil || allowed {
		t.Fatalf("expected rate limit on third call")
	}
	if retry != 800*time.Millisecond {
		t.Fatalf("expected 800ms retry, got %s", retry)
	}

	allowed, _, err = lim.Allow(ctx, "other", now)
	if err != nil || !allowed {
		t.Fatalf("expected separate key to be allowed")
	}

	allowed, _, err = lim.Allow(ctx, "ip", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()

	_, _, _ = lim.Allow(context.Background(), "1.1.1.1", now)
	_, _, _ = lim.Allow(context.Background(), "2.2.2.2", now.Add(2*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected expired entries to be removed, got %d", len(lim.entries))
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedisLimiter(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "ip", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d: %v", i+1, err)
		}
	}

	allowed, retryAfter, err := lim.Allow(ctx, "ip", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected rate limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "ip", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func limitedRouter(l Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/lookup", Middleware(l, "fee", logging.Discard()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	r := limitedRouter(NewMemory(1, time.Minute))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lookup", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lookup", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	r := limitedRouter(brokenLimiter{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lookup", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 when limiter errors, got %d", w.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	if got := retryAfterSeconds(0); got != 1 {
		t.Fatalf("expected minimum of 1, got %d", got)
	}
	if got := retryAfterSeconds(1500 * time.Millisecond); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
