package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func TestMemoryFixedWindowAdmitsUpToLimit(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l, err := NewMemoryFixedWindow(5, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryFixedWindow() error = %v", err)
	}
	l.WithClock(clock.now)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, _ := l.Allow(ctx, "10.0.0.1")
		if !d.Allowed {
			t.Fatalf("request %d rejected, want admitted", i)
		}
		if d.Remaining != int64(5-i) {
			t.Errorf("request %d remaining = %d, want %d", i, d.Remaining, 5-i)
		}
		clock.t = clock.t.Add(time.Minute)
	}

	d, _ := l.Allow(ctx, "10.0.0.1")
	if d.Allowed {
		t.Fatal("6th request within the window was admitted")
	}
	if d.RetryAfter != 5*time.Minute {
		t.Errorf("RetryAfter = %v, want 5m", d.RetryAfter)
	}

	// Rejections do not extend or consume the window.
	d, _ = l.Allow(ctx, "10.0.0.1")
	if d.Allowed {
		t.Fatal("7th request within the window was admitted")
	}

	if d, _ := l.Allow(ctx, "10.0.0.2"); !d.Allowed {
		t.Error("a different source was rejected")
	}

	clock.t = clock.t.Add(5 * time.Minute)
	if d, _ := l.Allow(ctx, "10.0.0.1"); !d.Allowed {
		t.Error("request after the window elapsed was rejected")
	}
}

func TestMemoryFixedWindowPrunesElapsedWindows(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l, _ := NewMemoryFixedWindow(1, time.Minute)
	l.WithClock(clock.now)

	for _, ip := range []string{"a", "b", "c"} {
		_, _ = l.Allow(context.Background(), ip)
	}
	clock.t = clock.t.Add(2 * time.Minute)
	_, _ = l.Allow(context.Background(), "d")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.windows) != 1 {
		t.Errorf("windows = %d after prune, want 1", len(l.windows))
	}
}

func TestNewMemoryFixedWindowValidates(t *testing.T) {
	if _, err := NewMemoryFixedWindow(0, time.Minute); err == nil {
		t.Error("expected error for zero limit")
	}
	if _, err := NewMemoryFixedWindow(1, 0); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(0), int64(0), int64(1500)})
	if err != nil {
		t.Fatalf("parseDecision() error = %v", err)
	}
	if d.Allowed || d.RetryAfter != 1500*time.Millisecond {
		t.Errorf("parseDecision() = %+v", d)
	}
	if _, err := parseDecision([]any{int64(1)}); err == nil {
		t.Error("expected error for short response")
	}
}

func TestRedisFixedWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "fischat:test:" + time.Now().Format("150405.000000")
	l, err := NewRedisFixedWindow(client, 2, time.Second, prefix)
	if err != nil {
		t.Fatalf("NewRedisFixedWindow() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d = %+v, %v; want admitted", i+1, d, err)
		}
	}
	d, err := l.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed || d.RetryAfter <= 0 {
		t.Errorf("3rd request = %+v, want rejected with retry-after", d)
	}
}
