package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter admits or rejects one unit of work for a subject.
// A rejected call leaves no trace in the window.
type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

type fixedWindow struct {
	start time.Time
	count int64
}

// MemoryFixedWindow is a per-process fixed-window limiter. A subject's window
// opens at its first admitted request and resets once the window has elapsed.
type MemoryFixedWindow struct {
	mu        sync.Mutex
	limit     int64
	window    time.Duration
	windows   map[string]*fixedWindow
	lastPrune time.Time
	now       func() time.Time
}

func NewMemoryFixedWindow(limit int, window time.Duration) (*MemoryFixedWindow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	return &MemoryFixedWindow{
		limit:   int64(limit),
		window:  window,
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
	}, nil
}

// WithClock swaps the time source. Intended for tests.
func (l *MemoryFixedWindow) WithClock(now func() time.Time) *MemoryFixedWindow {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *MemoryFixedWindow) Allow(_ context.Context, subject string) (Decision, error) {
	subject = normalizeSubject(subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	w, ok := l.windows[subject]
	if ok && now.Sub(w.start) >= l.window {
		ok = false
	}
	if ok && w.count >= l.limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.start.Add(l.window).Sub(now),
		}, nil
	}
	if !ok {
		w = &fixedWindow{start: now}
		l.windows[subject] = w
	}
	w.count++
	return Decision{Allowed: true, Remaining: l.limit - w.count}, nil
}

// pruneLocked drops elapsed windows at most once per window length.
func (l *MemoryFixedWindow) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	for subject, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, subject)
		}
	}
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
