package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cbtscore/internal/app/apiresp"
)

// Limiter admits or rejects one event for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type bucket struct {
	count      int
	windowEnds time.Time
}

// Memory is a fixed-window limiter held in process memory. It is enough for a
// single instance; run several instances against Redis instead.
type Memory struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	store     map[string]bucket
	now       func() time.Time
	lastSweep time.Time
}

func NewMemory(max int, window time.Duration) *Memory {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		max:    max,
		window: window,
		store:  make(map[string]bucket),
		now:    time.Now,
	}
}

func (l *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b := l.store[key]
	if !now.Before(b.windowEnds) {
		b = bucket{windowEnds: now.Add(l.window)}
	}
	if b.count >= l.max {
		l.store[key] = b
		return false, nil
	}
	b.count++
	l.store[key] = b
	return true, nil
}

// sweep drops expired buckets at most once per window.
func (l *Memory) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	for k, b := range l.store {
		if !now.Before(b.windowEnds) {
			delete(l.store, k)
		}
	}
	l.lastSweep = now
}

func (l *Memory) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.store)
}

// Middleware rejects requests over the limit with 429, keyed by client IP,
// method and route path.
func Middleware(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r) + "|" + r.Method + "|" + r.URL.Path
			ok, err := l.Allow(r.Context(), key)
			if err == nil && !ok {
				apiresp.WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
