package httpapi

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter per client key. Windows are not
// sliding: the first request after a window lapses starts a fresh one.
type rateLimiter struct {
	limit  int
	window time.Duration
	nowFn  func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
	sweptAt time.Time
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

func newRateLimiter(limit int, window time.Duration, now func() time.Time) *rateLimiter {
	l := &rateLimiter{
		limit:   limit,
		window:  window,
		nowFn:   now,
		buckets: make(map[string]*rateBucket),
	}
	l.sweptAt = now()
	return l
}

// Allow counts one request for key and reports whether it fits the window
// budget. Stale buckets are swept opportunistically so the map stays
// bounded by the set of clients active in the last window.
func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if now.Sub(l.sweptAt) >= l.window {
		for k, b := range l.buckets {
			if now.Sub(b.windowStart) >= l.window {
				delete(l.buckets, k)
			}
		}
		l.sweptAt = now
	}
	b := l.buckets[key]
	if b == nil || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &rateBucket{windowStart: now, count: 1}
		return l.limit >= 1
	}
	b.count++
	return b.count <= l.limit
}
