package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memWindow struct {
	start time.Time
	count int
}

// MemoryLimiter keeps windows in process memory. It mirrors the Redis
// limiter's fixed-window-with-rollover semantics but only bounds a single
// instance; deployments running more than one replica need the shared store.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	limit   int
	window  time.Duration

	now func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string]*memWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// janitor sweeps elapsed windows so keys seen once do not accumulate forever.
func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := l.now()
			l.mu.Lock()
			for key, w := range l.windows {
				if now.Sub(w.start) >= l.window {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *MemoryLimiter) Admit(_ context.Context, key string) (Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &memWindow{start: now}
		l.windows[key] = w
	}
	w.count++

	remaining := l.limit - w.count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   w.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   w.start.Add(l.window),
	}, nil
}

func (l *MemoryLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
