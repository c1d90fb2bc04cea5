package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket holds the token state for a single key.
type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryLimiter is an in-process token-bucket limiter. Each key gets its
// own bucket refilled at rate tokens per second up to burst. Buckets idle
// long enough to have fully refilled are swept by a background goroutine.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter returns a limiter refilling rate tokens per second with
// the given burst capacity. A burst of 1 with rate 1/N gives exactly one
// permitted action per N seconds per key, which is how notification
// cooldowns use it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow takes one token from key's bucket if available.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep drops buckets that have been idle long enough to refill entirely.
// Their state is indistinguishable from a fresh bucket, so forgetting them
// is safe.
func (l *MemoryLimiter) sweep(now time.Time) {
	var idle time.Duration
	if l.rate > 0 {
		idle = time.Duration(l.burst/l.rate) * time.Second
	}
	if idle < time.Minute {
		idle = time.Minute
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.last) >= idle {
			delete(l.buckets, key)
		}
	}
}
