package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction tuning for idle analyst buckets.
const (
	sweepInterval  = time.Minute
	idleEvictAfter = 10 * time.Minute
)

// tokenBucket tracks the remaining request budget for one analyst key.
type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// spend refills the bucket for the time elapsed since the last request and
// consumes one token if the budget allows.
func (b *tokenBucket) spend(now time.Time, rate, burst float64) bool {
	b.tokens += now.Sub(b.lastSeen).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is a Limiter backed by one in-process token bucket per
// analyst key. A sweeper goroutine drops buckets idle past idleEvictAfter,
// so a long-running service does not hold an entry for every analyst that
// ever authenticated.
type MemoryLimiter struct {
	rate  float64 // sustained tokens per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rate requests per second per
// key, with bursts up to burst. Call Close to stop the background sweeper.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from the bucket for key, creating the bucket on
// the key's first request.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &tokenBucket{tokens: m.burst - 1, lastSeen: now}
		return true, nil
	}
	return b.spend(now, m.rate, m.burst), nil
}

// Close stops the sweeper goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleEvictAfter)
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
