package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurst(t *testing.T) {
	m := NewMemoryLimiter(1, 3)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "analyst:alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst should pass", i)
	}

	ok, err := m.Allow(ctx, "analyst:alice")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted, request should be limited")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	ctx := context.Background()
	ok, _ := m.Allow(ctx, "analyst:alice")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "analyst:alice")
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "analyst:bob")
	assert.True(t, ok, "a limited key must not affect other keys")
}

func TestMemoryLimiterRefills(t *testing.T) {
	m := NewMemoryLimiter(100, 1) // 100 tokens/s refill for a fast test
	defer m.Close()

	ctx := context.Background()
	ok, _ := m.Allow(ctx, "analyst:alice")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "analyst:alice")
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, _ = m.Allow(ctx, "analyst:alice")
	assert.True(t, ok, "bucket should refill over time")
}

func TestMemoryLimiterEvictsIdleKeys(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	_, _ = m.Allow(context.Background(), "analyst:alice")
	_, _ = m.Allow(context.Background(), "analyst:bob")

	m.mu.Lock()
	m.buckets["analyst:alice"].lastSeen = time.Now().Add(-idleEvictAfter - time.Minute)
	m.mu.Unlock()

	m.evictIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "analyst:alice")
	assert.Contains(t, m.buckets, "analyst:bob", "active keys survive the sweep")
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for i := 0; i < 10; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
