package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketRefill(t *testing.T) {
	now := time.Now()
	tb := NewTokenBucket(1, 2).WithNow(func() time.Time { return now })

	assert.True(t, tb.Allow(1))
	assert.True(t, tb.Allow(1))
	assert.False(t, tb.Allow(1), "capacity exhausted")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, tb.Allow(1), "one token refilled after 1.5s at 1/s")
	assert.False(t, tb.Allow(1))
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	now := time.Now()
	tb := NewTokenBucket(10, 3).WithNow(func() time.Time { return now })

	now = now.Add(time.Hour)
	assert.True(t, tb.Allow(3))
	assert.False(t, tb.Allow(1), "refill is capped at burst capacity")
}

func TestInMemoryStorePerAgentBuckets(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	policy := Policy{APM: 60, Burst: 1}

	allowed, err := store.Allow(ctx, "agent_a", policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = store.Allow(ctx, "agent_a", policy, 1)
	require.NoError(t, err)
	assert.False(t, allowed, "agent_a's burst is spent")

	allowed, err = store.Allow(ctx, "agent_b", policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed, "agent_b has its own bucket")
}

func TestCheckFailsClosedWithoutStore(t *testing.T) {
	err := Check(context.Background(), nil, "agent_a", Policy{APM: 60, Burst: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no limiter store")
}

// TestRedisStoreIntegration requires a running Redis; skipped otherwise.
func TestRedisStoreIntegration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	ctx := context.Background()
	if _, err := store.client.Ping(ctx).Result(); err != nil {
		t.Skip("redis not available")
	}

	policy := Policy{APM: 60, Burst: 1}
	agent := "ratelimit-test-agent"

	allowed, err := store.Allow(ctx, agent, policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = store.Allow(ctx, agent, policy, 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(1100 * time.Millisecond)
	allowed, err = store.Allow(ctx, agent, policy, 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}
