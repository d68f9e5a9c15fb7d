// Package ratelimit provides token bucket backpressure for agent scheduling.
// The scheduler consults a Store before each agent turn; a denied check
// suspends the agent for the tick instead of dropping its action.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Policy defines per-agent limits. APM is actions per minute; Burst is the
// bucket capacity, letting an idle agent act in short bursts.
type Policy struct {
	APM   int `json:"apm" yaml:"apm"`
	Burst int `json:"burst" yaml:"burst"`
}

// Store abstracts the bucket storage so a multi-node deployment can share
// limits through Redis while single-node runs stay in memory.
type Store interface {
	// Allow reports whether agentID may spend 'cost' actions under the policy.
	Allow(ctx context.Context, agentID string, policy Policy, cost int) (bool, error)
}

// TokenBucket is a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// WithNow overrides the clock source. Test hook.
func (tb *TokenBucket) WithNow(now func() time.Time) *TokenBucket {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.now = now
	tb.lastRefill = now()
	return tb
}

func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// Check consults the store and converts a denial into an error the scheduler
// can surface. A nil store fails closed.
func Check(ctx context.Context, store Store, agentID string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("backpressure: no limiter store configured")
	}
	allowed, err := store.Allow(ctx, agentID, policy, 1)
	if err != nil {
		return fmt.Errorf("backpressure check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("backpressure: action rate exceeded for %s", agentID)
	}
	return nil
}

// InMemoryStore keeps one bucket per agent. Suitable for single-node worlds.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{buckets: make(map[string]*TokenBucket)}
}

func (s *InMemoryStore) Allow(ctx context.Context, agentID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[agentID]
	if !exists {
		rate := float64(policy.APM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		tb = NewTokenBucket(rate, burst)
		s.buckets[agentID] = tb
	}
	return tb.Allow(cost), nil
}
