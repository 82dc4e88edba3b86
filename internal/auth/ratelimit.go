package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter throttles requests per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// Unlimited never throttles.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
func (Unlimited) Reset(context.Context, string) error         { return nil }

// TokenBucket throttles each key with its own bucket. A key starts
// with maxTokens and regains one token per refillEvery.
type TokenBucket struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	maxTokens   int
	refillEvery time.Duration

	now func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket builds a limiter allowing maxTokens bursts refilled
// one token per refillEvery.
func NewTokenBucket(maxTokens int, refillEvery time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:     make(map[string]*bucket),
		maxTokens:   maxTokens,
		refillEvery: refillEvery,
		now:         time.Now,
	}
}

// Allow consumes a token for key, refilling first by elapsed time.
func (l *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[key] = b
	}

	if refill := int(now.Sub(b.lastRefill) / l.refillEvery); refill > 0 {
		b.tokens += refill
		if b.tokens > l.maxTokens {
			b.tokens = l.maxTokens
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Reset clears the bucket for key.
func (l *TokenBucket) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	return nil
}

// Prune drops buckets idle past the given age. Callers run this on
// their own schedule.
func (l *TokenBucket) Prune(olderThan time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	pruned := 0
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
			pruned++
		}
	}
	return pruned
}
