package embedder

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes Embed calls in front of any Embedder. Embedding the
// same text repeatedly (retried creates, repeated queries) is common and
// the inner model call is the expensive part.
//
// Ristretto's admission is probabilistic; that is fine here because a
// cache miss only costs a recomputation, never correctness.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCached wraps inner with a memoizing cache bounded by maxBytes of
// vector data.
func NewCached(inner Embedder, maxBytes int64) (*Cached, error) {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embed cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns a cached vector when available, otherwise computes and
// caches one.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.inner.Model() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, int64(len(vec)*4))
	return vec, nil
}

// Dimensions returns the inner embedder's dimensionality.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Model returns the inner embedder's model identifier.
func (c *Cached) Model() string { return c.inner.Model() }

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}
