package embedder

import (
	"context"
	"hash/fnv"
	"math"
)

// Mock is a deterministic embedder for tests and local development.
// Vectors are derived from a hash of the text, so identical texts embed
// identically and a text is always most similar to itself. It provides
// no real semantic similarity.
type Mock struct {
	dimensions int
	model      string
}

// NewMock creates a mock embedder with the given dimensionality.
func NewMock(dimensions int) *Mock {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Mock{dimensions: dimensions, model: "mock"}
}

// Embed generates a unit vector seeded by the text's hash.
func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		// LCG keeps the sequence deterministic per seed.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the embedding size.
func (m *Mock) Dimensions() int { return m.dimensions }

// Model returns the model identifier.
func (m *Mock) Model() string { return m.model }

// normalize scales vec to unit length.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
