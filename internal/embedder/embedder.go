// Package embedder converts text into fixed-dimension vectors for the
// vector index. The embedding model itself is external and pluggable;
// the orchestrator only ever sees this interface.
package embedder

import "context"

// Embedder maps text to a fixed-length numeric vector.
//
// Implementations: Mock (deterministic, for tests and local runs),
// ONNX (local all-MiniLM-L6-v2, behind the onnx build tag), and Cached
// (a memoizing wrapper around any of them).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// Model names the embedding model, used to key vector collections
	// and embedding metadata rows.
	Model() string
}
