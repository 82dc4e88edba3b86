// Package vector provides approximate nearest-neighbor search over memory
// embeddings, backed by chromem-go, an embedded pure-Go vector database.
//
// Similarity search is the only operation in the system allowed to return
// approximate results; everything else reads exactly.
package vector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
)

// Match is one search hit: a memory id with its cosine similarity.
// CreatedAt breaks similarity ties in favor of newer entries.
type Match struct {
	MemoryID   string
	Similarity float32
	CreatedAt  time.Time
}

// Index holds one chromem collection per embedding model. Vectors are
// keyed by memory id within a collection.
type Index struct {
	db     *chromem.DB
	logger *zap.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New creates an empty in-process index.
func New(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		db:          chromem.NewDB(),
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}
}

// collection returns the collection for a model, creating it on first use.
func (ix *Index) collection(model string) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[model]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[model]; ok {
		return col, nil
	}

	name := "model_" + sanitize(model)
	col, err := ix.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, apperr.Unavailable(apperr.CodeSearchError, "create collection for %s", model).WithCause(err)
	}
	ix.collections[model] = col
	return col, nil
}

// Upsert replaces the vector for (memoryID, model).
func (ix *Index) Upsert(ctx context.Context, memoryID, model string, vec []float32, createdAt time.Time) error {
	col, err := ix.collection(model)
	if err != nil {
		return err
	}

	// chromem has no replace; delete any prior vector first.
	if err := col.Delete(ctx, nil, nil, memoryID); err != nil {
		ix.logger.Debug("vector delete before upsert", zap.String("memory_id", memoryID), zap.Error(err))
	}

	doc := chromem.Document{
		ID:        memoryID,
		Content:   memoryID,
		Embedding: vec,
		Metadata: map[string]string{
			"created_at": createdAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return apperr.Unavailable(apperr.CodeSearchError, "index vector for %s", memoryID).WithCause(err)
	}
	return nil
}

// Search returns up to k matches with cosine similarity >= minSimilarity,
// ordered by descending similarity, ties broken by newer created_at.
// Searching an empty index is not an error; it returns no matches.
func (ix *Index) Search(ctx context.Context, queryVec []float32, model string, k int, minSimilarity float32) ([]Match, error) {
	col, err := ix.collection(model)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	n := k
	if n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, queryVec, n, nil, nil)
	if err != nil {
		return nil, apperr.Unavailable(apperr.CodeSearchError, "vector query failed").WithCause(err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		matches = append(matches, Match{MemoryID: r.ID, Similarity: r.Similarity, CreatedAt: createdAt})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches, nil
}

// Remove drops the vectors for a memory id from every model collection.
// Called when an entry is deleted or purged.
func (ix *Index) Remove(ctx context.Context, memoryID string) error {
	ix.mu.RLock()
	cols := make([]*chromem.Collection, 0, len(ix.collections))
	for _, col := range ix.collections {
		cols = append(cols, col)
	}
	ix.mu.RUnlock()

	var firstErr error
	for _, col := range cols {
		if err := col.Delete(ctx, nil, nil, memoryID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete vector: %w", err)
		}
	}
	return firstErr
}

// Count returns the total number of indexed vectors across models.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := 0
	for _, col := range ix.collections {
		total += col.Count()
	}
	return total
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
