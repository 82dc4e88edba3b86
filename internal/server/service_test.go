package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/cache"
	"github.com/becomeliminal/memoryd/internal/embedder"
	"github.com/becomeliminal/memoryd/internal/metrics"
	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/session"
	"github.com/becomeliminal/memoryd/internal/store"
	"github.com/becomeliminal/memoryd/internal/summarize"
	"github.com/becomeliminal/memoryd/internal/vector"
)

// failingEmbedder simulates a broken model so search degradation paths
// can be exercised.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model unavailable")
}
func (failingEmbedder) Dimensions() int { return 8 }
func (failingEmbedder) Model() string   { return "broken" }

func newTestService(t *testing.T, emb embedder.Embedder) *Service {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if emb == nil {
		emb = embedder.NewMock(0)
	}
	return NewService(ServiceDeps{
		Store:      st,
		Vectors:    vector.New(logger),
		Cache:      cache.New(128),
		Sessions:   session.NewManager(st, nil, session.Config{}, logger),
		Embedder:   emb,
		Summarizer: &summarize.Extractive{},
		Metrics:    metrics.New(),
		Logger:     logger,
	})
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr), "expected apperr.Error, got %v", err)
	return appErr.Code
}

func TestCreateReadUpdateDelete(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	entry, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "the deployment window is friday"},
		Tags:       []string{"ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.vectors.Count(), "new entries are indexed")

	got, err := svc.Read(ctx, &protocol.ReadPayload{MemoryID: entry.ID})
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	newPriority := 9
	updated, err := svc.Update(ctx, &protocol.UpdatePayload{
		MemoryID: entry.ID,
		Content:  &model.Content{Text: "the deployment window moved to monday"},
		Priority: &newPriority,
	})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, "the deployment window moved to monday", updated.Content.Text)

	require.NoError(t, svc.Delete(ctx, &protocol.DeletePayload{MemoryID: entry.ID}))
	_, err = svc.Read(ctx, &protocol.ReadPayload{MemoryID: entry.ID})
	assert.Equal(t, apperr.CodeMemoryNotFound, codeOf(t, err))
	assert.Equal(t, 0, svc.vectors.Count(), "deleted entries leave the index")
}

func TestReadWarmsAndHitsCache(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	entry, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeConversation),
		Content:    model.Content{Text: "cached on create"},
	})
	require.NoError(t, err)

	_, ok := svc.cache.Get(entry.ID)
	assert.True(t, ok, "create warms the cache")

	svc.cache.Invalidate(entry.ID)
	_, err = svc.Read(ctx, &protocol.ReadPayload{MemoryID: entry.ID})
	require.NoError(t, err)
	_, ok = svc.cache.Get(entry.ID)
	assert.True(t, ok, "a store read warms the cache back")
}

func TestReadNeverServesExpiredFromCache(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	entry, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "short lived"},
		TTLSeconds: 1,
	})
	require.NoError(t, err)

	got, err := svc.Read(ctx, &protocol.ReadPayload{MemoryID: entry.ID})
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	time.Sleep(1100 * time.Millisecond)

	// The warm cache copy has outlived the entry's TTL; the read must
	// behave exactly like a store read of an expired row.
	_, err = svc.Read(ctx, &protocol.ReadPayload{MemoryID: entry.ID})
	assert.Equal(t, apperr.CodeMemoryNotFound, codeOf(t, err))
	_, cached := svc.cache.Get(entry.ID)
	assert.False(t, cached)
}

func TestCachePutClampsToEntryExpiry(t *testing.T) {
	svc := newTestService(t, nil)
	now := time.Now()

	soon := now.Add(50 * time.Millisecond)
	svc.cachePut(&model.MemoryEntry{ID: "m-soon", Priority: 5, ExpiresAt: &soon})
	_, ok := svc.cache.Get("m-soon")
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = svc.cache.Get("m-soon")
	assert.False(t, ok, "residency is clamped to expires_at, not the cache TTL")

	past := now.Add(-time.Second)
	svc.cachePut(&model.MemoryEntry{ID: "m-past", Priority: 5, ExpiresAt: &past})
	_, ok = svc.cache.Get("m-past")
	assert.False(t, ok, "already-expired entries are never cached")
}

func TestCreateInClosedSessionRejected(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, &protocol.CreateSessionPayload{UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.EndSession(ctx, "", &protocol.EndSessionPayload{SessionID: sess.ID})
	require.NoError(t, err)

	_, err = svc.Create(ctx, sess.ID, &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeConversation),
		Content:    model.Content{Text: "too late"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidationError, codeOf(t, err))

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "session_closed", appErr.Details["reason"])
}

func TestCreateAttachesToSession(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, &protocol.CreateSessionPayload{UserID: "u1"})
	require.NoError(t, err)

	entry, err := svc.Create(ctx, sess.ID, &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeConversation),
		Content:    model.Content{Text: "attached at create"},
	})
	require.NoError(t, err)

	memories, err := svc.sessions.Memories(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, entry.ID, memories[0].ID)
}

func TestEndSessionIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, &protocol.CreateSessionPayload{UserID: "u1"})
	require.NoError(t, err)

	first, err := svc.EndSession(ctx, "", &protocol.EndSessionPayload{SessionID: sess.ID, Summary: "done"})
	require.NoError(t, err)
	require.NotNil(t, first.Summary)

	again, err := svc.EndSession(ctx, "", &protocol.EndSessionPayload{SessionID: sess.ID, Summary: "ignored"})
	require.NoError(t, err)
	require.NotNil(t, again.Summary)
	assert.Equal(t, "done", *again.Summary, "re-ending keeps the stored state")
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	entry, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "v0"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	texts := []string{"v1", "v2", "v3", "v4"}
	for _, text := range texts {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := svc.Update(ctx, &protocol.UpdatePayload{
				MemoryID: entry.ID,
				Content:  &model.Content{Text: text},
			})
			assert.NoError(t, err)
		}(text)
	}
	wg.Wait()

	got, err := svc.Read(ctx, &protocol.ReadPayload{MemoryID: entry.ID})
	require.NoError(t, err)
	assert.Contains(t, texts, got.Content.Text, "the stored entry is one of the patches, never a blend")
}

func TestBatchReadSkipsMissing(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	a, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "a"},
	})
	require.NoError(t, err)
	b, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "b"},
	})
	require.NoError(t, err)

	data, err := svc.BatchRead(ctx, &protocol.BatchReadPayload{
		MemoryIDs: []string{a.ID, "missing", b.ID},
	})
	require.NoError(t, err)
	require.Len(t, data.Results, 2)
	assert.Equal(t, a.ID, data.Results[0].ID)
	assert.Equal(t, b.ID, data.Results[1].ID)
}

func TestBulkDeleteByType(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	for _, mt := range []model.MemoryType{model.MemoryTypeContext, model.MemoryTypeContext, model.MemoryTypeConversation} {
		_, err := svc.Create(ctx, "", &protocol.CreatePayload{
			MemoryType: string(mt),
			Content:    model.Content{Text: "bulk " + string(mt)},
		})
		require.NoError(t, err)
	}

	data, err := svc.BulkDelete(ctx, &protocol.BulkDeletePayload{
		MemoryType: string(model.MemoryTypeContext),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, data.Deleted)
	assert.Equal(t, 1, svc.vectors.Count())
}

func TestSummarizeSession(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, &protocol.CreateSessionPayload{UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, sess.ID, &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeConversation),
		Content:    model.Content{Text: "Discussed the rollout plan."},
	})
	require.NoError(t, err)

	text, err := svc.Summarize(ctx, sess.ID, &protocol.SummarizePayload{})
	require.NoError(t, err)
	assert.Equal(t, "Discussed the rollout plan.", text)

	// Session stays open.
	got, err := svc.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Active())
}

func TestStatsMergesTiers(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "counted"},
	})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["memories_active"])
	assert.Contains(t, stats, "cache_size")
	assert.Equal(t, 1, stats["vector_documents"])
}

func TestReplicationUnconfigured(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Digest(ctx, &protocol.DigestPayload{NodeID: "n1"})
	assert.Equal(t, apperr.CodeInvalidRequest, codeOf(t, err))
	_, err = svc.Pull(ctx, &protocol.PullPayload{Entity: "memory"})
	assert.Equal(t, apperr.CodeInvalidRequest, codeOf(t, err))
}
