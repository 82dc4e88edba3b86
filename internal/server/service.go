// Package server hosts the websocket request/reply endpoint: one
// dispatcher resolving actions into service calls, and a Service
// orchestrating the storage tiers.
package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/cache"
	"github.com/becomeliminal/memoryd/internal/embedder"
	"github.com/becomeliminal/memoryd/internal/metrics"
	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/replication"
	"github.com/becomeliminal/memoryd/internal/session"
	"github.com/becomeliminal/memoryd/internal/store"
	"github.com/becomeliminal/memoryd/internal/summarize"
	"github.com/becomeliminal/memoryd/internal/vector"
)

// Service orchestrates the storage tiers behind the protocol actions:
// hot cache in front, SQLite as truth, the vector index for semantic
// search. Writes go to SQLite first; the cache and index follow.
type Service struct {
	store      *store.SQLiteStore
	vectors    *vector.Index
	cache      *cache.Cache
	sessions   *session.Manager
	embedder   embedder.Embedder
	summarizer summarize.Summarizer
	applier    *replication.Applier
	metrics    *metrics.Metrics
	locks      *keyedLocks
	logger     *zap.Logger

	cacheTTL time.Duration
}

// ServiceDeps carries Service construction dependencies. Summarizer and
// Applier may be nil.
type ServiceDeps struct {
	Store      *store.SQLiteStore
	Vectors    *vector.Index
	Cache      *cache.Cache
	Sessions   *session.Manager
	Embedder   embedder.Embedder
	Summarizer summarize.Summarizer
	Applier    *replication.Applier
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	CacheTTL   time.Duration
}

// NewService builds a Service.
func NewService(d ServiceDeps) *Service {
	if d.CacheTTL <= 0 {
		d.CacheTTL = 10 * time.Minute
	}
	return &Service{
		store:      d.Store,
		vectors:    d.Vectors,
		cache:      d.Cache,
		sessions:   d.Sessions,
		embedder:   d.Embedder,
		summarizer: d.Summarizer,
		applier:    d.Applier,
		metrics:    d.Metrics,
		locks:      newKeyedLocks(64),
		logger:     d.Logger,
		cacheTTL:   d.CacheTTL,
	}
}

// Create stores a new memory entry, indexes it for semantic search and
// warms the cache. With a session id the entry is attached to that
// session; a closed session rejects the whole request before anything
// is written.
func (s *Service) Create(ctx context.Context, sessionID string, p *protocol.CreatePayload) (*model.MemoryEntry, error) {
	if sessionID != "" {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !sess.Active() {
			return nil, apperr.Validation(apperr.CodeValidationError,
				"session %s is closed", sessionID).WithDetail("reason", "session_closed")
		}
	}

	entry, err := s.store.CreateMemory(ctx, store.CreateMemoryParams{
		MemoryType:     model.MemoryType(p.MemoryType),
		Content:        p.Content,
		Tags:           p.Tags,
		TTL:            time.Duration(p.TTLSeconds) * time.Second,
		Priority:       p.Priority,
		SourceAgent:    p.SourceAgent,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		if err := s.sessions.Attach(ctx, sessionID, entry.ID); err != nil {
			return nil, err
		}
	}

	s.index(ctx, entry)
	s.cachePut(entry)
	return entry, nil
}

// Read returns a memory entry, cache first. A cached copy past its own
// expiry is dropped and the read falls through to the store, which
// excludes expired rows.
func (s *Service) Read(ctx context.Context, p *protocol.ReadPayload) (*model.MemoryEntry, error) {
	if v, ok := s.cache.Get(p.MemoryID); ok {
		entry := v.(*model.MemoryEntry)
		if !entry.Expired(time.Now()) {
			s.metrics.CacheHits.Inc()
			return entry, nil
		}
		s.cache.Invalidate(p.MemoryID)
	}
	s.metrics.CacheMisses.Inc()

	entry, err := s.store.GetMemory(ctx, p.MemoryID)
	if err != nil {
		return nil, err
	}
	s.cachePut(entry)
	return entry, nil
}

// Update patches an entry. Updates to the same id are serialized, so
// concurrent patches apply one after the other and the stored entry is
// always one of them, never a blend.
func (s *Service) Update(ctx context.Context, p *protocol.UpdatePayload) (*model.MemoryEntry, error) {
	unlock := s.locks.lock(p.MemoryID)
	defer unlock()

	params := store.UpdateMemoryParams{
		Content:  p.Content,
		Tags:     p.Tags,
		Priority: p.Priority,
	}
	if p.TTLSeconds != nil {
		ttl := time.Duration(*p.TTLSeconds) * time.Second
		params.TTL = &ttl
	}

	entry, err := s.store.UpdateMemory(ctx, p.MemoryID, params)
	if err != nil {
		return nil, err
	}

	if p.Content != nil {
		s.index(ctx, entry)
	}
	s.cachePut(entry)
	return entry, nil
}

// cachePut warms the cache, clamping residency to the entry's own expiry
// so the hot tier never outlives the store's TTL.
func (s *Service) cachePut(entry *model.MemoryEntry) {
	ttl := s.cacheTTL
	if entry.ExpiresAt != nil {
		if left := time.Until(*entry.ExpiresAt); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	s.cache.Put(entry.ID, entry, entry.Priority, ttl)
}

// Delete soft-deletes an entry and drops it from the cache and the
// vector index. The row survives for audit until the purge job runs.
func (s *Service) Delete(ctx context.Context, p *protocol.DeletePayload) error {
	unlock := s.locks.lock(p.MemoryID)
	defer unlock()

	if err := s.store.SoftDeleteMemory(ctx, p.MemoryID); err != nil {
		return err
	}
	s.cache.Invalidate(p.MemoryID)
	if err := s.vectors.Remove(ctx, p.MemoryID); err != nil {
		s.logger.Warn("vector remove failed",
			zap.String("memory_id", p.MemoryID), zap.Error(err))
	}
	return nil
}

// BatchRead returns the requested entries in request order, silently
// skipping missing or deleted ids.
func (s *Service) BatchRead(ctx context.Context, p *protocol.BatchReadPayload) (*protocol.QueryData, error) {
	entries, err := s.store.BatchGetMemories(ctx, p.MemoryIDs)
	if err != nil {
		return nil, err
	}
	return &protocol.QueryData{Results: entries, TotalCount: len(entries)}, nil
}

// BulkDelete soft-deletes all entries matching the selectors.
func (s *Service) BulkDelete(ctx context.Context, p *protocol.BulkDeletePayload) (*protocol.QueryData, error) {
	ids, err := s.store.BulkSoftDelete(ctx, store.BulkDeleteParams{
		MemoryIDs:  p.MemoryIDs,
		MemoryType: model.MemoryType(p.MemoryType),
		SessionID:  p.SessionID,
		OlderThan:  p.OlderThan,
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.cache.Invalidate(id)
		if err := s.vectors.Remove(ctx, id); err != nil {
			s.logger.Warn("vector remove failed", zap.String("memory_id", id), zap.Error(err))
		}
	}
	return &protocol.QueryData{Deleted: len(ids)}, nil
}

// CreateSession opens a session.
func (s *Service) CreateSession(ctx context.Context, p *protocol.CreateSessionPayload) (*model.Session, error) {
	return s.sessions.Create(ctx, p.UserID, p.SessionType, p.Metadata)
}

// EndSession ends a session; ending twice is a no-op returning the
// stored state.
func (s *Service) EndSession(ctx context.Context, sessionID string, p *protocol.EndSessionPayload) (*model.Session, error) {
	id := p.SessionID
	if id == "" {
		id = sessionID
	}
	if id == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "session_id is required")
	}

	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.sessions.End(ctx, id, p.Summary, p.Archive, p.Summarize)
	if err != nil {
		return nil, err
	}
	s.metrics.SessionsEnded.Inc()
	return sess, nil
}

// AttachMemory associates an entry with an active session.
func (s *Service) AttachMemory(ctx context.Context, sessionID string, p *protocol.AttachMemoryPayload) error {
	id := p.SessionID
	if id == "" {
		id = sessionID
	}
	if id == "" {
		return apperr.Validation(apperr.CodeInvalidRequest, "session_id is required")
	}
	return s.sessions.Attach(ctx, id, p.MemoryID)
}

// Summarize condenses a session's recent entries without ending it.
func (s *Service) Summarize(ctx context.Context, sessionID string, p *protocol.SummarizePayload) (string, error) {
	id := p.SessionID
	if id == "" {
		id = sessionID
	}
	if id == "" {
		return "", apperr.Validation(apperr.CodeInvalidRequest, "session_id is required")
	}
	if s.summarizer == nil {
		return "", apperr.Validation(apperr.CodeInvalidRequest, "summarization is not configured")
	}

	memories, err := s.sessions.Memories(ctx, id, p.Limit)
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "", nil
	}
	text, err := s.summarizer.Summarize(ctx, memories)
	if err != nil {
		return "", apperr.Unavailable(apperr.CodeInternalError, "summarize session: %v", err)
	}
	return text, nil
}

// Stats reports storage counters and cache statistics.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	counters, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(counters)+5)
	for k, v := range counters {
		out[k] = v
	}
	cs := s.cache.Stats()
	out["cache_size"] = cs.Size
	out["cache_hits"] = cs.Hits
	out["cache_misses"] = cs.Misses
	out["cache_evictions"] = cs.Evictions
	out["vector_documents"] = s.vectors.Count()
	return out, nil
}

// Replicate applies a batch from the peer node.
func (s *Service) Replicate(ctx context.Context, p *protocol.ReplicatePayload) (*protocol.ReplicateData, error) {
	if s.applier == nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "replication is not configured")
	}
	return s.applier.Replicate(ctx, p)
}

// Digest reports this node's replication digests.
func (s *Service) Digest(ctx context.Context, p *protocol.DigestPayload) (*protocol.DigestData, error) {
	if s.applier == nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "replication is not configured")
	}
	return s.applier.Digest(ctx, p)
}

// Pull serves snapshots for the peer's reconciler.
func (s *Service) Pull(ctx context.Context, p *protocol.PullPayload) (*protocol.PullData, error) {
	if s.applier == nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "replication is not configured")
	}
	return s.applier.Pull(ctx, p)
}

// index embeds an entry and upserts it into the vector index. Indexing
// is best effort: the entry is already durable, and keyword search
// still finds it.
func (s *Service) index(ctx context.Context, entry *model.MemoryEntry) {
	vec, err := s.embedder.Embed(ctx, entry.Content.Text)
	if err != nil {
		s.logger.Warn("embed failed", zap.String("memory_id", entry.ID), zap.Error(err))
		return
	}
	if err := s.vectors.Upsert(ctx, entry.ID, s.embedder.Model(), vec, entry.CreatedAt); err != nil {
		s.logger.Warn("vector upsert failed", zap.String("memory_id", entry.ID), zap.Error(err))
		return
	}
	if err := s.store.UpsertEmbeddingMeta(ctx, entry.ID, s.embedder.Model(), s.embedder.Dimensions()); err != nil {
		s.logger.Warn("embedding meta upsert failed", zap.String("memory_id", entry.ID), zap.Error(err))
	}
}
