package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/becomeliminal/memoryd/internal/model"
)

// Replicated entity types and operations.
const (
	EntityMemory  = "memory"
	EntitySession = "session"

	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// OutboxRecord is one queued replication write. Records for the same
// entity id drain in insertion order, so an update never reaches the peer
// before its create.
type OutboxRecord struct {
	ID        int64           `json:"id"`
	NodeID    string          `json:"node_id"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

// MemorySnapshot is the replicated form of a memory entry. It carries the
// idempotency key the JSON model hides, so a promoted replica keeps
// create-retry semantics.
type MemorySnapshot struct {
	model.MemoryEntry
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func memorySnapshot(m *model.MemoryEntry) any {
	return &MemorySnapshot{MemoryEntry: *m, IdempotencyKey: m.IdempotencyKey}
}

// appendOutboxTx queues a replication record inside the caller's write
// transaction. Local durability of the write and its outbox record is
// atomic; the client is acknowledged before remote replication.
func (s *SQLiteStore) appendOutboxTx(ctx context.Context, tx *sql.Tx, entity, entityID, op string, snapshot any) error {
	if !s.outboxOn {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (node_id, entity, entity_id, op, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.nodeID, entity, entityID, op, string(payload), formatTime(time.Now()))
	return storeErr("append outbox", err)
}

// PendingOutbox returns unsent records in id order.
func (s *SQLiteStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node_id, entity, entity_id, op, payload, created_at, attempts
		 FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("pending outbox", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		var payload, createdAt string
		if err := rows.Scan(&r.ID, &r.NodeID, &r.Entity, &r.EntityID, &r.Op, &payload, &createdAt, &r.Attempts); err != nil {
			return nil, storeErr("scan outbox", err)
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, nil
}

// MarkOutboxSent stamps records as delivered.
func (s *SQLiteStore) MarkOutboxSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET sent_at = ? WHERE id IN (`+placeholders+`)`, args...)
	return storeErr("mark outbox sent", err)
}

// BumpOutboxAttempts increments the attempt counter after a failed send.
func (s *SQLiteStore) BumpOutboxAttempts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE id IN (`+placeholders+`)`, args...)
	return storeErr("bump outbox attempts", err)
}

// OutboxBacklog counts undelivered records. The queue is unbounded but
// monitored; the sender alerts past a configured threshold.
func (s *SQLiteStore) OutboxBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, storeErr("outbox backlog", err)
	}
	return n, nil
}

// PruneOutbox removes delivered records older than retention.
func (s *SQLiteStore) PruneOutbox(ctx context.Context, retention time.Duration) error {
	cutoff := formatTime(time.Now().Add(-retention))
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE sent_at IS NOT NULL AND sent_at < ?`, cutoff)
	return storeErr("prune outbox", err)
}

// ApplyReplicated upserts a replicated snapshot under last-write-wins by
// updated_at. When tieWins is true (records from the designated primary)
// an equal timestamp also wins. Returns false when the local copy was
// newer and kept. Applied writes never re-enter the outbox.
func (s *SQLiteStore) ApplyReplicated(ctx context.Context, rec OutboxRecord, tieWins bool) (bool, error) {
	switch rec.Entity {
	case EntityMemory:
		var snap MemorySnapshot
		if err := json.Unmarshal(rec.Payload, &snap); err != nil {
			return false, fmt.Errorf("unmarshal memory snapshot: %w", err)
		}
		snap.MemoryEntry.IdempotencyKey = snap.IdempotencyKey
		return s.applyMemorySnapshot(ctx, &snap.MemoryEntry, tieWins)
	case EntitySession:
		var sess model.Session
		if err := json.Unmarshal(rec.Payload, &sess); err != nil {
			return false, fmt.Errorf("unmarshal session snapshot: %w", err)
		}
		return s.applySessionSnapshot(ctx, &sess, tieWins)
	default:
		return false, fmt.Errorf("unknown replicated entity %q", rec.Entity)
	}
}

func (s *SQLiteStore) applyMemorySnapshot(ctx context.Context, m *model.MemoryEntry, tieWins bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("apply begin", err)
	}
	defer tx.Rollback()

	var existingUpdated sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT updated_at FROM memories WHERE id = ?`, m.ID).Scan(&existingUpdated)
	if err != nil && err != sql.ErrNoRows {
		return false, storeErr("apply lookup", err)
	}
	if existingUpdated.Valid && loses(m.UpdatedAt, parseTime(existingUpdated.String), tieWins) {
		return false, nil // local copy is newer, keep it
	}

	contentJSON, err := json.Marshal(m.Content)
	if err != nil {
		return false, fmt.Errorf("marshal content: %w", err)
	}
	var keyPtr, agentPtr *string
	if m.IdempotencyKey != "" {
		keyPtr = &m.IdempotencyKey
	}
	if m.SourceAgent != "" {
		agentPtr = &m.SourceAgent
	}
	isActive := 0
	if m.IsActive {
		isActive = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, memory_type, content, content_text, source_agent, priority,
		                       created_at, updated_at, expires_at, is_active, access_count, idempotency_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   memory_type = excluded.memory_type,
		   content = excluded.content,
		   content_text = excluded.content_text,
		   source_agent = excluded.source_agent,
		   priority = excluded.priority,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at,
		   is_active = excluded.is_active`,
		m.ID, string(m.MemoryType), string(contentJSON), m.Content.Text, agentPtr, m.Priority,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt), formatTimePtr(m.ExpiresAt), isActive, keyPtr)
	if err != nil {
		return false, storeErr("apply memory", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, m.ID); err != nil {
		return false, storeErr("apply clear tags", err)
	}
	for _, tag := range m.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, m.ID, tag); err != nil {
			return false, storeErr("apply tag", err)
		}
	}

	return true, storeErr("apply commit", tx.Commit())
}

func (s *SQLiteStore) applySessionSnapshot(ctx context.Context, sess *model.Session, tieWins bool) (bool, error) {
	var existingUpdated sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM sessions WHERE id = ?`, sess.ID).Scan(&existingUpdated)
	if err != nil && err != sql.ErrNoRows {
		return false, storeErr("apply session lookup", err)
	}
	if existingUpdated.Valid && loses(sess.UpdatedAt, parseTime(existingUpdated.String), tieWins) {
		return false, nil
	}

	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	isArchived := 0
	if sess.IsArchived {
		isArchived = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, session_type, metadata, summary, created_at, updated_at, ended_at, is_archived)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id = excluded.user_id,
		   session_type = excluded.session_type,
		   metadata = excluded.metadata,
		   summary = excluded.summary,
		   updated_at = excluded.updated_at,
		   ended_at = excluded.ended_at,
		   is_archived = excluded.is_archived`,
		sess.ID, nullable(sess.UserID), nullable(sess.SessionType), string(metadataJSON),
		sess.Summary, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
		formatTimePtr(sess.EndedAt), isArchived)
	if err != nil {
		return false, storeErr("apply session", err)
	}
	return true, nil
}

// loses reports whether an incoming timestamp loses to the existing one.
func loses(incoming, existing time.Time, tieWins bool) bool {
	if tieWins {
		return incoming.Before(existing)
	}
	return !incoming.After(existing)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EntriesSince returns full snapshots of an entity type updated strictly
// after since, oldest first. The reconciler pulls these to repair drift.
func (s *SQLiteStore) EntriesSince(ctx context.Context, entity string, since time.Time, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	switch entity {
	case EntityMemory:
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+memoryColumns+` FROM memories WHERE updated_at > ? ORDER BY updated_at LIMIT ?`,
			formatTime(since), limit)
		if err != nil {
			return nil, storeErr("entries since", err)
		}
		defer rows.Close()
		var out []OutboxRecord
		for rows.Next() {
			entry, err := scanMemory(rows)
			if err != nil {
				return nil, storeErr("entries scan", err)
			}
			if err := s.loadTags(ctx, entry); err != nil {
				return nil, err
			}
			payload, err := json.Marshal(memorySnapshot(entry))
			if err != nil {
				return nil, fmt.Errorf("marshal snapshot: %w", err)
			}
			out = append(out, OutboxRecord{
				NodeID: s.nodeID, Entity: EntityMemory, EntityID: entry.ID,
				Op: OpUpdate, Payload: payload, CreatedAt: entry.UpdatedAt,
			})
		}
		return out, nil
	case EntitySession:
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE updated_at > ? ORDER BY updated_at LIMIT ?`,
			formatTime(since), limit)
		if err != nil {
			return nil, storeErr("entries since", err)
		}
		defer rows.Close()
		var out []OutboxRecord
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return nil, storeErr("entries scan", err)
			}
			payload, err := json.Marshal(sess)
			if err != nil {
				return nil, fmt.Errorf("marshal snapshot: %w", err)
			}
			out = append(out, OutboxRecord{
				NodeID: s.nodeID, Entity: EntitySession, EntityID: sess.ID,
				Op: OpUpdate, Payload: payload, CreatedAt: sess.UpdatedAt,
			})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
}
