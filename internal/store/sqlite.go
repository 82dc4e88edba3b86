// Package store provides the durable relational layer: memory entries,
// sessions, tags, relationships, embedding metadata, agent state, the
// access log, and the replication outbox. Backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/memoryd/internal/apperr"
)

// SQLiteStore implements durable storage on a single SQLite database.
// WAL mode keeps readers off the writers' backs; the database/sql pool
// handles concurrent access.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	entropy *rand.Rand

	// outbox settings; see EnableOutbox.
	outboxOn bool
	nodeID   string
}

// NewSQLiteStore opens or creates the database at dbPath and migrates the
// schema. ":memory:" is accepted for tests.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Debug("sqlite store ready", zap.String("path", dbPath))
	return s, nil
}

// EnableOutbox makes every successful write append a replication record
// in the same transaction. Only the primary enables this; the replica's
// applier must never re-originate writes it applies.
func (s *SQLiteStore) EnableOutbox(nodeID string) {
	s.outboxOn = true
	s.nodeID = nodeID
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id              TEXT PRIMARY KEY,
		memory_type     TEXT NOT NULL,
		content         TEXT NOT NULL,
		content_text    TEXT NOT NULL,
		source_agent    TEXT,
		priority        INTEGER NOT NULL DEFAULT 5,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		expires_at      TEXT,
		is_active       INTEGER NOT NULL DEFAULT 1,
		access_count    INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT,
		idempotency_key TEXT UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);
	CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(is_active);
	CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);

	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		user_id      TEXT,
		session_type TEXT,
		metadata     TEXT,
		summary      TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		ended_at     TEXT,
		is_archived  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS memory_tags (
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		tag       TEXT NOT NULL,
		PRIMARY KEY (memory_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_tags_tag ON memory_tags(tag);

	CREATE TABLE IF NOT EXISTS embeddings (
		memory_id  TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		model      TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (memory_id, model)
	);

	CREATE TABLE IF NOT EXISTS relationships (
		source_id  TEXT NOT NULL REFERENCES memories(id),
		target_id  TEXT NOT NULL REFERENCES memories(id),
		rel_type   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (source_id, target_id, rel_type)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_id);

	CREATE TABLE IF NOT EXISTS session_memories (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		memory_id  TEXT NOT NULL REFERENCES memories(id),
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, memory_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessmem_memory ON session_memories(memory_id);

	CREATE TABLE IF NOT EXISTS access_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id  TEXT,
		session_id TEXT,
		agent_id   TEXT,
		operation  TEXT NOT NULL,
		success    INTEGER NOT NULL,
		error      TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_memory ON access_log(memory_id);

	CREATE TABLE IF NOT EXISTS agent_state (
		agent_id   TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		state      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (agent_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id    TEXT NOT NULL,
		entity     TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		op         TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		sent_at    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(sent_at) WHERE sent_at IS NULL;

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content_text,
		content=memories,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 sync triggers
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content_text) VALUES (new.rowid, new.content_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content_text) VALUES('delete', old.rowid, old.content_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content_text) VALUES('delete', old.rowid, old.content_text);
			INSERT INTO memories_fts(rowid, content_text) VALUES (new.rowid, new.content_text);
		END`,
	}
	for _, trigger := range triggers {
		if _, err := s.db.Exec(trigger); err != nil {
			return fmt.Errorf("create fts trigger: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// storeErr maps a database failure onto the taxonomy: constraint breaches
// are terminal conflicts, everything else is a retryable storage error.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "FOREIGN KEY") {
		return apperr.Conflict("%s: constraint violation", op).WithCause(err)
	}
	return apperr.Unavailable(apperr.CodeStorageError, "%s failed", op).WithCause(err)
}

// EntityDigest summarizes one entity type for reconciliation.
type EntityDigest struct {
	Count        int64     `json:"count"`
	MaxUpdatedAt time.Time `json:"max_updated_at"`
}

// Digest returns count and max updated_at per replicated entity type.
// The two nodes exchange digests periodically and repair on mismatch.
func (s *SQLiteStore) Digest(ctx context.Context) (map[string]EntityDigest, error) {
	out := make(map[string]EntityDigest, 2)
	for entity, table := range map[string]string{
		EntityMemory:  "memories",
		EntitySession: "sessions",
	} {
		var count int64
		var maxUpdated sql.NullString
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*), MAX(updated_at) FROM %s`, table)).Scan(&count, &maxUpdated)
		if err != nil {
			return nil, storeErr("digest "+entity, err)
		}
		d := EntityDigest{Count: count}
		if maxUpdated.Valid {
			d.MaxUpdatedAt = parseTime(maxUpdated.String)
		}
		out[entity] = d
	}
	return out, nil
}

// Stats returns row counts per table for observability and the stats action.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for name, q := range map[string]string{
		"memories_active":   `SELECT COUNT(*) FROM memories WHERE is_active = 1`,
		"memories_total":    `SELECT COUNT(*) FROM memories`,
		"sessions_active":   `SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL`,
		"sessions_total":    `SELECT COUNT(*) FROM sessions`,
		"tags":              `SELECT COUNT(*) FROM memory_tags`,
		"relationships":     `SELECT COUNT(*) FROM relationships`,
		"agent_states":      `SELECT COUNT(*) FROM agent_state`,
		"access_log":        `SELECT COUNT(*) FROM access_log`,
		"outbox_backlog":    `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`,
		"embeddings":        `SELECT COUNT(*) FROM embeddings`,
	} {
		var n int64
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, storeErr("stats", err)
		}
		out[name] = n
	}
	return out, nil
}

// PurgeExpired hard-deletes expired entries, entries soft-deleted longer
// than retention ago, and expired agent state. Cascades remove tags and
// embedding metadata. The removed ids are returned so the caller can
// evict the corresponding vectors.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) ([]string, error) {
	cutoff := formatTime(now.Add(-retention))
	nowStr := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("purge begin", err)
	}
	defer tx.Rollback()

	// Expiration is absolute: priority never shields an expired entry.
	ids := []string{}
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM memories
		 WHERE (expires_at IS NOT NULL AND expires_at <= ?)
		    OR (is_active = 0 AND updated_at <= ?)`, nowStr, cutoff)
	if err != nil {
		return nil, storeErr("purge select", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("purge scan", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		// Relationships have no ON DELETE CASCADE (both endpoints must
		// exist while live); clear them explicitly.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relationships WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
			return nil, storeErr("purge relationships", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_memories WHERE memory_id = ?`, id); err != nil {
			return nil, storeErr("purge session refs", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			return nil, storeErr("purge memory", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_state WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowStr); err != nil {
		return nil, storeErr("purge agent state", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("purge commit", err)
	}

	if len(ids) > 0 {
		s.logger.Info("purged expired memories", zap.Int("count", len(ids)))
	}
	return ids, nil
}
