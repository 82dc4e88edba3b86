package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
)

// CreateMemoryParams holds parameters for storing a new memory entry.
type CreateMemoryParams struct {
	MemoryType     model.MemoryType
	Content        model.Content
	Tags           []string
	TTL            time.Duration // 0 = permanent
	Priority       int           // 0 = default
	SourceAgent    string
	IdempotencyKey string
}

// CreateMemory inserts a new entry with its tags. When an idempotency key
// is supplied and an entry already carries it, the original entry is
// returned unchanged (retried create, dropped response).
func (s *SQLiteStore) CreateMemory(ctx context.Context, p CreateMemoryParams) (*model.MemoryEntry, error) {
	now := time.Now().UTC()
	priority := p.Priority
	if priority == 0 {
		priority = model.DefaultPriority
	}

	var expiresAt *time.Time
	if p.TTL > 0 {
		exp := now.Add(p.TTL)
		expiresAt = &exp
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("create begin", err)
	}
	defer tx.Rollback()

	if p.IdempotencyKey != "" {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM memories WHERE idempotency_key = ?`, p.IdempotencyKey).Scan(&existingID)
		if err == nil {
			tx.Rollback()
			return s.GetMemory(ctx, existingID)
		}
		if err != sql.ErrNoRows {
			return nil, storeErr("idempotency lookup", err)
		}
	}

	entry := &model.MemoryEntry{
		ID:             s.newID(),
		MemoryType:     p.MemoryType,
		Content:        p.Content,
		SourceAgent:    p.SourceAgent,
		Priority:       priority,
		Tags:           dedupeTags(p.Tags),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      expiresAt,
		IsActive:       true,
		IdempotencyKey: p.IdempotencyKey,
	}

	contentJSON, err := json.Marshal(entry.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	var keyPtr *string
	if p.IdempotencyKey != "" {
		keyPtr = &p.IdempotencyKey
	}
	var agentPtr *string
	if p.SourceAgent != "" {
		agentPtr = &p.SourceAgent
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, memory_type, content, content_text, source_agent, priority,
		                       created_at, updated_at, expires_at, is_active, access_count, idempotency_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?)`,
		entry.ID, string(entry.MemoryType), string(contentJSON), entry.Content.Text, agentPtr,
		priority, formatTime(now), formatTime(now), formatTimePtr(expiresAt), keyPtr)
	if err != nil {
		return nil, storeErr("insert memory", err)
	}

	for _, tag := range entry.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, entry.ID, tag); err != nil {
			return nil, storeErr("insert tag", err)
		}
	}

	if err := s.appendOutboxTx(ctx, tx, EntityMemory, entry.ID, OpCreate, memorySnapshot(entry)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("create commit", err)
	}
	return entry, nil
}

// GetMemory returns an active, unexpired entry and bumps its access count.
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*model.MemoryEntry, error) {
	entry, err := s.getMemoryAny(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entry.IsActive || entry.Expired(time.Now().UTC()) {
		return nil, apperr.NotFound(apperr.CodeMemoryNotFound, "memory %s not found", id)
	}

	// Access tracking is best-effort; a failed bump never fails the read.
	now := formatTime(time.Now())
	s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		now, id)

	return entry, nil
}

// getMemoryAny fetches a row regardless of is_active/expiry. Used by the
// replication applier and internally.
func (s *SQLiteStore) getMemoryAny(ctx context.Context, id string) (*model.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	entry, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeMemoryNotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, storeErr("get memory", err)
	}
	if err := s.loadTags(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// BatchGetMemories returns the active entries among ids, preserving the
// request order. Missing or inactive ids are silently skipped.
func (s *SQLiteStore) BatchGetMemories(ctx context.Context, ids []string) ([]model.MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, formatTime(time.Now()))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE id IN (`+placeholders+`) AND is_active = 1
		   AND (expires_at IS NULL OR expires_at > ?)`, args...)
	if err != nil {
		return nil, storeErr("batch get", err)
	}
	defer rows.Close()

	byID := make(map[string]*model.MemoryEntry, len(ids))
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, storeErr("batch scan", err)
		}
		byID[entry.ID] = entry
	}

	var out []model.MemoryEntry
	for _, id := range ids {
		if entry, ok := byID[id]; ok {
			if err := s.loadTags(ctx, entry); err != nil {
				return nil, err
			}
			out = append(out, *entry)
		}
	}
	return out, nil
}

// UpdateMemoryParams is a patch; nil fields are left untouched.
type UpdateMemoryParams struct {
	Content  *model.Content
	Tags     []string // nil = keep, empty = clear
	Priority *int
	TTL      *time.Duration // nil = keep, 0 = make permanent
}

// UpdateMemory applies a patch to an active entry, bumping updated_at and
// optionally refreshing expires_at.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, id string, p UpdateMemoryParams) (*model.MemoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("update begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	entry, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeMemoryNotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, storeErr("update lookup", err)
	}
	now := time.Now().UTC()
	if !entry.IsActive || entry.Expired(now) {
		return nil, apperr.NotFound(apperr.CodeMemoryNotFound, "memory %s not found", id)
	}

	if p.Content != nil {
		entry.Content = *p.Content
	}
	if p.Priority != nil {
		entry.Priority = *p.Priority
	}
	if p.TTL != nil {
		if *p.TTL <= 0 {
			entry.ExpiresAt = nil
		} else {
			exp := now.Add(*p.TTL)
			entry.ExpiresAt = &exp
		}
	}
	entry.UpdatedAt = now

	contentJSON, err := json.Marshal(entry.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET content = ?, content_text = ?, priority = ?, updated_at = ?, expires_at = ?
		 WHERE id = ?`,
		string(contentJSON), entry.Content.Text, entry.Priority,
		formatTime(now), formatTimePtr(entry.ExpiresAt), id)
	if err != nil {
		return nil, storeErr("update memory", err)
	}

	if p.Tags != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
			return nil, storeErr("clear tags", err)
		}
		entry.Tags = dedupeTags(p.Tags)
		for _, tag := range entry.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, id, tag); err != nil {
				return nil, storeErr("insert tag", err)
			}
		}
	} else if err := s.loadTagsTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := s.appendOutboxTx(ctx, tx, EntityMemory, id, OpUpdate, memorySnapshot(entry)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("update commit", err)
	}
	return entry, nil
}

// SoftDeleteMemory marks an entry inactive. The row stays behind for audit
// until a hard purge.
func (s *SQLiteStore) SoftDeleteMemory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("delete begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	entry, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return apperr.NotFound(apperr.CodeMemoryNotFound, "memory %s not found", id)
	}
	if err != nil {
		return storeErr("delete lookup", err)
	}
	if !entry.IsActive {
		return apperr.NotFound(apperr.CodeMemoryNotFound, "memory %s not found", id)
	}

	now := time.Now().UTC()
	entry.IsActive = false
	entry.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET is_active = 0, updated_at = ? WHERE id = ?`, formatTime(now), id); err != nil {
		return storeErr("delete memory", err)
	}

	if err := s.appendOutboxTx(ctx, tx, EntityMemory, id, OpDelete, memorySnapshot(entry)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("delete commit", err)
	}
	return nil
}

// BulkDeleteParams selects entries for bulk soft-deletion.
type BulkDeleteParams struct {
	MemoryIDs  []string
	MemoryType model.MemoryType
	SessionID  string
	OlderThan  *time.Time
}

// BulkSoftDelete soft-deletes every active entry matching the selectors
// and returns the affected ids.
func (s *SQLiteStore) BulkSoftDelete(ctx context.Context, p BulkDeleteParams) ([]string, error) {
	where := []string{"m.is_active = 1"}
	args := []any{}

	if len(p.MemoryIDs) > 0 {
		placeholders := strings.Repeat("?,", len(p.MemoryIDs)-1) + "?"
		where = append(where, "m.id IN ("+placeholders+")")
		for _, id := range p.MemoryIDs {
			args = append(args, id)
		}
	}
	if p.MemoryType != "" {
		where = append(where, "m.memory_type = ?")
		args = append(args, string(p.MemoryType))
	}
	if p.SessionID != "" {
		where = append(where, "m.id IN (SELECT memory_id FROM session_memories WHERE session_id = ?)")
		args = append(args, p.SessionID)
	}
	if p.OlderThan != nil {
		where = append(where, "m.created_at < ?")
		args = append(args, formatTime(*p.OlderThan))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id FROM memories m WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, storeErr("bulk select", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("bulk scan", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.SoftDeleteMemory(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// QueryParams filters and paginates memory listings. Sort is fixed to
// created_at descending.
type QueryParams struct {
	Types     []model.MemoryType
	Tags      []string
	SessionID string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// QueryMemories lists active, unexpired entries matching the filter.
func (s *SQLiteStore) QueryMemories(ctx context.Context, p QueryParams) ([]model.MemoryEntry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"m.is_active = 1", "(m.expires_at IS NULL OR m.expires_at > ?)"}
	args := []any{formatTime(time.Now())}

	if len(p.Types) > 0 {
		placeholders := strings.Repeat("?,", len(p.Types)-1) + "?"
		where = append(where, "m.memory_type IN ("+placeholders+")")
		for _, t := range p.Types {
			args = append(args, string(t))
		}
	}
	for _, tag := range p.Tags {
		where = append(where, "m.id IN (SELECT memory_id FROM memory_tags WHERE tag = ?)")
		args = append(args, tag)
	}
	if p.SessionID != "" {
		where = append(where, "m.id IN (SELECT memory_id FROM session_memories WHERE session_id = ?)")
		args = append(args, p.SessionID)
	}
	if p.From != nil {
		where = append(where, "m.created_at >= ?")
		args = append(args, formatTime(*p.From))
	}
	if p.To != nil {
		where = append(where, "m.created_at <= ?")
		args = append(args, formatTime(*p.To))
	}

	query := fmt.Sprintf(`SELECT %s FROM memories m WHERE %s
		ORDER BY m.created_at DESC LIMIT ? OFFSET ?`,
		memoryColumnsAliased("m"), strings.Join(where, " AND "))
	args = append(args, limit, p.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query memories", err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, storeErr("query scan", err)
		}
		if err := s.loadTags(ctx, entry); err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

// UpsertEmbeddingMeta records that a vector exists for (memory, model).
// The vector itself lives in the vector index.
func (s *SQLiteStore) UpsertEmbeddingMeta(ctx context.Context, memoryID, embeddingModel string, dims int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (memory_id, model, dimensions, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(memory_id, model) DO UPDATE SET dimensions = excluded.dimensions, created_at = excluded.created_at`,
		memoryID, embeddingModel, dims, formatTime(time.Now()))
	return storeErr("upsert embedding meta", err)
}

const memoryColumns = `id, memory_type, content, source_agent, priority, created_at, updated_at,
	expires_at, is_active, access_count, last_accessed_at, idempotency_key`

func memoryColumnsAliased(alias string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.MemoryEntry, error) {
	var m model.MemoryEntry
	var memType, contentJSON, createdAt, updatedAt string
	var sourceAgent, expiresAt, lastAccessed, idemKey sql.NullString
	var isActive int

	err := row.Scan(&m.ID, &memType, &contentJSON, &sourceAgent, &m.Priority,
		&createdAt, &updatedAt, &expiresAt, &isActive, &m.AccessCount, &lastAccessed, &idemKey)
	if err != nil {
		return nil, err
	}

	m.MemoryType = model.MemoryType(memType)
	if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	m.SourceAgent = sourceAgent.String
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	m.ExpiresAt = parseTimePtr(expiresAt)
	m.IsActive = isActive == 1
	m.LastAccessedAt = parseTimePtr(lastAccessed)
	m.IdempotencyKey = idemKey.String
	return &m, nil
}

func (s *SQLiteStore) loadTags(ctx context.Context, entry *model.MemoryEntry) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, entry.ID)
	if err != nil {
		return storeErr("load tags", err)
	}
	defer rows.Close()
	entry.Tags = nil
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return storeErr("scan tag", err)
		}
		entry.Tags = append(entry.Tags, tag)
	}
	return nil
}

func (s *SQLiteStore) loadTagsTx(ctx context.Context, tx *sql.Tx, entry *model.MemoryEntry) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, entry.ID)
	if err != nil {
		return storeErr("load tags", err)
	}
	defer rows.Close()
	entry.Tags = nil
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return storeErr("scan tag", err)
		}
		entry.Tags = append(entry.Tags, tag)
	}
	return nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
