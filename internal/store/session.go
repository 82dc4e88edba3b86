package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
)

// ErrSessionClosed is returned when attaching to a session that no longer
// accepts associations. Surfaced to clients as a validation error.
func errSessionClosed(id string) error {
	return apperr.Validation(apperr.CodeValidationError, "session %s is closed", id).
		WithDetail("reason", "session_closed")
}

// CreateSession opens a new active session.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID, sessionType string, metadata map[string]any) (*model.Session, error) {
	now := time.Now().UTC()
	sess := &model.Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		SessionType: sessionType,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("session begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, session_type, metadata, created_at, updated_at, is_archived)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		sess.ID, nullable(userID), nullable(sessionType), string(metadataJSON),
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, storeErr("insert session", err)
	}

	if err := s.appendOutboxTx(ctx, tx, EntitySession, sess.ID, OpCreate, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("session commit", err)
	}
	return sess, nil
}

// GetSession returns a session by id, ended or not.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return sess, nil
}

// TouchSession bumps updated_at so the idle sweep sees recent activity.
// Touches are local bookkeeping and are not replicated.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(time.Now()), id)
	return storeErr("touch session", err)
}

// EndSession sets ended_at and optionally the summary and archive flag.
// Ending an already-ended session is a no-op success: a client retrying
// after a dropped response must not fail. The second return reports
// whether state changed.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, summary *string, archive bool) (*model.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storeErr("end begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, false, apperr.NotFound(apperr.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, false, storeErr("end lookup", err)
	}

	if sess.EndedAt != nil {
		// ended_at is immutable once set
		return sess, false, nil
	}

	now := time.Now().UTC()
	sess.EndedAt = &now
	sess.UpdatedAt = now
	if summary != nil {
		sess.Summary = summary
	}
	sess.IsArchived = archive

	isArchived := 0
	if archive {
		isArchived = 1
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, updated_at = ?, summary = COALESCE(?, summary), is_archived = ?
		 WHERE id = ?`,
		formatTime(now), formatTime(now), summary, isArchived, id)
	if err != nil {
		return nil, false, storeErr("end session", err)
	}

	if err := s.appendOutboxTx(ctx, tx, EntitySession, id, OpUpdate, sess); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storeErr("end commit", err)
	}
	return sess, true, nil
}

// AttachMemory associates an entry with an active session. A session that
// has ended accepts no new associations.
func (s *SQLiteStore) AttachMemory(ctx context.Context, sessionID, memoryID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Active() {
		return errSessionClosed(sessionID)
	}
	if _, err := s.GetMemory(ctx, memoryID); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_memories (session_id, memory_id, created_at) VALUES (?, ?, ?)`,
		sessionID, memoryID, formatTime(time.Now()))
	if err != nil {
		return storeErr("attach memory", err)
	}
	return s.TouchSession(ctx, sessionID)
}

// SessionMemories returns the most recent active entries attached to a
// session, newest first.
func (s *SQLiteStore) SessionMemories(ctx context.Context, sessionID string, limit int) ([]model.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.QueryMemories(ctx, QueryParams{SessionID: sessionID, Limit: limit})
}

// ListSessions lists sessions, newest first. activeOnly excludes ended and
// archived sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, activeOnly bool, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if activeOnly {
		query += ` WHERE ended_at IS NULL AND is_archived = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, *sess)
	}
	return out, nil
}

// IdleSessions returns ids of active sessions with no activity since
// olderThan. The sweep auto-ends these without a summary.
func (s *SQLiteStore) IdleSessions(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE ended_at IS NULL AND updated_at < ? LIMIT ?`,
		formatTime(olderThan), limit)
	if err != nil {
		return nil, storeErr("idle sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan idle", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

const sessionColumns = `id, user_id, session_type, metadata, summary, created_at, updated_at, ended_at, is_archived`

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var userID, sessionType, metadataJSON, summary, endedAt sql.NullString
	var createdAt, updatedAt string
	var isArchived int

	err := row.Scan(&sess.ID, &userID, &sessionType, &metadataJSON, &summary,
		&createdAt, &updatedAt, &endedAt, &isArchived)
	if err != nil {
		return nil, err
	}

	sess.UserID = userID.String
	sess.SessionType = sessionType.String
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if summary.Valid {
		sess.Summary = &summary.String
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.EndedAt = parseTimePtr(endedAt)
	sess.IsArchived = isArchived == 1
	return &sess, nil
}
