package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/becomeliminal/memoryd/internal/model"
)

// AppendAccess records one operation in the append-only audit log. The
// log is never updated or deleted in normal operation.
func (s *SQLiteStore) AppendAccess(ctx context.Context, e model.AccessLogEntry) error {
	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_log (memory_id, session_id, agent_id, operation, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullable(e.MemoryID), nullable(e.SessionID), nullable(e.AgentID),
		e.Operation, success, nullable(e.Error), formatTime(time.Now()))
	return storeErr("append access", err)
}

// RecentAccess returns the newest audit entries, for diagnostics.
func (s *SQLiteStore) RecentAccess(ctx context.Context, limit int) ([]model.AccessLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, session_id, agent_id, operation, success, error, created_at
		 FROM access_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("recent access", err)
	}
	defer rows.Close()

	var out []model.AccessLogEntry
	for rows.Next() {
		var e model.AccessLogEntry
		var memoryID, sessionID, agentID, errMsg sql.NullString
		var success int
		var createdAt string
		if err := rows.Scan(&e.ID, &memoryID, &sessionID, &agentID, &e.Operation, &success, &errMsg, &createdAt); err != nil {
			return nil, storeErr("scan access", err)
		}
		e.MemoryID = memoryID.String
		e.SessionID = sessionID.String
		e.AgentID = agentID.String
		e.Error = errMsg.String
		e.Success = success == 1
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, nil
}
