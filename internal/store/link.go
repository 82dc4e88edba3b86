package store

import (
	"context"
	"time"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
)

// LinkMemories creates a directed, typed edge between two entries. Both
// endpoints must exist and be active; duplicate (source, target, type)
// triples are conflicts.
func (s *SQLiteStore) LinkMemories(ctx context.Context, sourceID, targetID, relType string) (*model.Relationship, error) {
	if sourceID == targetID {
		return nil, apperr.Validation(apperr.CodeValidationError, "relationship endpoints must differ")
	}
	if _, err := s.GetMemory(ctx, sourceID); err != nil {
		return nil, err
	}
	if _, err := s.GetMemory(ctx, targetID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (source_id, target_id, rel_type, created_at) VALUES (?, ?, ?, ?)`,
		sourceID, targetID, relType, formatTime(now))
	if err != nil {
		return nil, storeErr("link memories", err)
	}
	return &model.Relationship{SourceID: sourceID, TargetID: targetID, RelType: relType, CreatedAt: now}, nil
}

// Links returns all edges touching an entry, in either direction.
func (s *SQLiteStore) Links(ctx context.Context, memoryID string) ([]model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, target_id, rel_type, created_at FROM relationships
		 WHERE source_id = ? OR target_id = ? ORDER BY created_at`, memoryID, memoryID)
	if err != nil {
		return nil, storeErr("list links", err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var createdAt string
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.RelType, &createdAt); err != nil {
			return nil, storeErr("scan link", err)
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, nil
}
