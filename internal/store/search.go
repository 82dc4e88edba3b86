package store

import (
	"context"
	"strings"
	"time"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
)

// FullTextMatch runs a keyword search over the content text via FTS5,
// restricted by the same filters as QueryMemories. Used as the fallback
// and complement to vector search.
func (s *SQLiteStore) FullTextMatch(ctx context.Context, text string, p QueryParams) ([]model.MemoryEntry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	match := ftsQuote(text)
	if match == "" {
		return nil, nil
	}

	where := []string{
		"memories_fts MATCH ?",
		"m.is_active = 1",
		"(m.expires_at IS NULL OR m.expires_at > ?)",
	}
	args := []any{match, formatTime(time.Now())}

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
	args = append(args, limit)

	query := `SELECT ` + memoryColumnsAliased("m") + `
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY rank, m.created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Unavailable(apperr.CodeSearchError, "keyword search failed").WithCause(err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, storeErr("search scan", err)
		}
		if err := s.loadTags(ctx, entry); err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

// ftsQuote turns free text into an FTS5 query of quoted terms, so user
// input can never inject FTS syntax.
func ftsQuote(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}
