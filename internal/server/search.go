package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/store"
)

const defaultSearchLimit = 10

// Search runs a semantic, keyword or hybrid query. Semantic search
// degrades to keyword when the embedder or index fails, so a broken
// model never makes stored memories unfindable.
func (s *Service) Search(ctx context.Context, p *protocol.SearchPayload) (*protocol.SearchData, error) {
	searchType := p.SearchType
	if searchType == "" {
		searchType = protocol.SearchSemantic
	}
	limit := p.Filters.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var results []protocol.SearchResult
	switch searchType {
	case protocol.SearchKeyword:
		keyword, err := s.keywordSearch(ctx, p, limit)
		if err != nil {
			return nil, err
		}
		results = keyword
	case protocol.SearchSemantic:
		semantic, err := s.semanticSearch(ctx, p, limit)
		if err != nil {
			s.logger.Warn("semantic search degraded to keyword", zap.Error(err))
			semantic = nil
		}
		if len(semantic) < limit {
			// The index underfilled; top up from the keyword side so a
			// sparse or broken index never hides stored memories.
			keyword, kwErr := s.keywordSearch(ctx, p, limit)
			if kwErr != nil {
				return nil, kwErr
			}
			results = mergeResults(semantic, keyword, limit)
		} else {
			results = semantic
		}
	case protocol.SearchHybrid:
		semantic, err := s.semanticSearch(ctx, p, limit)
		if err != nil {
			s.logger.Warn("hybrid search lost semantic half", zap.Error(err))
		}
		keyword, err := s.keywordSearch(ctx, p, limit)
		if err != nil {
			return nil, err
		}
		results = mergeResults(semantic, keyword, limit)
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return &protocol.SearchData{Results: results, TotalCount: len(results)}, nil
}

// semanticSearch embeds the query and ranks index matches, then loads
// and filters the backing entries. The index over-fetches so filters do
// not starve the result set.
func (s *Service) semanticSearch(ctx context.Context, p *protocol.SearchPayload, limit int) ([]protocol.SearchResult, error) {
	vec, err := s.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, err
	}

	matches, err := s.vectors.Search(ctx, vec, s.embedder.Model(), limit*4, float32(p.Filters.MinSimilarity))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.MemoryID
		scores[m.MemoryID] = float64(m.Similarity)
	}
	entries, err := s.store.BatchGetMemories(ctx, ids)
	if err != nil {
		return nil, err
	}

	allowed, err := s.filterSet(ctx, p.Filters)
	if err != nil {
		return nil, err
	}

	var out []protocol.SearchResult
	for i := range entries {
		entry := &entries[i]
		if !matchesFilters(entry, p.Filters, allowed) {
			continue
		}
		score := scores[entry.ID]
		out = append(out, protocol.SearchResult{
			MemoryID:        entry.ID,
			MemoryType:      string(entry.MemoryType),
			Content:         entry.Content,
			Tags:            entry.Tags,
			CreatedAt:       entry.CreatedAt,
			SimilarityScore: &score,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// keywordSearch matches the query against the full-text index.
func (s *Service) keywordSearch(ctx context.Context, p *protocol.SearchPayload, limit int) ([]protocol.SearchResult, error) {
	entries, err := s.store.FullTextMatch(ctx, p.Query, filterParams(p.Filters, limit))
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SearchResult, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		out = append(out, protocol.SearchResult{
			MemoryID:   entry.ID,
			MemoryType: string(entry.MemoryType),
			Content:    entry.Content,
			Tags:       entry.Tags,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return out, nil
}

func filterParams(f protocol.SearchFilters, limit int) store.QueryParams {
	p := store.QueryParams{
		Tags:      f.Tags,
		SessionID: f.SessionID,
		Limit:     limit,
	}
	for _, t := range f.MemoryTypes {
		p.Types = append(p.Types, model.MemoryType(t))
	}
	if f.TimeRange != nil {
		p.From = f.TimeRange.From
		p.To = f.TimeRange.To
	}
	return p
}

// filterSet resolves a session filter to the set of attached memory
// ids, or nil when no session filter applies.
func (s *Service) filterSet(ctx context.Context, f protocol.SearchFilters) (map[string]bool, error) {
	if f.SessionID == "" {
		return nil, nil
	}
	entries, err := s.store.SessionMemories(ctx, f.SessionID, 0)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(entries))
	for i := range entries {
		set[entries[i].ID] = true
	}
	return set, nil
}

func matchesFilters(entry *model.MemoryEntry, f protocol.SearchFilters, sessionSet map[string]bool) bool {
	if len(f.MemoryTypes) > 0 {
		found := false
		for _, t := range f.MemoryTypes {
			if string(entry.MemoryType) == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Tags) > 0 {
		tagSet := make(map[string]bool, len(entry.Tags))
		for _, tag := range entry.Tags {
			tagSet[tag] = true
		}
		for _, tag := range f.Tags {
			if !tagSet[tag] {
				return false
			}
		}
	}
	if f.TimeRange != nil {
		if f.TimeRange.From != nil && entry.CreatedAt.Before(*f.TimeRange.From) {
			return false
		}
		if f.TimeRange.To != nil && entry.CreatedAt.After(*f.TimeRange.To) {
			return false
		}
	}
	if sessionSet != nil && !sessionSet[entry.ID] {
		return false
	}
	return true
}

// mergeResults unions the semantic and keyword halves, semantic hits
// first, dropping duplicates.
func mergeResults(semantic, keyword []protocol.SearchResult, limit int) []protocol.SearchResult {
	seen := make(map[string]bool, len(semantic))
	out := make([]protocol.SearchResult, 0, limit)
	for _, r := range semantic {
		if len(out) == limit {
			return out
		}
		seen[r.MemoryID] = true
		out = append(out, r)
	}
	for _, r := range keyword {
		if len(out) == limit {
			return out
		}
		if seen[r.MemoryID] {
			continue
		}
		out = append(out, r)
	}
	return out
}
