package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
)

// PutAgentState upserts the opaque state blob for (agent, session).
// A zero ttl makes the state permanent.
func (s *SQLiteStore) PutAgentState(ctx context.Context, agentID, sessionID string, state map[string]any, ttl time.Duration) (*model.AgentState, error) {
	now := time.Now().UTC()
	as := &model.AgentState{
		AgentID:   agentID,
		SessionID: sessionID,
		State:     state,
		UpdatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		as.ExpiresAt = &exp
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_state (agent_id, session_id, state, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, session_id) DO UPDATE SET
		   state = excluded.state, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		agentID, sessionID, string(stateJSON), formatTime(now), formatTimePtr(as.ExpiresAt))
	if err != nil {
		return nil, storeErr("put agent state", err)
	}
	return as, nil
}

// GetAgentState returns the state blob for (agent, session), treating an
// expired blob as absent.
func (s *SQLiteStore) GetAgentState(ctx context.Context, agentID, sessionID string) (*model.AgentState, error) {
	var stateJSON, updatedAt string
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT state, updated_at, expires_at FROM agent_state WHERE agent_id = ? AND session_id = ?`,
		agentID, sessionID).Scan(&stateJSON, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeMemoryNotFound, "agent state for %s not found", agentID)
	}
	if err != nil {
		return nil, storeErr("get agent state", err)
	}

	as := &model.AgentState{
		AgentID:   agentID,
		SessionID: sessionID,
		UpdatedAt: parseTime(updatedAt),
		ExpiresAt: parseTimePtr(expiresAt),
	}
	if as.ExpiresAt != nil && !as.ExpiresAt.After(time.Now().UTC()) {
		return nil, apperr.NotFound(apperr.CodeMemoryNotFound, "agent state for %s not found", agentID)
	}
	if err := json.Unmarshal([]byte(stateJSON), &as.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return as, nil
}
