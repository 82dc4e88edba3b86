// Package model defines the entities stored by the memory orchestrator.
//
// A MemoryEntry is the atomic unit of stored knowledge. Sessions group
// entries produced during one interaction episode. Tags, relationships and
// embeddings hang off entries; the access log records every operation for
// audit.
package model

import "time"

// MemoryType classifies a memory entry.
type MemoryType string

const (
	MemoryTypeConversation   MemoryType = "conversation"
	MemoryTypeContext        MemoryType = "context"
	MemoryTypeUserPreference MemoryType = "user_preference"
	MemoryTypeAgentState     MemoryType = "agent_state"
	MemoryTypeEntity         MemoryType = "entity"
	MemoryTypeInteraction    MemoryType = "interaction"
)

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypeConversation, MemoryTypeContext, MemoryTypeUserPreference,
		MemoryTypeAgentState, MemoryTypeEntity, MemoryTypeInteraction:
		return true
	}
	return false
}

// DefaultPriority is assigned to entries created without an explicit priority.
const DefaultPriority = 5

// Content is the semi-typed payload of a memory entry: a text field plus
// free-form metadata.
type Content struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryEntry is the atomic unit of stored knowledge.
//
// Entries are never physically deleted through the normal delete path;
// they are marked inactive and retained for audit until a hard purge.
type MemoryEntry struct {
	ID             string     `json:"memory_id"`
	MemoryType     MemoryType `json:"memory_type"`
	Content        Content    `json:"content"`
	SourceAgent    string     `json:"source_agent,omitempty"`
	Priority       int        `json:"priority"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsActive       bool       `json:"is_active"`
	AccessCount    int        `json:"access_count,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// IdempotencyKey is the client-supplied token that made this create
	// safe to retry, if one was given.
	IdempotencyKey string `json:"-"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
// Expiration is absolute: an expired entry is purged regardless of priority.
func (m *MemoryEntry) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// SessionState is the lifecycle position of a session.
type SessionState string

const (
	SessionActive   SessionState = "active"
	SessionEnded    SessionState = "ended"
	SessionArchived SessionState = "archived"
)

// Session groups related memory entries from one interaction episode.
type Session struct {
	ID          string         `json:"session_id"`
	UserID      string         `json:"user_id,omitempty"`
	SessionType string         `json:"session_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Summary     *string        `json:"summary,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	IsArchived  bool           `json:"is_archived"`
}

// State derives the lifecycle state from ended_at and is_archived.
func (s *Session) State() SessionState {
	switch {
	case s.IsArchived:
		return SessionArchived
	case s.EndedAt != nil:
		return SessionEnded
	default:
		return SessionActive
	}
}

// Active reports whether the session still accepts memory associations.
func (s *Session) Active() bool {
	return s.State() == SessionActive
}

// Relationship is a directed, typed edge between two memory entries.
// (source, target, type) triples are unique and both endpoints must exist.
type Relationship struct {
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	RelType   string    `json:"rel_type"`
	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingMeta records that a vector exists for a (memory, model) pair.
// The vector itself lives in the vector index, not the relational store.
type EmbeddingMeta struct {
	MemoryID   string    `json:"memory_id"`
	Model      string    `json:"embedding_model"`
	Dimensions int       `json:"dimensions"`
	CreatedAt  time.Time `json:"created_at"`
}

// AccessLogEntry is an append-only audit record of one operation.
type AccessLogEntry struct {
	ID        int64     `json:"id"`
	MemoryID  string    `json:"memory_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Operation string    `json:"operation"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentState is a per-agent, optionally per-session, opaque state blob
// with its own TTL. Unique per (agent_id, session_id).
type AgentState struct {
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	State     map[string]any `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}
