// Package protocol defines the wire contract of the request/reply channel.
//
// Each request and response is a single self-describing JSON message.
// The action string is resolved once, at the protocol boundary, into a
// typed Action; payloads decode into per-action structs validated before
// any storage tier is touched.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
)

// Action identifies a dispatchable operation.
type Action string

const (
	ActionCreate        Action = "create"
	ActionRead          Action = "read"
	ActionUpdate        Action = "update"
	ActionDelete        Action = "delete"
	ActionBatchRead     Action = "batch_read"
	ActionSearch        Action = "search"
	ActionCreateSession Action = "create_session"
	ActionEndSession    Action = "end_session"
	ActionAttachMemory  Action = "attach_memory"
	ActionBulkDelete    Action = "bulk_delete"
	ActionSummarize     Action = "summarize"
	ActionStats         Action = "stats"

	// Node-to-node actions used by the replication channel.
	ActionReplicate Action = "replicate"
	ActionDigest    Action = "digest"
	ActionPull      Action = "pull"
)

var actions = map[Action]bool{
	ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true,
	ActionBatchRead: true, ActionSearch: true, ActionCreateSession: true,
	ActionEndSession: true, ActionAttachMemory: true, ActionBulkDelete: true,
	ActionSummarize: true, ActionStats: true,
	ActionReplicate: true, ActionDigest: true, ActionPull: true,
}

// ParseAction resolves the wire action string.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !actions[a] {
		return "", apperr.Validation(apperr.CodeInvalidRequest, "unknown action %q", s)
	}
	return a, nil
}

// Write reports whether the action mutates state. Used for authorization
// and for deciding which operations need an idempotency key on retry.
func (a Action) Write() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionCreateSession,
		ActionEndSession, ActionAttachMemory, ActionBulkDelete, ActionReplicate:
		return true
	}
	return false
}

// Request is one inbound message on a persistent connection.
type Request struct {
	Action    string          `json:"action"`
	SessionID string          `json:"session_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Response is the single reply to a Request. RequestID is echoed verbatim
// so the client can match responses to in-flight requests after a
// reconnect.
type Response struct {
	Status    string     `json:"status"`
	Action    string     `json:"action"`
	RequestID string     `json:"request_id"`
	Data      any        `json:"data,omitempty"`
	Error     *WireError `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// WireError is the error half of a Response.
type WireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Success builds a success response echoing the request.
func Success(req *Request, data any) *Response {
	return &Response{
		Status:    StatusSuccess,
		Action:    req.Action,
		RequestID: req.RequestID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Failure builds an error response from an application error.
func Failure(req *Request, err *apperr.Error) *Response {
	return &Response{
		Status:    StatusError,
		Action:    req.Action,
		RequestID: req.RequestID,
		Error:     &WireError{Code: err.Code, Message: err.Message, Details: err.Details},
		Timestamp: time.Now().UTC(),
	}
}

// CreatePayload creates a memory entry.
type CreatePayload struct {
	MemoryType     string        `json:"memory_type" validate:"required"`
	Content        model.Content `json:"content"`
	Tags           []string      `json:"tags,omitempty" validate:"max=32,dive,required"`
	TTLSeconds     int64         `json:"ttl,omitempty" validate:"min=0"`
	Priority       int           `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	SourceAgent    string        `json:"source_agent,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// ReadPayload reads one memory entry.
type ReadPayload struct {
	MemoryID string `json:"memory_id" validate:"required"`
}

// UpdatePayload patches a memory entry. Nil fields are left untouched;
// a non-nil TTL refreshes expires_at from now.
type UpdatePayload struct {
	MemoryID   string         `json:"memory_id" validate:"required"`
	Content    *model.Content `json:"content,omitempty"`
	Tags       []string       `json:"tags,omitempty" validate:"max=32,dive,required"`
	Priority   *int           `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	TTLSeconds *int64         `json:"ttl,omitempty"`
}

// DeletePayload soft-deletes a memory entry.
type DeletePayload struct {
	MemoryID string `json:"memory_id" validate:"required"`
}

// BatchReadPayload reads up to 100 entries at once.
type BatchReadPayload struct {
	MemoryIDs []string `json:"memory_ids" validate:"required,min=1,max=100,dive,required"`
}

// Search types.
const (
	SearchSemantic = "semantic"
	SearchKeyword  = "keyword"
	SearchHybrid   = "hybrid"
)

// TimeRange bounds a search by created_at.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// SearchFilters narrows a search.
type SearchFilters struct {
	MemoryTypes   []string   `json:"memory_types,omitempty" validate:"dive,required"`
	TimeRange     *TimeRange `json:"time_range,omitempty"`
	Tags          []string   `json:"tags,omitempty" validate:"dive,required"`
	SessionID     string     `json:"session_id,omitempty"`
	MinSimilarity float64    `json:"min_similarity,omitempty" validate:"min=0,max=1"`
	Limit         int        `json:"limit,omitempty" validate:"min=0,max=100"`
}

// SearchPayload queries the vector index and/or the keyword index.
type SearchPayload struct {
	Query      string        `json:"query" validate:"required"`
	SearchType string        `json:"search_type,omitempty" validate:"omitempty,oneof=semantic keyword hybrid"`
	Filters    SearchFilters `json:"filters,omitempty"`
}

// SearchResult is one hit.
type SearchResult struct {
	MemoryID        string        `json:"memory_id"`
	MemoryType      string        `json:"memory_type"`
	Content         model.Content `json:"content"`
	Tags            []string      `json:"tags,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	SimilarityScore *float64      `json:"similarity_score,omitempty"`
}

// SearchData is the data half of a search response.
type SearchData struct {
	Results    []SearchResult `json:"results"`
	TotalCount int            `json:"total_count"`
}

// CreateSessionPayload opens a session.
type CreateSessionPayload struct {
	UserID      string         `json:"user_id,omitempty"`
	SessionType string         `json:"session_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EndSessionPayload ends a session. SessionID falls back to the request's
// top-level session_id. Summarize asks the server to produce a summary
// when none is supplied.
type EndSessionPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Archive   bool   `json:"archive,omitempty"`
	Summarize bool   `json:"summarize,omitempty"`
}

// AttachMemoryPayload associates an entry with an active session.
type AttachMemoryPayload struct {
	SessionID string `json:"session_id,omitempty"`
	MemoryID  string `json:"memory_id" validate:"required"`
}

// BulkDeletePayload soft-deletes entries by ids or by criteria. At least
// one selector must be present.
type BulkDeletePayload struct {
	MemoryIDs  []string   `json:"memory_ids,omitempty" validate:"max=1000,dive,required"`
	MemoryType string     `json:"memory_type,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	OlderThan  *time.Time `json:"older_than,omitempty"`
}

// SummarizePayload summarizes a session's recent entries without ending it.
type SummarizePayload struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty" validate:"min=0,max=200"`
}

// QueryData is the data half of batch reads and bulk deletes.
type QueryData struct {
	Results    []model.MemoryEntry `json:"results,omitempty"`
	TotalCount int                 `json:"total_count"`
	Deleted    int                 `json:"deleted,omitempty"`
}

// ReplicaRecord is one replicated state change on the node channel. Seq
// orders records from one node; Snapshot is the full entity state.
type ReplicaRecord struct {
	Seq       int64           `json:"seq,omitempty"`
	NodeID    string          `json:"node_id"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Op        string          `json:"op"`
	Snapshot  json.RawMessage `json:"snapshot"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// ReplicatePayload delivers a batch of outbox records to the peer.
type ReplicatePayload struct {
	NodeID  string          `json:"node_id" validate:"required"`
	Records []ReplicaRecord `json:"records" validate:"required,min=1,max=500"`
}

// ReplicateData acknowledges an applied batch.
type ReplicateData struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// EntityDigest summarizes one entity type for reconciliation.
type EntityDigest struct {
	Count        int64     `json:"count"`
	MaxUpdatedAt time.Time `json:"max_updated_at"`
}

// DigestPayload asks the peer for its per-entity digests.
type DigestPayload struct {
	NodeID string `json:"node_id" validate:"required"`
}

// DigestData is the peer's digest reply, keyed by entity type.
type DigestData struct {
	NodeID  string                  `json:"node_id"`
	Digests map[string]EntityDigest `json:"digests"`
}

// PullPayload requests full snapshots updated after Since, for repair.
type PullPayload struct {
	Entity string     `json:"entity" validate:"required,oneof=memory session"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty" validate:"min=0,max=500"`
}

// PullData carries the pulled snapshots, oldest first.
type PullData struct {
	Records []ReplicaRecord `json:"records"`
}
