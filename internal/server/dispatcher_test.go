package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/auth"
	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/protocol"
)

func newTestDispatcher(t *testing.T, authorizer auth.Authorizer, limiter auth.RateLimiter) (*Dispatcher, *Service) {
	t.Helper()
	svc := newTestService(t, nil)
	if authorizer == nil {
		authorizer = auth.AllowAll{}
	}
	if limiter == nil {
		limiter = auth.Unlimited{}
	}
	return NewDispatcher(svc, authorizer, limiter, svc.metrics, time.Second, zap.NewNop()), svc
}

func dispatch(t *testing.T, d *Dispatcher, action, requestID string, payload any) *protocol.Response {
	t.Helper()
	req := &protocol.Request{Action: action, RequestID: requestID, Timestamp: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		req.Payload = raw
	}
	return d.Dispatch(context.Background(), req)
}

func TestDispatchCreateThenRead(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	created := dispatch(t, d, "create", "r1", map[string]any{
		"memory_type": "conversation",
		"content":     map[string]any{"text": "dispatched entry"},
	})
	require.Equal(t, protocol.StatusSuccess, created.Status)
	assert.Equal(t, "r1", created.RequestID)
	entry, ok := created.Data.(*model.MemoryEntry)
	require.True(t, ok)

	read := dispatch(t, d, "read", "r2", map[string]any{"memory_id": entry.ID})
	require.Equal(t, protocol.StatusSuccess, read.Status)
	got, ok := read.Data.(*model.MemoryEntry)
	require.True(t, ok)
	assert.Equal(t, "dispatched entry", got.Content.Text)
}

func TestHandleMessageMalformed(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	resp := d.HandleMessage(context.Background(), []byte(`{"action":`))
	require.Equal(t, protocol.StatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeInvalidRequest, resp.Error.Code)
	assert.Empty(t, resp.RequestID)
}

func TestDispatchErrorCodes(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	cases := []struct {
		name    string
		action  string
		payload any
		code    string
	}{
		{"unknown action", "explode", nil, apperr.CodeInvalidRequest},
		{"missing memory", "read", map[string]any{"memory_id": "nope"}, apperr.CodeMemoryNotFound},
		{"missing session", "end_session", map[string]any{"session_id": "nope"}, apperr.CodeSessionNotFound},
		{"bad payload", "create", map[string]any{"memory_type": "bogus", "content": map[string]any{"text": "x"}}, apperr.CodeValidationError},
		{"empty patch", "update", map[string]any{"memory_id": "m1"}, apperr.CodeValidationError},
		{"replication off", "replicate", map[string]any{"node_id": "n1", "records": []map[string]any{{"node_id": "n1", "entity": "memory", "entity_id": "m1", "op": "create", "snapshot": map[string]any{}}}}, apperr.CodeInvalidRequest},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := dispatch(t, d, tc.action, "r"+string(rune('0'+i)), tc.payload)
			require.Equal(t, protocol.StatusError, resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestDispatchPermissionDenied(t *testing.T) {
	readOnly := &auth.Static{DefaultScopes: []auth.Scope{auth.ScopeRead}}
	d, _ := newTestDispatcher(t, readOnly, nil)

	resp := dispatch(t, d, "create", "r1", map[string]any{
		"memory_type": "conversation",
		"content":     map[string]any{"text": "denied"},
	})
	require.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, apperr.CodePermissionDenied, resp.Error.Code)
}

func TestDispatchRateLimit(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, auth.NewTokenBucket(1, time.Hour))

	req := &protocol.Request{Action: "stats", AgentID: "agent-1", RequestID: "r1", Timestamp: time.Now()}
	resp := d.Dispatch(context.Background(), req)
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	req.RequestID = "r2"
	resp = d.Dispatch(context.Background(), req)
	require.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, apperr.CodeRateLimitExceeded, resp.Error.Code)

	// Requests without an agent id are not throttled.
	anon := &protocol.Request{Action: "stats", RequestID: "r3", Timestamp: time.Now()}
	resp = d.Dispatch(context.Background(), anon)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
}

func TestDispatchWritesAccessLog(t *testing.T) {
	d, svc := newTestDispatcher(t, nil, nil)

	dispatch(t, d, "read", "r1", map[string]any{"memory_id": "missing"})

	entries, err := svc.store.RecentAccess(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "read", entries[0].Operation)
	assert.Equal(t, "missing", entries[0].MemoryID)
	assert.False(t, entries[0].Success)
	assert.Equal(t, apperr.CodeMemoryNotFound, entries[0].Error)
}

func TestAccessLogCarriesCreatedMemoryID(t *testing.T) {
	d, svc := newTestDispatcher(t, nil, nil)

	created := dispatch(t, d, "create", "r1", map[string]any{
		"memory_type": "conversation",
		"content":     map[string]any{"text": "audited"},
	})
	require.Equal(t, protocol.StatusSuccess, created.Status)
	entry := created.Data.(*model.MemoryEntry)

	dispatch(t, d, "delete", "r2", map[string]any{"memory_id": entry.ID})

	entries, err := svc.store.RecentAccess(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "delete", entries[0].Operation)
	assert.Equal(t, entry.ID, entries[0].MemoryID)
	assert.Equal(t, "create", entries[1].Operation)
	assert.Equal(t, entry.ID, entries[1].MemoryID, "creates log the id the store assigned")
}
