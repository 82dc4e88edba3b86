package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/protocol"
)

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr), "expected apperr.Error, got %v", err)
	return appErr.Code
}

func TestDecodeRequest(t *testing.T) {
	c := protocol.NewCodec()

	req, err := c.DecodeRequest([]byte(`{"action":"read","request_id":"r1","payload":{"memory_id":"m1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "read", req.Action)
	assert.Equal(t, "r1", req.RequestID)
}

func TestDecodeRequestRejectsBadEnvelopes(t *testing.T) {
	c := protocol.NewCodec()

	cases := map[string]string{
		"malformed json":     `{"action":`,
		"missing request_id": `{"action":"read"}`,
		"missing action":     `{"request_id":"r1"}`,
		"blank request_id":   `{"action":"read","request_id":"  "}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeRequest([]byte(raw))
			assert.Equal(t, apperr.CodeInvalidRequest, wireCode(t, err))
		})
	}
}

func TestParseAction(t *testing.T) {
	a, err := protocol.ParseAction("search")
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionSearch, a)
	assert.False(t, a.Write())
	assert.True(t, protocol.ActionCreate.Write())

	_, err = protocol.ParseAction("drop_tables")
	assert.Equal(t, apperr.CodeInvalidRequest, wireCode(t, err))
}

func TestDecodeCreatePayload(t *testing.T) {
	c := protocol.NewCodec()

	var p protocol.CreatePayload
	err := c.DecodePayload(json.RawMessage(`{
		"memory_type":"conversation",
		"content":{"text":"note to self"},
		"tags":["a","b"],
		"ttl":60,
		"priority":7
	}`), &p)
	require.NoError(t, err)
	assert.Equal(t, int64(60), p.TTLSeconds)
	assert.Equal(t, 7, p.Priority)
}

func TestCreatePayloadValidation(t *testing.T) {
	c := protocol.NewCodec()

	cases := map[string]string{
		"unknown type": `{"memory_type":"gossip","content":{"text":"x"}}`,
		"empty text":   `{"memory_type":"conversation","content":{"text":"  "}}`,
		"bad priority": `{"memory_type":"conversation","content":{"text":"x"},"priority":11}`,
		"negative ttl": `{"memory_type":"conversation","content":{"text":"x"},"ttl":-5}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var p protocol.CreatePayload
			err := c.DecodePayload(json.RawMessage(raw), &p)
			assert.Equal(t, apperr.CodeValidationError, wireCode(t, err))
		})
	}
}

func TestUpdatePayloadRejectsEmptyPatch(t *testing.T) {
	c := protocol.NewCodec()

	var p protocol.UpdatePayload
	err := c.DecodePayload(json.RawMessage(`{"memory_id":"m1"}`), &p)
	assert.Equal(t, apperr.CodeValidationError, wireCode(t, err))
}

func TestSearchPayloadTimeRange(t *testing.T) {
	c := protocol.NewCodec()

	from := time.Now().Format(time.RFC3339)
	to := time.Now().Add(-time.Hour).Format(time.RFC3339)
	var p protocol.SearchPayload
	err := c.DecodePayload(json.RawMessage(
		`{"query":"q","filters":{"time_range":{"from":"`+from+`","to":"`+to+`"}}}`), &p)
	assert.Equal(t, apperr.CodeValidationError, wireCode(t, err))
}

func TestBulkDeleteNeedsSelector(t *testing.T) {
	c := protocol.NewCodec()

	var p protocol.BulkDeletePayload
	err := c.DecodePayload(json.RawMessage(`{}`), &p)
	assert.Equal(t, apperr.CodeValidationError, wireCode(t, err))

	var ok protocol.BulkDeletePayload
	err = c.DecodePayload(json.RawMessage(`{"memory_type":"conversation"}`), &ok)
	assert.NoError(t, err)
}

func TestBatchReadLimit(t *testing.T) {
	c := protocol.NewCodec()

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = "m"
	}
	raw, err := json.Marshal(map[string]any{"memory_ids": ids})
	require.NoError(t, err)

	var p protocol.BatchReadPayload
	err = c.DecodePayload(raw, &p)
	assert.Equal(t, apperr.CodeValidationError, wireCode(t, err))
}

func TestResponseHelpersEchoRequestID(t *testing.T) {
	req := &protocol.Request{Action: "read", RequestID: "r9"}

	ok := protocol.Success(req, map[string]any{"x": 1})
	assert.Equal(t, protocol.StatusSuccess, ok.Status)
	assert.Equal(t, "r9", ok.RequestID)

	fail := protocol.Failure(req, apperr.NotFound(apperr.CodeMemoryNotFound, "memory m1 not found"))
	assert.Equal(t, protocol.StatusError, fail.Status)
	assert.Equal(t, "r9", fail.RequestID)
	require.NotNil(t, fail.Error)
	assert.Equal(t, apperr.CodeMemoryNotFound, fail.Error.Code)
}
