// Package replication keeps two nodes convergent: an outbox sender
// streams local writes to the peer, and a reconciler exchanges digests
// and pulls snapshots to repair drift. Delivery is at least once;
// conflicts resolve last-write-wins with the primary winning ties.
package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/protocol"
)

// Client is a request/reply websocket client for the peer node. Calls
// are serialized; a transport error drops the connection and the next
// call redials.
type Client struct {
	url     string
	nodeID  string
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient builds a peer client for the given websocket URL.
func NewClient(url, nodeID string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{url: url, nodeID: nodeID, timeout: timeout, logger: logger}
}

// Call sends one request and waits for its reply. An error status in
// the reply surfaces as the decoded application error.
func (c *Client) Call(ctx context.Context, action protocol.Action, payload any) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	req := protocol.Request{
		Action:    string(action),
		AgentID:   c.nodeID,
		Payload:   raw,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}

	resp, err := c.roundTrip(ctx, &req)
	if err != nil {
		// One redial covers the case of a peer restart between calls.
		c.closeLocked()
		if resp, err = c.roundTrip(ctx, &req); err != nil {
			c.closeLocked()
			return nil, err
		}
	}

	if resp.Status != protocol.StatusSuccess {
		wireErr := resp.Error
		if wireErr == nil {
			wireErr = &protocol.WireError{Code: apperr.CodeInternalError, Message: "peer error with no detail"}
		}
		return nil, apperr.Unavailable(apperr.CodeStorageError, "peer rejected %s: %s (%s)",
			action, wireErr.Message, wireErr.Code)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, apperr.Unavailable(apperr.CodeStorageError, "write to peer: %v", err)
	}

	_ = c.conn.SetReadDeadline(deadline)
	var resp protocol.Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return nil, apperr.Unavailable(apperr.CodeStorageError, "read from peer: %v", err)
	}
	if resp.RequestID != req.RequestID {
		return nil, apperr.Unavailable(apperr.CodeStorageError,
			"peer reply id mismatch: got %s want %s", resp.RequestID, req.RequestID)
	}
	return &resp, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return apperr.Unavailable(apperr.CodeStorageError, "dial peer %s: %v", c.url, err)
	}
	c.conn = conn
	c.logger.Info("connected to peer", zap.String("url", c.url))
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close drops the peer connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
