package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/auth"
	"github.com/becomeliminal/memoryd/internal/metrics"
	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/protocol"
)

// Dispatcher resolves each inbound message into exactly one response:
// decode, authorize, throttle, validate, call the service, map the
// error. Every failure path carries a stable wire code and echoes the
// request id.
type Dispatcher struct {
	codec       *protocol.Codec
	service     *Service
	authorizer  auth.Authorizer
	limiter     auth.RateLimiter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	callTimeout time.Duration
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(svc *Service, authorizer auth.Authorizer, limiter auth.RateLimiter,
	m *metrics.Metrics, callTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Dispatcher{
		codec:       protocol.NewCodec(),
		service:     svc,
		authorizer:  authorizer,
		limiter:     limiter,
		metrics:     m,
		logger:      logger,
		callTimeout: callTimeout,
	}
}

// HandleMessage processes one raw wire message. Malformed envelopes
// still produce a response so the client's pending call resolves; a
// missing request id is echoed back empty.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) *protocol.Response {
	req, err := d.codec.DecodeRequest(raw)
	if err != nil {
		d.metrics.Requests.WithLabelValues("unknown", protocol.StatusError).Inc()
		return protocol.Failure(&protocol.Request{}, apperr.From(err))
	}
	return d.Dispatch(ctx, req)
}

// Dispatch routes a decoded request to its handler and builds the
// response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	started := time.Now()

	action, err := protocol.ParseAction(req.Action)
	if err != nil {
		return d.finish(req, "unknown", started, nil, err)
	}

	if err := d.authorizer.Authorize(ctx, req.AgentID, action); err != nil {
		return d.finish(req, string(action), started, nil, err)
	}

	if req.AgentID != "" {
		allowed, err := d.limiter.Allow(ctx, req.AgentID)
		if err != nil {
			return d.finish(req, string(action), started, nil, err)
		}
		if !allowed {
			return d.finish(req, string(action), started, nil,
				apperr.RateLimited("agent %s exceeded request rate", req.AgentID))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	data, err := d.call(ctx, action, req)
	return d.finish(req, string(action), started, data, err)
}

func (d *Dispatcher) call(ctx context.Context, action protocol.Action, req *protocol.Request) (any, error) {
	switch action {
	case protocol.ActionCreate:
		var p protocol.CreatePayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.Create(ctx, req.SessionID, &p)
	case protocol.ActionRead:
		var p protocol.ReadPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.Read(ctx, &p)
	case protocol.ActionUpdate:
		var p protocol.UpdatePayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.Update(ctx, &p)
	case protocol.ActionDelete:
		var p protocol.DeletePayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return map[string]any{"memory_id": p.MemoryID, "deleted": true}, d.service.Delete(ctx, &p)
	case protocol.ActionBatchRead:
		var p protocol.BatchReadPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.BatchRead(ctx, &p)
	case protocol.ActionSearch:
		var p protocol.SearchPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.Search(ctx, &p)
	case protocol.ActionCreateSession:
		var p protocol.CreateSessionPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.CreateSession(ctx, &p)
	case protocol.ActionEndSession:
		var p protocol.EndSessionPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.EndSession(ctx, req.SessionID, &p)
	case protocol.ActionAttachMemory:
		var p protocol.AttachMemoryPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return map[string]any{"memory_id": p.MemoryID, "attached": true},
			d.service.AttachMemory(ctx, req.SessionID, &p)
	case protocol.ActionBulkDelete:
		var p protocol.BulkDeletePayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.BulkDelete(ctx, &p)
	case protocol.ActionSummarize:
		var p protocol.SummarizePayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		text, err := d.service.Summarize(ctx, req.SessionID, &p)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summary": text}, nil
	case protocol.ActionStats:
		return d.service.Stats(ctx)
	case protocol.ActionReplicate:
		var p protocol.ReplicatePayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.Replicate(ctx, &p)
	case protocol.ActionDigest:
		var p protocol.DigestPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.Digest(ctx, &p)
	case protocol.ActionPull:
		var p protocol.PullPayload
		if err := d.codec.DecodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return d.service.Pull(ctx, &p)
	default:
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "unknown action %q", req.Action)
	}
}

// finish maps the outcome to a response, records metrics and appends
// the access log entry.
func (d *Dispatcher) finish(req *protocol.Request, action string, started time.Time, data any, err error) *protocol.Response {
	elapsed := time.Since(started)
	d.metrics.RequestDuration.WithLabelValues(action).Observe(elapsed.Seconds())

	var resp *protocol.Response
	status := protocol.StatusSuccess
	if err != nil {
		status = protocol.StatusError
		appErr := apperr.From(err)
		if appErr.Kind == apperr.KindInternal {
			d.logger.Error("request failed",
				zap.String("action", action),
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
		resp = protocol.Failure(req, appErr)
	} else {
		resp = protocol.Success(req, data)
	}
	d.metrics.Requests.WithLabelValues(action, status).Inc()

	// Access log failures never affect the response.
	entry := model.AccessLogEntry{
		MemoryID:  memoryIDFor(req, data),
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Operation: action,
		Success:   err == nil,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		entry.Error = apperr.From(err).Code
	}
	logCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if logErr := d.service.store.AppendAccess(logCtx, entry); logErr != nil {
		d.logger.Debug("access log append failed", zap.Error(logErr))
	}
	return resp
}

// memoryIDFor resolves the entry an operation touched, for the audit
// trail: the returned entry for creates and reads, the payload's
// memory_id for everything else that addresses a single entry.
func memoryIDFor(req *protocol.Request, data any) string {
	if entry, ok := data.(*model.MemoryEntry); ok {
		return entry.ID
	}
	var p struct {
		MemoryID string `json:"memory_id"`
	}
	if len(req.Payload) > 0 && json.Unmarshal(req.Payload, &p) == nil {
		return p.MemoryID
	}
	return ""
}
