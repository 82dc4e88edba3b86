package replication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/metrics"
	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/store"
)

// SenderConfig tunes the outbox drain loop.
type SenderConfig struct {
	NodeID         string
	Interval       time.Duration
	BatchSize      int
	AlertThreshold int64
	OutboxRetain   time.Duration
}

// Sender drains the replication outbox to the peer. Records leave in
// id order, so per-entity ordering holds; the peer applies them
// idempotently, so redelivery after a partial failure is safe.
type Sender struct {
	store   *store.SQLiteStore
	client  *Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     SenderConfig

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewSender builds a Sender.
func NewSender(st *store.SQLiteStore, client *Client, m *metrics.Metrics, cfg SenderConfig, logger *zap.Logger) *Sender {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.OutboxRetain <= 0 {
		cfg.OutboxRetain = 24 * time.Hour
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "replication-peer",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("replication breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Sender{
		store:       st,
		client:      client,
		breaker:     breaker,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (s *Sender) Start(ctx context.Context) {
	go s.processLoop(ctx)
	s.logger.Info("outbox sender started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))
}

// Stop halts the drain loop and waits for it to exit.
func (s *Sender) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
	s.logger.Info("outbox sender stopped")
}

func (s *Sender) processLoop(ctx context.Context) {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

// drainOnce ships one batch of pending records and updates the backlog
// gauge. The queue is unbounded; past the alert threshold every pass
// logs a warning.
func (s *Sender) drainOnce(ctx context.Context) {
	backlog, err := s.store.OutboxBacklog(ctx)
	if err != nil {
		s.logger.Error("outbox backlog count failed", zap.Error(err))
		return
	}
	s.metrics.OutboxBacklog.Set(float64(backlog))
	if s.cfg.AlertThreshold > 0 && backlog > s.cfg.AlertThreshold {
		s.logger.Warn("replication outbox backlog past threshold",
			zap.Int64("backlog", backlog),
			zap.Int64("threshold", s.cfg.AlertThreshold))
	}
	if backlog == 0 {
		return
	}

	pending, err := s.store.PendingOutbox(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("pending outbox read failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	records := make([]protocol.ReplicaRecord, len(pending))
	ids := make([]int64, len(pending))
	for i, rec := range pending {
		records[i] = toWire(rec)
		ids[i] = rec.ID
	}

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.send(ctx, records)
	})
	if err != nil {
		s.metrics.ReplicationFails.Inc()
		if bumpErr := s.store.BumpOutboxAttempts(ctx, ids); bumpErr != nil {
			s.logger.Error("bump outbox attempts failed", zap.Error(bumpErr))
		}
		s.logger.Warn("replication batch failed",
			zap.Int("records", len(records)),
			zap.Error(err))
		return
	}

	if err := s.store.MarkOutboxSent(ctx, ids); err != nil {
		// Records stay pending and redeliver; the peer's apply is
		// idempotent under last-write-wins.
		s.logger.Error("mark outbox sent failed", zap.Error(err))
		return
	}
	s.metrics.ReplicationSent.Add(float64(len(ids)))
	s.logger.Debug("replicated batch", zap.Int("records", len(ids)))

	if err := s.store.PruneOutbox(ctx, s.cfg.OutboxRetain); err != nil {
		s.logger.Warn("outbox prune failed", zap.Error(err))
	}
}

// send delivers one batch with bounded exponential retry inside a
// single breaker execution.
func (s *Sender) send(ctx context.Context, records []protocol.ReplicaRecord) error {
	payload := protocol.ReplicatePayload{NodeID: s.cfg.NodeID, Records: records}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		resp, err := s.client.Call(ctx, protocol.ActionReplicate, payload)
		if err != nil {
			return err
		}
		var data protocol.ReplicateData
		if raw, err := json.Marshal(resp.Data); err == nil {
			_ = json.Unmarshal(raw, &data)
		}
		if data.Skipped > 0 {
			s.logger.Debug("peer skipped stale records", zap.Int("skipped", data.Skipped))
		}
		return nil
	}, policy)
}
