package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/cache"
	"github.com/becomeliminal/memoryd/internal/metrics"
	"github.com/becomeliminal/memoryd/internal/store"
	"github.com/becomeliminal/memoryd/internal/vector"
)

// Sweeper runs periodic maintenance: dropping expired cache entries and
// hard-purging rows soft-deleted or expired past the retention window,
// with their vectors.
type Sweeper struct {
	store     *store.SQLiteStore
	vectors   *vector.Index
	cache     *cache.Cache
	metrics   *metrics.Metrics
	logger    *zap.Logger
	interval  time.Duration
	retention time.Duration

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewSweeper builds a Sweeper.
func NewSweeper(st *store.SQLiteStore, vx *vector.Index, c *cache.Cache, m *metrics.Metrics,
	interval, retention time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Sweeper{
		store:       st,
		vectors:     vx,
		cache:       c,
		metrics:     m,
		logger:      logger,
		interval:    interval,
		retention:   retention,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention))
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one maintenance pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if evicted := s.cache.Sweep(); evicted > 0 {
		s.logger.Debug("cache sweep", zap.Int("expired", evicted))
	}

	purged, err := s.store.PurgeExpired(ctx, time.Now().UTC(), s.retention)
	if err != nil {
		s.logger.Error("purge failed", zap.Error(err))
		return
	}
	for _, id := range purged {
		s.cache.Invalidate(id)
		if err := s.vectors.Remove(ctx, id); err != nil {
			s.logger.Warn("vector remove failed", zap.String("memory_id", id), zap.Error(err))
		}
	}
	if len(purged) > 0 {
		s.metrics.MemoriesPurged.Add(float64(len(purged)))
		s.logger.Info("purged entries", zap.Int("count", len(purged)))
	}
}
