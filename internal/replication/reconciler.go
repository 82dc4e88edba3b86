package replication

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/store"
)

// reconcileOverlap backdates each pull so writes racing the previous
// digest exchange are not missed. Redundant pulls are harmless under
// last-write-wins.
const reconcileOverlap = time.Minute

// ReconcilerConfig tunes the digest loop.
type ReconcilerConfig struct {
	NodeID   string
	Interval time.Duration
	// TieWins is set when the peer is the designated primary.
	TieWins bool
}

// peerCaller is the request surface the reconciler needs from the peer
// connection.
type peerCaller interface {
	Call(ctx context.Context, action protocol.Action, payload any) (*protocol.Response, error)
}

// Reconciler periodically compares per-entity digests with the peer and
// pulls full snapshots to repair drift that the outbox stream missed.
type Reconciler struct {
	store  *store.SQLiteStore
	client peerCaller
	logger *zap.Logger
	cfg    ReconcilerConfig

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewReconciler builds a Reconciler.
func NewReconciler(st *store.SQLiteStore, client *Client, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Minute
	}
	return &Reconciler{
		store:       st,
		client:      client,
		logger:      logger,
		cfg:         cfg,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the digest loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx)
	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
}

// Stop halts the digest loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	<-r.stoppedChan
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.stoppedChan)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce exchanges digests and repairs every entity type whose
// digest disagrees with the peer's.
func (r *Reconciler) reconcileOnce(ctx context.Context) {
	local, err := r.store.Digest(ctx)
	if err != nil {
		r.logger.Error("local digest failed", zap.Error(err))
		return
	}

	resp, err := r.client.Call(ctx, protocol.ActionDigest, protocol.DigestPayload{NodeID: r.cfg.NodeID})
	if err != nil {
		r.logger.Warn("peer digest failed", zap.Error(err))
		return
	}
	var peer protocol.DigestData
	if raw, err := json.Marshal(resp.Data); err == nil {
		if err := json.Unmarshal(raw, &peer); err != nil {
			r.logger.Error("decode peer digest failed", zap.Error(err))
			return
		}
	}

	for entity, localDigest := range local {
		peerDigest, ok := peer.Digests[entity]
		if !ok {
			continue
		}
		if localDigest.Count == peerDigest.Count &&
			localDigest.MaxUpdatedAt.Equal(peerDigest.MaxUpdatedAt) {
			continue
		}
		r.logger.Info("digest mismatch, repairing",
			zap.String("entity", entity),
			zap.Int64("local_count", localDigest.Count),
			zap.Int64("peer_count", peerDigest.Count))
		r.repair(ctx, entity, localDigest.MaxUpdatedAt)
	}
}

// repair pulls peer snapshots updated after our high-water mark, with
// overlap, and applies them under last-write-wins.
func (r *Reconciler) repair(ctx context.Context, entity string, localMax time.Time) {
	since := localMax.Add(-reconcileOverlap)
	const pageSize = 500

	for {
		sinceCopy := since
		resp, err := r.client.Call(ctx, protocol.ActionPull, protocol.PullPayload{
			Entity: entity,
			Since:  &sinceCopy,
			Limit:  pageSize,
		})
		if err != nil {
			r.logger.Warn("pull failed", zap.String("entity", entity), zap.Error(err))
			return
		}
		var page protocol.PullData
		if raw, err := json.Marshal(resp.Data); err == nil {
			if err := json.Unmarshal(raw, &page); err != nil {
				r.logger.Error("decode pull page failed", zap.Error(err))
				return
			}
		}
		if len(page.Records) == 0 {
			return
		}

		applied := 0
		advanced := false
		for _, rec := range page.Records {
			ok, err := r.store.ApplyReplicated(ctx, fromWire(rec), r.cfg.TieWins)
			if err != nil {
				r.logger.Error("apply pulled record failed",
					zap.String("entity_id", rec.EntityID),
					zap.Error(err))
				return
			}
			if ok {
				applied++
			}
			if rec.UpdatedAt.After(since) {
				since = rec.UpdatedAt
				advanced = true
			}
		}
		r.logger.Info("repair page applied",
			zap.String("entity", entity),
			zap.Int("pulled", len(page.Records)),
			zap.Int("applied", applied))

		if len(page.Records) < pageSize {
			return
		}
		// A full page sharing a single updated_at cannot move the cursor;
		// stop rather than re-pull it forever and let the next digest
		// exchange resume from a fresh high-water mark.
		if !advanced {
			r.logger.Warn("repair stalled on identical timestamps",
				zap.String("entity", entity),
				zap.Time("since", since))
			return
		}
	}
}
