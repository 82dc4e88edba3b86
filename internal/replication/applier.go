package replication

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/store"
)

// Applier handles the node-to-node half of the protocol: applying
// replicated batches, answering digest requests, and serving snapshot
// pulls.
type Applier struct {
	store   *store.SQLiteStore
	nodeID  string
	tieWins bool
	logger  *zap.Logger
}

// NewApplier builds an Applier. tieWins is set when the peer is the
// designated primary, so its records win timestamp ties.
func NewApplier(st *store.SQLiteStore, nodeID string, tieWins bool, logger *zap.Logger) *Applier {
	return &Applier{store: st, nodeID: nodeID, tieWins: tieWins, logger: logger}
}

// Replicate applies a batch from the peer. Each record upserts under
// last-write-wins, so redelivered batches are harmless. A storage error
// fails the whole batch; the peer redelivers it.
func (a *Applier) Replicate(ctx context.Context, p *protocol.ReplicatePayload) (*protocol.ReplicateData, error) {
	data := &protocol.ReplicateData{}
	for _, rec := range p.Records {
		applied, err := a.store.ApplyReplicated(ctx, fromWire(rec), a.tieWins)
		if err != nil {
			a.logger.Error("apply replicated record failed",
				zap.String("entity", rec.Entity),
				zap.String("entity_id", rec.EntityID),
				zap.Error(err))
			return nil, apperr.From(err)
		}
		if applied {
			data.Applied++
		} else {
			data.Skipped++
		}
	}
	a.logger.Debug("applied replication batch",
		zap.String("from", p.NodeID),
		zap.Int("applied", data.Applied),
		zap.Int("skipped", data.Skipped))
	return data, nil
}

// Digest reports this node's per-entity counts and high-water marks.
func (a *Applier) Digest(ctx context.Context, _ *protocol.DigestPayload) (*protocol.DigestData, error) {
	digests, err := a.store.Digest(ctx)
	if err != nil {
		return nil, apperr.From(err)
	}
	out := &protocol.DigestData{NodeID: a.nodeID, Digests: make(map[string]protocol.EntityDigest, len(digests))}
	for entity, d := range digests {
		out.Digests[entity] = protocol.EntityDigest{Count: d.Count, MaxUpdatedAt: d.MaxUpdatedAt}
	}
	return out, nil
}

// Pull serves full snapshots updated after the requested point, oldest
// first, for the peer's reconciler.
func (a *Applier) Pull(ctx context.Context, p *protocol.PullPayload) (*protocol.PullData, error) {
	var since time.Time
	if p.Since != nil {
		since = *p.Since
	}
	records, err := a.store.EntriesSince(ctx, p.Entity, since, p.Limit)
	if err != nil {
		return nil, apperr.From(err)
	}
	out := &protocol.PullData{Records: make([]protocol.ReplicaRecord, len(records))}
	for i, rec := range records {
		out.Records[i] = toWire(rec)
	}
	return out, nil
}
