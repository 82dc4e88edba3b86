package replication

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/store"
)

func newStore(t *testing.T, nodeID string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	if nodeID != "" {
		s.EnableOutbox(nodeID)
	}
	return s
}

func drainWire(t *testing.T, s *store.SQLiteStore) []protocol.ReplicaRecord {
	t.Helper()
	pending, err := s.PendingOutbox(context.Background(), 100)
	require.NoError(t, err)
	out := make([]protocol.ReplicaRecord, len(pending))
	for i, rec := range pending {
		out[i] = toWire(rec)
	}
	return out
}

func TestWireRoundTrip(t *testing.T) {
	rec := store.OutboxRecord{
		ID:        7,
		NodeID:    "node-a",
		Entity:    store.EntityMemory,
		EntityID:  "m1",
		Op:        store.OpUpdate,
		Payload:   []byte(`{"memory_id":"m1"}`),
		CreatedAt: time.Now().UTC(),
	}
	wire := toWire(rec)
	assert.Equal(t, rec.ID, wire.Seq)
	assert.Equal(t, rec.CreatedAt, wire.UpdatedAt)

	back := fromWire(wire)
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.EntityID, back.EntityID)
	assert.Equal(t, rec.Op, back.Op)
	assert.JSONEq(t, string(rec.Payload), string(back.Payload))
}

func TestReplicateAppliesBatch(t *testing.T) {
	primary := newStore(t, "node-a")
	replica := newStore(t, "")
	applier := NewApplier(replica, "node-b", true, zap.NewNop())
	ctx := context.Background()

	entry, err := primary.CreateMemory(ctx, store.CreateMemoryParams{
		MemoryType: model.MemoryTypeContext,
		Content:    model.Content{Text: "replicated fact"},
		Tags:       []string{"sync"},
	})
	require.NoError(t, err)

	data, err := applier.Replicate(ctx, &protocol.ReplicatePayload{
		NodeID:  "node-a",
		Records: drainWire(t, primary),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, data.Applied)
	assert.Equal(t, 0, data.Skipped)

	got, err := replica.GetMemory(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "replicated fact", got.Content.Text)
	assert.Equal(t, []string{"sync"}, got.Tags)
}

func TestReplicateRedeliveryIsSkipped(t *testing.T) {
	primary := newStore(t, "node-a")
	replica := newStore(t, "")
	applier := NewApplier(replica, "node-b", false, zap.NewNop())
	ctx := context.Background()

	_, err := primary.CreateMemory(ctx, store.CreateMemoryParams{
		MemoryType: model.MemoryTypeConversation,
		Content:    model.Content{Text: "once"},
	})
	require.NoError(t, err)

	batch := &protocol.ReplicatePayload{NodeID: "node-a", Records: drainWire(t, primary)}

	first, err := applier.Replicate(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Applied)

	// At-least-once delivery: the same batch again changes nothing.
	second, err := applier.Replicate(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 1, second.Skipped)
}

func TestDigestReflectsAppliedState(t *testing.T) {
	primary := newStore(t, "node-a")
	replica := newStore(t, "")
	applier := NewApplier(replica, "node-b", true, zap.NewNop())
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := primary.CreateMemory(ctx, store.CreateMemoryParams{
			MemoryType: model.MemoryTypeConversation,
			Content:    model.Content{Text: text},
		})
		require.NoError(t, err)
	}
	_, err := applier.Replicate(ctx, &protocol.ReplicatePayload{
		NodeID:  "node-a",
		Records: drainWire(t, primary),
	})
	require.NoError(t, err)

	digest, err := applier.Digest(ctx, &protocol.DigestPayload{NodeID: "node-a"})
	require.NoError(t, err)
	assert.Equal(t, "node-b", digest.NodeID)
	assert.Equal(t, int64(2), digest.Digests[store.EntityMemory].Count)
	assert.False(t, digest.Digests[store.EntityMemory].MaxUpdatedAt.IsZero())
}

func TestPullPagesSnapshots(t *testing.T) {
	s := newStore(t, "node-a")
	applier := NewApplier(s, "node-a", false, zap.NewNop())
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		entry, err := s.CreateMemory(ctx, store.CreateMemoryParams{
			MemoryType: model.MemoryTypeConversation,
			Content:    model.Content{Text: text},
		})
		require.NoError(t, err)
		ids = append(ids, entry.ID)
		time.Sleep(2 * time.Millisecond) // distinct updated_at per row
	}

	page, err := applier.Pull(ctx, &protocol.PullPayload{Entity: "memory", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	since := page.Records[1].UpdatedAt
	rest, err := applier.Pull(ctx, &protocol.PullPayload{Entity: "memory", Since: &since, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rest.Records, 1)
	assert.Equal(t, ids[2], rest.Records[0].EntityID)
}

func TestPullUnknownEntity(t *testing.T) {
	s := newStore(t, "node-a")
	applier := NewApplier(s, "node-a", false, zap.NewNop())

	_, err := applier.Pull(context.Background(), &protocol.PullPayload{Entity: "widget"})
	assert.Error(t, err)
}
