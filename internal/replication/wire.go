package replication

import (
	"github.com/becomeliminal/memoryd/internal/protocol"
	"github.com/becomeliminal/memoryd/internal/store"
)

func toWire(rec store.OutboxRecord) protocol.ReplicaRecord {
	return protocol.ReplicaRecord{
		Seq:       rec.ID,
		NodeID:    rec.NodeID,
		Entity:    rec.Entity,
		EntityID:  rec.EntityID,
		Op:        rec.Op,
		Snapshot:  rec.Payload,
		UpdatedAt: rec.CreatedAt,
	}
}

func fromWire(rec protocol.ReplicaRecord) store.OutboxRecord {
	return store.OutboxRecord{
		ID:       rec.Seq,
		NodeID:   rec.NodeID,
		Entity:   rec.Entity,
		EntityID: rec.EntityID,
		Op:       rec.Op,
		Payload:  rec.Snapshot,
	}
}
