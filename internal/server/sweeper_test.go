package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/protocol"
)

func TestSweepOncePurgesExpired(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	expiring, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "short lived"},
		TTLSeconds: 1,
	})
	require.NoError(t, err)
	keeper, err := svc.Create(ctx, "", &protocol.CreatePayload{
		MemoryType: string(model.MemoryTypeContext),
		Content:    model.Content{Text: "long lived"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, svc.vectors.Count())

	sw := NewSweeper(svc.store, svc.vectors, svc.cache, svc.metrics, time.Minute, time.Hour, zap.NewNop())

	time.Sleep(1100 * time.Millisecond)
	sw.SweepOnce(ctx)

	_, err = svc.Read(ctx, &protocol.ReadPayload{MemoryID: expiring.ID})
	assert.Equal(t, apperr.CodeMemoryNotFound, codeOf(t, err))
	assert.Equal(t, 1, svc.vectors.Count())

	got, err := svc.Read(ctx, &protocol.ReadPayload{MemoryID: keeper.ID})
	require.NoError(t, err)
	assert.Equal(t, "long lived", got.Content.Text)
}

func TestSweeperStartStop(t *testing.T) {
	svc := newTestService(t, nil)
	sw := NewSweeper(svc.store, svc.vectors, svc.cache, svc.metrics, 5*time.Millisecond, time.Hour, zap.NewNop())

	sw.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	sw.Stop()
}
