package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/protocol"
)

func TestAllowAll(t *testing.T) {
	var a AllowAll
	assert.NoError(t, a.Authorize(context.Background(), "anyone", protocol.ActionBulkDelete))
}

func TestStaticScopes(t *testing.T) {
	s := &Static{
		Agents: map[string][]Scope{
			"reader": {ScopeRead},
			"writer": {ScopeRead, ScopeWrite},
			"admin":  {ScopeAdmin},
		},
		DefaultScopes: []Scope{ScopeRead},
	}
	ctx := context.Background()

	assert.NoError(t, s.Authorize(ctx, "reader", protocol.ActionRead))
	assert.NoError(t, s.Authorize(ctx, "reader", protocol.ActionSearch))
	assert.Error(t, s.Authorize(ctx, "reader", protocol.ActionCreate))

	assert.NoError(t, s.Authorize(ctx, "writer", protocol.ActionCreate))
	assert.NoError(t, s.Authorize(ctx, "writer", protocol.ActionEndSession))
	assert.Error(t, s.Authorize(ctx, "writer", protocol.ActionBulkDelete))
	assert.Error(t, s.Authorize(ctx, "writer", protocol.ActionStats))

	// Admin covers everything, including the node-to-node channel.
	assert.NoError(t, s.Authorize(ctx, "admin", protocol.ActionReplicate))
	assert.NoError(t, s.Authorize(ctx, "admin", protocol.ActionPull))
	assert.NoError(t, s.Authorize(ctx, "admin", protocol.ActionCreate))

	// Unknown agents fall back to DefaultScopes.
	assert.NoError(t, s.Authorize(ctx, "stranger", protocol.ActionRead))
	assert.Error(t, s.Authorize(ctx, "stranger", protocol.ActionDelete))
}

func TestStaticDenialCode(t *testing.T) {
	s := &Static{DefaultScopes: []Scope{ScopeRead}}
	err := s.Authorize(context.Background(), "nobody", protocol.ActionCreate)

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.CodePermissionDenied, appErr.Code)
}

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic("agent-1=read,write; agent-2=admin", "read")
	require.NoError(t, err)

	assert.Equal(t, []Scope{ScopeRead, ScopeWrite}, s.Agents["agent-1"])
	assert.Equal(t, []Scope{ScopeAdmin}, s.Agents["agent-2"])
	assert.Equal(t, []Scope{ScopeRead}, s.DefaultScopes)

	ctx := context.Background()
	assert.NoError(t, s.Authorize(ctx, "agent-1", protocol.ActionCreate))
	assert.NoError(t, s.Authorize(ctx, "agent-2", protocol.ActionReplicate))
	assert.Error(t, s.Authorize(ctx, "stranger", protocol.ActionCreate))
	assert.NoError(t, s.Authorize(ctx, "stranger", protocol.ActionRead))
}

func TestParseStaticRejectsBadInput(t *testing.T) {
	_, err := ParseStatic("agent-1=read,launch", "")
	assert.Error(t, err, "unknown scope name")

	_, err = ParseStatic("agent-1", "")
	assert.Error(t, err, "missing scope list")

	_, err = ParseStatic("", "everything")
	assert.Error(t, err, "unknown default scope")
}

func TestParseStaticEmptyDefaultsDenyUnknownAgents(t *testing.T) {
	s, err := ParseStatic("agent-1=read", "")
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, s.Authorize(ctx, "agent-1", protocol.ActionRead))
	assert.Error(t, s.Authorize(ctx, "stranger", protocol.ActionRead))
}

func TestTokenBucketBurstAndRefill(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	l := NewTokenBucket(2, time.Second)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	ok, err := l.Allow(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a1")
	assert.False(t, ok, "burst exhausted")

	clock = base.Add(time.Second)
	ok, _ = l.Allow(ctx, "a1")
	assert.True(t, ok, "one token back after one interval")
	ok, _ = l.Allow(ctx, "a1")
	assert.False(t, ok)

	// Refill is capped at the burst size.
	clock = base.Add(time.Hour)
	ok, _ = l.Allow(ctx, "a1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a1")
	assert.False(t, ok)
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	l := NewTokenBucket(1, time.Minute)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "a1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a1")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "a2")
	assert.True(t, ok, "a2 has its own bucket")
}

func TestTokenBucketReset(t *testing.T) {
	l := NewTokenBucket(1, time.Minute)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a1")
	ok, _ := l.Allow(ctx, "a1")
	require.False(t, ok)

	require.NoError(t, l.Reset(ctx, "a1"))
	ok, _ = l.Allow(ctx, "a1")
	assert.True(t, ok)
}

func TestTokenBucketPrune(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	l := NewTokenBucket(5, time.Second)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	_, _ = l.Allow(ctx, "old")
	clock = base.Add(time.Hour)
	_, _ = l.Allow(ctx, "fresh")

	assert.Equal(t, 1, l.Prune(time.Minute))
	assert.Len(t, l.buckets, 1)
}
