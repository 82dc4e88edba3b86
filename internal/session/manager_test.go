package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/store"
)

type stubSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) Summarize(_ context.Context, memories []model.MemoryEntry) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func newManager(t *testing.T, summarizer Summarizer) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, summarizer, Config{}, zap.NewNop()), st
}

func attachOne(t *testing.T, m *Manager, st *store.SQLiteStore, sessionID, text string) {
	t.Helper()
	entry, err := st.CreateMemory(context.Background(), store.CreateMemoryParams{
		MemoryType: model.MemoryTypeConversation,
		Content:    model.Content{Text: text},
	})
	require.NoError(t, err)
	require.NoError(t, m.Attach(context.Background(), sessionID, entry.ID))
}

func TestLifecycle(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1", "chat", map[string]any{"topic": "billing"})
	require.NoError(t, err)
	assert.True(t, sess.Active())

	attachOne(t, m, st, sess.ID, "first note")
	attachOne(t, m, st, sess.ID, "second note")

	memories, err := m.Memories(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, memories, 2)

	ended, err := m.End(ctx, sess.ID, "wrapped up", false, false)
	require.NoError(t, err)
	assert.False(t, ended.Active())
	require.NotNil(t, ended.Summary)
	assert.Equal(t, "wrapped up", *ended.Summary)
}

func TestEndWithSummarizer(t *testing.T) {
	sum := &stubSummarizer{summary: "talked about billing"}
	m, st := newManager(t, sum)
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1", "chat", nil)
	require.NoError(t, err)
	attachOne(t, m, st, sess.ID, "invoice question")

	ended, err := m.End(ctx, sess.ID, "", false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.calls)
	require.NotNil(t, ended.Summary)
	assert.Equal(t, "talked about billing", *ended.Summary)
}

func TestExplicitSummaryWins(t *testing.T) {
	sum := &stubSummarizer{summary: "generated"}
	m, st := newManager(t, sum)
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1", "chat", nil)
	require.NoError(t, err)
	attachOne(t, m, st, sess.ID, "note")

	ended, err := m.End(ctx, sess.ID, "explicit", false, true)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.calls, "summarizer skipped when a summary is supplied")
	require.NotNil(t, ended.Summary)
	assert.Equal(t, "explicit", *ended.Summary)
}

func TestSummarizerFailureStillEndsSession(t *testing.T) {
	sum := &stubSummarizer{err: errors.New("model unavailable")}
	m, st := newManager(t, sum)
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1", "chat", nil)
	require.NoError(t, err)
	attachOne(t, m, st, sess.ID, "note")

	ended, err := m.End(ctx, sess.ID, "", false, true)
	require.NoError(t, err)
	assert.False(t, ended.Active())
	assert.Nil(t, ended.Summary)
}

func TestEndEmptySessionSkipsSummarizer(t *testing.T) {
	sum := &stubSummarizer{summary: "unused"}
	m, _ := newManager(t, sum)
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1", "chat", nil)
	require.NoError(t, err)

	ended, err := m.End(ctx, sess.ID, "", false, true)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.calls)
	assert.Nil(t, ended.Summary)
}

func TestSweepIdleEndsStaleSessions(t *testing.T) {
	m, _ := newManager(t, nil)
	m.idleAfter = -time.Second // everything created so far counts as idle
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1", "chat", nil)
	require.NoError(t, err)

	m.sweepIdle(ctx)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
	assert.Nil(t, got.Summary)
}

func TestSweepIdleSparesActiveSessions(t *testing.T) {
	m, _ := newManager(t, nil)
	ctx := context.Background()

	sess, err := m.Create(ctx, "u1", "chat", nil)
	require.NoError(t, err)

	m.sweepIdle(ctx)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Active(), "recent activity keeps the session open")
}

func TestStartStop(t *testing.T) {
	m, _ := newManager(t, nil)
	m.sweepInterval = 5 * time.Millisecond

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Stop()
}
