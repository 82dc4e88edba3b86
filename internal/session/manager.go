// Package session manages session lifecycle on top of the persistent
// store: creation, attachment, ending with optional summarization, and
// background expiry of idle sessions.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/memoryd/internal/model"
	"github.com/becomeliminal/memoryd/internal/store"
)

// Summarizer condenses a session's memories into a closing summary.
type Summarizer interface {
	Summarize(ctx context.Context, memories []model.MemoryEntry) (string, error)
}

// Manager owns session lifecycle and the idle sweep loop.
type Manager struct {
	store      *store.SQLiteStore
	summarizer Summarizer
	logger     *zap.Logger

	idleAfter     time.Duration
	sweepInterval time.Duration

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// Config holds Manager construction parameters.
type Config struct {
	IdleAfter     time.Duration
	SweepInterval time.Duration
}

// NewManager builds a Manager. The summarizer may be nil, in which case
// auto-ended sessions close without a summary.
func NewManager(st *store.SQLiteStore, summarizer Summarizer, cfg Config, logger *zap.Logger) *Manager {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		store:         st,
		summarizer:    summarizer,
		logger:        logger,
		idleAfter:     cfg.IdleAfter,
		sweepInterval: cfg.SweepInterval,
		stopChan:      make(chan struct{}),
		stoppedChan:   make(chan struct{}),
	}
}

// Create opens a new session.
func (m *Manager) Create(ctx context.Context, userID, sessionType string, metadata map[string]any) (*model.Session, error) {
	return m.store.CreateSession(ctx, userID, sessionType, metadata)
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	return m.store.GetSession(ctx, id)
}

// Touch records activity on a session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.store.TouchSession(ctx, id)
}

// Attach links a memory to a session.
func (m *Manager) Attach(ctx context.Context, sessionID, memoryID string) error {
	return m.store.AttachMemory(ctx, sessionID, memoryID)
}

// Memories returns the memories attached to a session.
func (m *Manager) Memories(ctx context.Context, sessionID string, limit int) ([]model.MemoryEntry, error) {
	return m.store.SessionMemories(ctx, sessionID, limit)
}

// List returns sessions, optionally only active ones.
func (m *Manager) List(ctx context.Context, activeOnly bool, limit int) ([]model.Session, error) {
	return m.store.ListSessions(ctx, activeOnly, limit)
}

// End closes a session. When summarize is set and no explicit summary
// is given, the session's memories are condensed through the
// summarizer. Ending an already-ended session is a no-op and returns
// the stored state.
func (m *Manager) End(ctx context.Context, id string, summary string, archive, summarize bool) (*model.Session, error) {
	var sp *string
	if summary != "" {
		sp = &summary
	} else if summarize && m.summarizer != nil {
		memories, err := m.store.SessionMemories(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		if len(memories) > 0 {
			text, err := m.summarizer.Summarize(ctx, memories)
			if err != nil {
				// Closing the session matters more than the summary.
				m.logger.Warn("session summary failed",
					zap.String("session_id", id),
					zap.Error(err))
			} else {
				sp = &text
			}
		}
	}
	sess, _, err := m.store.EndSession(ctx, id, sp, archive)
	return sess, err
}

// Start launches the idle sweep loop.
func (m *Manager) Start(ctx context.Context) {
	go m.sweepLoop(ctx)
	m.logger.Info("session sweeper started",
		zap.Duration("idle_after", m.idleAfter),
		zap.Duration("interval", m.sweepInterval))
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopChan)
	<-m.stoppedChan
	m.logger.Info("session sweeper stopped")
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.stoppedChan)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepIdle(ctx)
		}
	}
}

// sweepIdle ends sessions with no activity past the idle threshold.
// Auto-ended sessions close without a summary.
func (m *Manager) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.idleAfter)
	ids, err := m.store.IdleSessions(ctx, cutoff, 100)
	if err != nil {
		m.logger.Error("idle session scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, changed, err := m.store.EndSession(ctx, id, nil, false); err != nil {
			m.logger.Error("auto-end session failed",
				zap.String("session_id", id),
				zap.Error(err))
		} else if changed {
			m.logger.Info("session auto-ended after idle timeout",
				zap.String("session_id", id))
		}
	}
}
