package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
	chaterrors "github.com/real-rm/voicebox/internal/errors"
	"github.com/real-rm/voicebox/internal/metrics"
	"github.com/real-rm/voicebox/internal/util"
)

// Options configures a Manager. Zero values fall back to the defaults in
// the constants package.
type Options struct {
	SessionTTL          time.Duration
	CleanupInterval     time.Duration
	MaxSessionsPerOwner int
	TeardownTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = constants.DefaultSessionTTL
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = constants.DefaultCleanupInterval
	}
	if o.MaxSessionsPerOwner <= 0 {
		o.MaxSessionsPerOwner = constants.DefaultMaxSessionsPerOwner
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = constants.DefaultTeardownTimeout
	}
	return o
}

// Manager owns the session registry. It is the only component that
// destroys sessions.
type Manager struct {
	factory channel.Factory
	opts    Options
	logger  *slog.Logger

	sessions map[string]*Session // sessionID -> Session
	owners   map[string][]string // owner -> sessionIDs, oldest first
	mu       sync.RWMutex

	// Cleanup goroutine management
	stopCleanup  chan struct{}
	cleanupOnce  sync.Once
	stopOnce     sync.Once
	cleanupDone  chan struct{}
	cleanupStart bool
}

// NewManager creates a session manager that opens channels through factory.
func NewManager(factory channel.Factory, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		factory:     factory,
		opts:        opts.withDefaults(),
		logger:      logger.WithGroup("session"),
		sessions:    make(map[string]*Session),
		owners:      make(map[string][]string),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
}

// Create opens a session for owner. When the owner is at the session cap the
// oldest session is evicted. A voice failure leaves the session text-only;
// an agent failure aborts creation.
func (m *Manager) Create(ctx context.Context, owner string, liteMode bool) (*Session, error) {
	if owner == "" {
		return nil, ErrInvalidOwner
	}

	sess := New(owner, liteMode)
	logger := m.logger.With("session_id", sess.ID, "owner", owner)

	voice, err := m.factory.NewVoice(ctx, owner)
	if err != nil {
		util.LogError(logger, "session", "open voice channel", err)
		voice = nil
	}
	// No else needed: a nil voice channel means text-only

	agent, err := m.factory.NewAgent(ctx, owner)
	if err != nil {
		if voice != nil {
			if closeErr := voice.Close(); closeErr != nil {
				util.LogError(logger, "session", "release voice channel", closeErr)
			}
		}
		return nil, chaterrors.ErrAgentUnavailable(err)
	}

	sess.Voice = voice
	sess.Agent = agent
	if !liteMode {
		sess.Avatar = m.factory.NewAvatar(owner)
	}

	evicted := m.insert(sess)
	for _, old := range evicted {
		logger.Info("Session evicted", "evicted_session_id", old.ID,
			"reason", chaterrors.ErrSessionEvicted(old.ID).Error())
		metrics.SessionsEvicted.Inc()
		m.release(ctx, old)
	}

	metrics.SessionsCreated.Inc()
	logger.Info("Session created", "lite_mode", liteMode, "voice", voice != nil)
	return sess, nil
}

// insert evicts down to the cap and registers sess in one critical section.
// The evicted sessions are unreachable when it returns.
func (m *Manager) insert(sess *Session) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []*Session
	ids := m.owners[sess.Owner]
	for len(ids) >= m.opts.MaxSessionsPerOwner {
		oldest := ids[0]
		ids = ids[1:]
		if old, ok := m.sessions[oldest]; ok {
			delete(m.sessions, oldest)
			evicted = append(evicted, old)
		}
	}

	m.sessions[sess.ID] = sess
	m.owners[sess.Owner] = append(ids, sess.ID)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return evicted
}

// Get returns a session by ID and records activity on it.
func (m *Manager) Get(sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	m.mu.RLock()
	sess, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess.Touch()
	return sess, nil
}

// OwnerSessions returns the owner's session IDs, oldest first.
func (m *Manager) OwnerSessions(owner string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.owners[owner]...)
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Cleanup removes a session and releases its channels. ctx bounds the
// avatar teardown together with the teardown timeout. Unknown IDs are a
// no-op, so calling it twice is safe.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) {
	sess := m.remove(sessionID)
	if sess == nil {
		return
	}
	m.release(ctx, sess)
	m.logger.Info("Session cleaned up", "session_id", sessionID, "owner", sess.Owner)
}

func (m *Manager) remove(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[sessionID]
	if !exists {
		return nil
	}
	delete(m.sessions, sessionID)

	ids := m.owners[sess.Owner]
	for i, id := range ids {
		if id == sessionID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.owners, sess.Owner)
	} else {
		m.owners[sess.Owner] = ids
	}

	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return sess
}

// release closes the session and each of its channels. Every release runs
// even when an earlier one fails; failures are logged only.
func (m *Manager) release(ctx context.Context, sess *Session) {
	if !sess.close() {
		return
	}

	logger := m.logger.With("session_id", sess.ID, "owner", sess.Owner)

	if sess.Avatar != nil {
		teardownCtx, cancel := context.WithTimeout(ctx, m.opts.TeardownTimeout)
		if err := sess.Avatar.Disconnect(teardownCtx); err != nil {
			util.LogError(logger, "session", "disconnect avatar", err)
		}
		cancel()
	}
	if sess.Voice != nil {
		if err := sess.Voice.Close(); err != nil {
			util.LogError(logger, "session", "close voice channel", err)
		}
	}
	if sess.Agent != nil {
		if err := sess.Agent.Close(); err != nil {
			util.LogError(logger, "session", "close agent channel", err)
		}
	}
}

// CleanupAll stops the sweep and cleans every remaining session in turn.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.StopCleanup()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cleanup(ctx, id)
	}
	m.logger.Info("All sessions cleaned up", "count", len(ids))
}

// StartCleanup starts the background TTL sweep. Calling it again is a no-op.
func (m *Manager) StartCleanup() {
	m.cleanupOnce.Do(func() {
		m.mu.Lock()
		m.cleanupStart = true
		m.mu.Unlock()

		go m.cleanupLoop()
		m.logger.Info("Session cleanup started",
			"interval", m.opts.CleanupInterval,
			"ttl", m.opts.SessionTTL)
	})
}

// StopCleanup stops the background sweep and waits for it to exit.
// Safe to call more than once or without StartCleanup.
func (m *Manager) StopCleanup() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})

	m.mu.RLock()
	started := m.cleanupStart
	m.mu.RUnlock()
	if started {
		<-m.cleanupDone
	}
}

func (m *Manager) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCleanup:
			return
		}
	}
}

// sweepOnce runs one sweep. A panic is recovered so the loop keeps going.
func (m *Manager) sweepOnce() {
	defer util.Recover(m.logger, "session-sweep")
	m.cleanupExpiredSessions(time.Now())
}

// cleanupExpiredSessions removes sessions idle longer than the TTL.
func (m *Manager) cleanupExpiredSessions(now time.Time) int {
	expired := m.expiredSessions(now)

	for _, id := range expired {
		m.Cleanup(context.Background(), id)
		metrics.SessionsExpired.Inc()
	}

	if len(expired) > 0 {
		m.logger.Info("Expired sessions cleaned up", "count", len(expired))
	}
	return len(expired)
}

func (m *Manager) expiredSessions(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []string
	for id, sess := range m.sessions {
		if sess.IdleFor(now) > m.opts.SessionTTL {
			expired = append(expired, id)
		}
	}
	return expired
}
