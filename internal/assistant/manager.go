package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clubrecords/sqlassist/internal/identity"
	"github.com/clubrecords/sqlassist/internal/observability"
)

const (
	DefaultSessionTTL         = 30 * time.Minute
	DefaultMaxSessionsPerUser = 8
)

// ErrSessionOwned is returned when a session id already belongs to another user.
var ErrSessionOwned = errors.New("session belongs to another user")

type ManagerOptions struct {
	// Session.TurnsPerMinute is applied per user across all of that user's
	// sessions.
	Session SessionOptions
	// IdleTTL evicts sessions that have not been used for this long.
	IdleTTL time.Duration
	// MaxSessionsPerUser caps live sessions per user; opening one more evicts
	// that user's least recently used session.
	MaxSessionsPerUser int
}

type managedSession struct {
	session  *Session
	lastUsed time.Time
}

// Manager owns the live sessions. Sessions never share conversation state.
type Manager struct {
	deps   Dependencies
	opts   ManagerOptions
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*managedSession
	limiters map[int64]*rate.Limiter
}

func NewManager(deps Dependencies, opts ManagerOptions) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultSessionTTL
	}
	if opts.MaxSessionsPerUser <= 0 {
		opts.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		sessions: map[string]*managedSession{},
		limiters: map[int64]*rate.Limiter{},
	}, nil
}

// Session returns the session for sessionID, creating it on first use. A
// session id held by another user is refused with ErrSessionOwned. When the
// same user comes back with a changed role or archer id, the old session and
// its history are discarded and a fresh one takes its place.
func (m *Manager) Session(sessionID string, who identity.Identity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.sessions[sessionID]; ok {
		owner := existing.session.Identity()
		if owner == who {
			existing.lastUsed = now
			return existing.session, nil
		}
		if owner.UserID != who.UserID {
			m.logger.Warn("session id claimed by another user",
				slog.String("session_id", sessionID),
				slog.Int64("owner_user_id", owner.UserID),
				slog.Int64("user_id", who.UserID),
			)
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionOwned)
		}
		m.logger.Warn("session identity changed, starting a new conversation",
			slog.String("session_id", sessionID),
			slog.String("previous_role", string(owner.Role)),
			slog.String("role", string(who.Role)),
		)
		delete(m.sessions, sessionID)
	}

	session, err := NewSession(sessionID, who, m.deps, m.opts.Session)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	session.limiter = m.limiterFor(who.UserID)
	m.evictOldestFor(who.UserID, m.opts.MaxSessionsPerUser-1)
	m.sessions[sessionID] = &managedSession{session: session, lastUsed: now}
	observability.SetActiveSessions(len(m.sessions))
	return session, nil
}

// limiterFor returns the turn limiter shared by every session of userID, or
// nil when turns are not limited. Callers hold m.mu.
func (m *Manager) limiterFor(userID int64) *rate.Limiter {
	if m.opts.Session.TurnsPerMinute <= 0 {
		return nil
	}
	if limiter, ok := m.limiters[userID]; ok {
		return limiter
	}
	limiter := newTurnLimiter(m.opts.Session)
	m.limiters[userID] = limiter
	return limiter
}

// evictOldestFor drops the least recently used sessions of userID until at
// most keep remain. Callers hold m.mu.
func (m *Manager) evictOldestFor(userID int64, keep int) {
	for {
		count := 0
		oldestID := ""
		var oldest time.Time
		for id, item := range m.sessions {
			if item.session.Identity().UserID != userID {
				continue
			}
			count++
			if oldestID == "" || item.lastUsed.Before(oldest) {
				oldestID, oldest = id, item.lastUsed
			}
		}
		if count <= keep {
			return
		}
		m.logger.Info("session limit reached, evicting oldest session",
			slog.String("session_id", oldestID),
			slog.Int64("user_id", userID),
		)
		delete(m.sessions, oldestID)
	}
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(sessionID string, who identity.Identity) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[sessionID]
	if !ok || existing.session.Identity() != who {
		return nil, false
	}
	existing.lastUsed = m.now()
	return existing.session, true
}

func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	observability.SetActiveSessions(len(m.sessions))
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep evicts idle sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.opts.IdleTTL)
	removed := 0
	active := map[int64]bool{}
	for id, item := range m.sessions {
		if item.lastUsed.Before(cutoff) {
			delete(m.sessions, id)
			removed++
			continue
		}
		active[item.session.Identity().UserID] = true
	}
	for userID := range m.limiters {
		if !active[userID] {
			delete(m.limiters, userID)
		}
	}
	observability.SetActiveSessions(len(m.sessions))
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Info("idle sessions evicted", slog.Int("count", removed))
			}
		}
	}
}
