package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/booking"
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
	"github.com/avvvet/bookbuddy-intent/internal/logging"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/scheduler"
)

// Observer receives every transition of every session, tagged with the session id.
type Observer func(sessionID string, r fsm.Record)

// Manager is the registry of open sessions.
type Manager struct {
	deps   Deps
	logger zerolog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	observers []Observer
}

// NewManager builds a registry. Missing collaborators fall back to the
// in-memory persister and the demo booking backend.
func NewManager(deps Deps) *Manager {
	if deps.Persister == nil {
		deps.Persister = NewMemoryPersister()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Auth == nil {
		deps.Auth = booking.NewDemoAPI()
	}
	if deps.BookingAPI == nil {
		deps.BookingAPI = func(string) booking.API { return booking.NewDemoAPI() }
	}
	return &Manager{
		deps:     deps,
		logger:   logging.Component(deps.Logger, "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Observe registers fn for the transitions of every session.
func (m *Manager) Observe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) notify(sessionID string, r fsm.Record) {
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(sessionID, r)
	}
}

// Open returns the session for id, creating and bootstrapping it when it is
// not open yet. An empty id opens a fresh session with a new id. A known id
// that is not in memory is restored from the persister if possible.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return m.settled(ctx, s)
		}
	} else {
		id = uuid.NewString()
	}

	s := newSession(id, m.deps, m.notify)
	s.ops.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	err := s.bootstrap(ctx)
	s.ops.Unlock()
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		s.Close()
		return nil, err
	}

	m.deps.Metrics.SessionOpened()
	m.logger.Info().Str("session_id", id).Str("state", string(s.State())).Msg("session opened")
	return s, nil
}

// settled waits until a concurrent Open has finished bootstrapping s. If
// that bootstrap failed s is gone and the open is retried.
func (m *Manager) settled(ctx context.Context, s *Session) (*Session, error) {
	s.ops.Lock()
	s.ops.Unlock()

	m.mu.RLock()
	cur, ok := m.sessions[s.id]
	m.mu.RUnlock()
	if ok && cur == s {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Open(ctx, s.id)
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return s, nil
}

// Remove closes and forgets a session. Persisted state is left alone.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.Close()
	m.deps.Metrics.SessionClosed()
	m.logger.Info().Str("session_id", id).Msg("session closed")
	return true
}

// EvictIdle closes sessions nobody has used for longer than idle. Their
// persisted auth is kept, so a client holding the id can log back in
// without credentials.
func (m *Manager) EvictIdle(idle time.Duration) int {
	cutoff := m.deps.Clock.Now().Add(-idle)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	evicted := 0
	for _, id := range stale {
		if m.Remove(id) {
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Info().Int("evicted", evicted).Dur("idle", idle).Msg("🧹 evicted idle sessions")
	}
	return evicted
}

// Schedule registers periodic idle eviction on s.
func (m *Manager) Schedule(s *scheduler.Scheduler, spec string, idle time.Duration) (string, error) {
	return s.Every("session-evict", spec, func(context.Context) {
		m.EvictIdle(idle)
	})
}

// Len is the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(id)
	}
}
