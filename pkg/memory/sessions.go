package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/pkg/backend"
	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/events"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/metrics"
	"github.com/engramlabs/engram/pkg/types"
)

// sessionState pairs a session record with its working memory.
type sessionState struct {
	session types.Session
	working *WorkingMemory
}

// SessionManager owns the active sessions and their working memories. Idle
// sessions expire after the configured TTL; a background sweeper closes them
// and releases their working memory.
type SessionManager struct {
	capacity int
	ttl      time.Duration
	adapter  *backend.Adapter
	broker   *events.Broker
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionManager creates an empty manager. workingCapacity is the ring
// size given to each session's working memory.
func NewSessionManager(workingCapacity int, ttl time.Duration, adapter *backend.Adapter, broker *events.Broker) *SessionManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionManager{
		capacity: workingCapacity,
		ttl:      ttl,
		adapter:  adapter,
		broker:   broker,
		logger:   log.WithComponent("sessions"),
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}
}

// Start launches the idle-session sweeper.
func (m *SessionManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	interval := m.ttl / 10
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper. Active sessions are left in place.
func (m *SessionManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// GetOrCreate returns the session, creating it on first use.
func (m *SessionManager) GetOrCreate(ctx context.Context, sessionID, agentID string) (types.Session, error) {
	if sessionID == "" {
		return types.Session{}, errdefs.Validation("session_id is required")
	}

	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		now := m.now()
		st = &sessionState{
			session: types.Session{
				SessionID:    sessionID,
				AgentID:      agentID,
				CreatedAt:    now,
				LastActivity: now,
			},
			working: NewWorkingMemory(m.capacity),
		}
		m.sessions[sessionID] = st
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventSessionStarted, ID: sessionID})
		}
	}
	session := st.session
	m.mu.Unlock()

	if !ok && m.adapter != nil {
		m.adapter.Mirror(ctx, backend.SessionKey(sessionID), session, m.ttl)
	}
	return session, nil
}

// AddStep records a step into the session's working memory and refreshes the
// session's activity clock. The session is created on demand.
func (m *SessionManager) AddStep(ctx context.Context, sessionID, agentID string, step types.Step) error {
	step.SessionID = sessionID
	if err := step.Validate(); err != nil {
		return err
	}
	if _, err := m.GetOrCreate(ctx, sessionID, agentID); err != nil {
		return err
	}

	m.mu.Lock()
	st := m.sessions[sessionID]
	st.working.Push(step)
	st.session.LastActivity = m.now()
	m.mu.Unlock()
	return nil
}

// Context returns the last k steps of the session's working memory. Unknown
// sessions return NotFound.
func (m *SessionManager) Context(sessionID string, k int) ([]types.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, errdefs.NotFound("session %s", sessionID)
	}
	return st.working.Context(k), nil
}

// Close ends a session explicitly, dropping its working memory.
func (m *SessionManager) Close(ctx context.Context, sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if ok && m.adapter != nil {
		m.adapter.Unmirror(ctx, backend.SessionKey(sessionID))
	}
}

// Active returns the number of live sessions.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep expires sessions idle beyond the TTL.
func (m *SessionManager) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, st := range m.sessions {
		if st.session.LastActivity.Before(cutoff) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Debug().Str("session_id", id).Msg("session expired")
		if m.adapter != nil {
			m.adapter.Unmirror(ctx, backend.SessionKey(id))
		}
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventSessionExpired, ID: id})
		}
	}
}
