package sockjs

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ManagerOptions tunes a session manager. Zero values fall back to the
// protocol defaults.
type ManagerOptions struct {
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	GCInterval        time.Duration
	Debug             bool
}

// SessionManager owns the sessions of one endpoint: it creates, tracks,
// acquires, releases, garbage-collects and terminates them. External code
// holds only borrowed references and mutates state through the exposed
// operations.
type SessionManager struct {
	name    string
	handler Handler
	log     zerolog.Logger

	heartbeatInterval time.Duration
	sessionTimeout    time.Duration
	gcInterval        time.Duration
	debug             bool

	mu        sync.Mutex
	sessions  map[string]*Session
	order     []*Session
	acquired  map[string]struct{}
	gcTimer   *time.Timer
	gcRunning bool
}

// NewSessionManager creates a manager for the named endpoint.
func NewSessionManager(name string, handler Handler, logger zerolog.Logger, opts ManagerOptions) *SessionManager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	return &SessionManager{
		name:              name,
		handler:           handler,
		log:               logger.With().Str("component", "sockjs").Str("endpoint", name).Logger(),
		heartbeatInterval: opts.HeartbeatInterval,
		sessionTimeout:    opts.SessionTimeout,
		gcInterval:        opts.GCInterval,
		debug:             opts.Debug,
		sessions:          make(map[string]*Session),
		acquired:          make(map[string]struct{}),
	}
}

// Name returns the endpoint name the manager serves.
func (m *SessionManager) Name() string { return m.name }

// Get returns the session registered under sid. With create set, a missing
// session is constructed with the manager's handler and settings, registered
// and returned; without it, Get fails with ErrSessionNotFound.
func (m *SessionManager) Get(sid string, create bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sid]; ok {
		return s, nil
	}
	if !create {
		return nil, ErrSessionNotFound
	}

	s := newSession(sid, m.handler, m.log, m.sessionTimeout, m.heartbeatInterval, m.debug)
	if err := m.addLocked(s); err != nil {
		return nil, err
	}
	return s, nil
}

// addLocked registers a session. Re-inserting an expired session is refused.
// Caller holds m.mu.
func (m *SessionManager) addLocked(s *Session) error {
	if s.Expired() {
		return ErrSessionExpired
	}
	s.mu.Lock()
	s.manager = m
	s.mu.Unlock()

	m.sessions[s.id] = s
	m.order = append(m.order, s)
	metricSessions.WithLabelValues(m.name).Inc()
	return nil
}

// Acquire binds a session to the calling transport. It fails with
// ErrSessionNotFound for unregistered sessions and ErrSessionIsAcquired when
// another connection still holds it; the established consumer is unaffected.
func (m *SessionManager) Acquire(req *RequestInfo, s *Session) error {
	m.mu.Lock()
	if _, ok := m.acquired[s.id]; ok {
		m.mu.Unlock()
		return ErrSessionIsAcquired
	}
	if _, ok := m.sessions[s.id]; !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	m.acquired[s.id] = struct{}{}
	m.mu.Unlock()

	// Dispatches the open transition outside the manager lock: the handler
	// may call back into Broadcast or Get.
	s.acquire(req, m, true)
	metricAcquired.WithLabelValues(m.name).Inc()
	return nil
}

// IsAcquired reports whether the session is currently held by a transport.
func (m *SessionManager) IsAcquired(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.acquired[s.id]
	return ok
}

// Release detaches a session from its transport. Idempotent.
func (m *SessionManager) Release(s *Session) {
	m.mu.Lock()
	_, held := m.acquired[s.id]
	delete(m.acquired, s.id)
	m.mu.Unlock()

	if held {
		s.release()
		metricAcquired.WithLabelValues(m.name).Dec()
	}
}

// Broadcast serialises the message once and enqueues the shared frame in
// every non-expired session.
func (m *SessionManager) Broadcast(msg string) {
	blob := messageFrame(msg)
	for _, s := range m.snapshot() {
		if !s.Expired() {
			s.SendFrame(blob)
		}
	}
	metricBroadcasts.WithLabelValues(m.name).Inc()
}

// ActiveSessions returns the non-expired sessions at call time. The snapshot
// is safe against concurrent registry mutation.
func (m *SessionManager) ActiveSessions() []*Session {
	var active []*Session
	for _, s := range m.snapshot() {
		if !s.Expired() {
			active = append(active, s)
		}
	}
	return active
}

// Len returns the number of registered sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// snapshot copies the registry values under the lock.
func (m *SessionManager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Clear drives every non-closed session through RemoteClosed and empties the
// registry. Safe to call repeatedly; the host application invokes it on
// shutdown.
func (m *SessionManager) Clear() {
	for _, s := range m.snapshot() {
		if s.State() != StateClosed {
			s.RemoteClosed()
		}
	}

	m.mu.Lock()
	metricSessions.WithLabelValues(m.name).Sub(float64(len(m.sessions)))
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.mu.Unlock()
}

// Started reports whether the GC timer is currently armed.
func (m *SessionManager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gcTimer != nil
}

// Start arms the periodic garbage collector.
func (m *SessionManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gcTimer == nil {
		m.gcTimer = time.AfterFunc(m.gcInterval, m.gc)
	}
}

// Stop disarms the garbage collector. A pass already in flight finishes but
// does not rearm.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gcTimer != nil {
		m.gcTimer.Stop()
		m.gcTimer = nil
	}
}

// gc runs one collection pass: every session whose expiry has passed or whose
// expired flag is set is released, driven to CLOSED and removed. At most one
// pass runs at a time; the timer rearms at the end of each pass.
func (m *SessionManager) gc() {
	m.mu.Lock()
	if m.gcRunning {
		m.mu.Unlock()
		return
	}
	m.gcRunning = true
	order := make([]*Session, len(m.order))
	copy(order, m.order)
	m.mu.Unlock()

	now := time.Now()
	for _, s := range order {
		if !s.expiredOrPast(now) {
			continue
		}

		m.Release(s)
		if s.State() == StateOpen {
			s.RemoteClose(nil)
		}
		if s.State() == StateClosing {
			s.RemoteClosed()
		}

		m.mu.Lock()
		if _, ok := m.sessions[s.id]; ok {
			delete(m.sessions, s.id)
			m.removeFromOrderLocked(s)
			metricSessions.WithLabelValues(m.name).Dec()
		}
		m.mu.Unlock()

		m.log.Debug().Str("session", s.id).Msg("Session collected")
	}

	m.mu.Lock()
	m.gcRunning = false
	if m.gcTimer != nil {
		m.gcTimer = time.AfterFunc(m.gcInterval, m.gc)
	}
	m.mu.Unlock()
}

func (m *SessionManager) removeFromOrderLocked(s *Session) {
	for i, cur := range m.order {
		if cur == s {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
