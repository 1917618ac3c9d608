package sockjs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Frame is one entry drained from a session's outbound queue. Wait in packed
// form fills Payload with the serialised wire frame; unpacked form exposes the
// raw queue entry (Messages for MESSAGE, Code/Reason for CLOSE, Payload for
// OPEN, HEARTBEAT and MESSAGE_BLOB).
type Frame struct {
	Type     FrameType
	Payload  string
	Messages []string
	Code     int
	Reason   string
}

// queueEntry is the internal representation of a pending outbound frame.
type queueEntry struct {
	frame  FrameType
	msgs   []string
	data   string
	code   int
	reason string
}

// Session is a durable per-client message channel spanning one or more
// transport connections. All state transitions happen under the session
// mutex; the application handler is always invoked with the mutex released so
// it may call back into Send, Close or the manager.
type Session struct {
	id      string
	handler Handler
	log     zerolog.Logger

	timeout           time.Duration
	heartbeatInterval time.Duration
	debug             bool

	mu          sync.Mutex
	state       State
	manager     *SessionManager
	request     *RequestInfo
	acquired    bool
	interrupted bool
	expired     bool
	expires     time.Time
	err         error

	hits       int
	heartbeats int

	heartbeatConsumer bool
	heartbeatConsumed bool
	heartbeatTimer    *time.Timer

	queue  []*queueEntry
	waiter chan struct{}
}

func newSession(sid string, handler Handler, logger zerolog.Logger, timeout, heartbeatInterval time.Duration, debug bool) *Session {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Session{
		id:                sid,
		handler:           handler,
		log:               logger,
		timeout:           timeout,
		heartbeatInterval: heartbeatInterval,
		debug:             debug,
		expires:           time.Now().Add(timeout),
		heartbeatConsumed: true,
	}
}

// ID returns the session identifier, unique within its endpoint.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquired reports whether a transport currently holds the session.
func (s *Session) Acquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// Interrupted reports whether the last open attempt failed in the handler.
// The next transport surfaces close code 1002.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Expired reports whether the session is marked for garbage collection.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// Err returns the last handler or transport failure recorded on the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Manager returns the manager that holds the session, or nil while the
// session is released.
func (s *Session) Manager() *SessionManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// Request returns the transport request bound by the current acquire, or nil
// while the session is released.
func (s *Session) Request() *RequestInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// MessageLength returns the number of pending outbound queue entries.
func (s *Session) MessageLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := []string{fmt.Sprintf("id=%q", s.id)}
	switch s.state {
	case StateOpen:
		parts = append(parts, "connected")
	case StateClosed:
		parts = append(parts, "closed")
	default:
		parts = append(parts, "disconnected")
	}
	if s.acquired {
		parts = append(parts, "acquired")
	}
	if n := len(s.queue); n > 0 {
		parts = append(parts, fmt.Sprintf("queue[%d]", n))
	}
	if s.hits > 0 {
		parts = append(parts, fmt.Sprintf("hits=%d", s.hits))
	}
	if s.heartbeats > 0 {
		parts = append(parts, fmt.Sprintf("heartbeats=%d", s.heartbeats))
	}
	return strings.Join(parts, " ")
}

// tickLocked pushes the expiry forward by the session timeout.
func (s *Session) tickLocked() {
	s.expires = time.Now().Add(s.timeout)
}

// expiredOrPast reports whether the session should be collected at now.
func (s *Session) expiredOrPast(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired || s.expires.Before(now)
}

// acquire binds the session to a transport connection. On the first
// successful acquire the session transitions NEW -> OPEN, enqueues the OPEN
// frame and dispatches MsgOpen to the handler; a handler failure forces the
// session into CLOSING with close code 3000 and marks it interrupted.
func (s *Session) acquire(req *RequestInfo, m *SessionManager, heartbeat bool) {
	s.mu.Lock()
	s.acquired = true
	s.request = req
	s.manager = m
	s.heartbeatConsumer = heartbeat
	s.tickLocked()
	s.hits++

	opening := s.state == StateNew
	if opening {
		s.state = StateOpen
		s.feedLocked(queueEntry{frame: FrameOpen, data: string(FrameOpen)})
	}
	s.mu.Unlock()

	if !opening {
		return
	}

	s.log.Debug().Str("session", s.id).Msg("Session opened")
	if err := s.handler(OpenMessage, s); err != nil {
		s.mu.Lock()
		s.state = StateClosing
		s.err = err
		s.interrupted = true
		s.feedLocked(queueEntry{frame: FrameClose, code: 3000, reason: "Internal error"})
		s.mu.Unlock()
		s.log.Error().Err(err).Str("session", s.id).Msg("Handler failed in open session handling")
		return
	}
	s.startHeartbeat()
}

// release detaches the session from its transport. Idempotent.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = false
	s.request = nil
	s.manager = nil
}

// feedLocked appends a frame to the outbound queue, coalescing consecutive
// MESSAGE entries, and resolves a pending waiter. Caller holds s.mu.
func (s *Session) feedLocked(e queueEntry) {
	if e.frame == FrameMessage {
		if n := len(s.queue); n > 0 && s.queue[n-1].frame == FrameMessage {
			s.queue[n-1].msgs = append(s.queue[n-1].msgs, e.msgs...)
			s.notifyWaiterLocked()
			return
		}
	}
	entry := e
	s.queue = append(s.queue, &entry)
	s.notifyWaiterLocked()
}

// notifyWaiterLocked resolves the single-slot waiter exactly once and clears
// it before returning. Caller holds s.mu.
func (s *Session) notifyWaiterLocked() {
	if s.waiter != nil {
		close(s.waiter)
		s.waiter = nil
	}
}

// Wait yields the next pending frame in packed wire form, suspending while
// the queue is empty and the session is not closed. It fails with
// ErrSessionIsClosed once the session closed and the queue drained, and with
// the context error when ctx is cancelled first.
func (s *Session) Wait(ctx context.Context) (Frame, error) {
	return s.wait(ctx, true)
}

func (s *Session) wait(ctx context.Context, pack bool) (Frame, error) {
	s.mu.Lock()
	for len(s.queue) == 0 && s.state != StateClosed {
		w := make(chan struct{})
		s.waiter = w
		s.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			s.mu.Lock()
			if s.waiter == w {
				s.waiter = nil
			}
			s.mu.Unlock()
			return Frame{}, ctx.Err()
		}
		s.mu.Lock()
	}

	if len(s.queue) == 0 {
		s.mu.Unlock()
		return Frame{}, ErrSessionIsClosed
	}

	e := s.queue[0]
	s.queue = s.queue[1:]
	if e.frame == FrameHeartbeat {
		s.heartbeatConsumed = true
	}
	s.mu.Unlock()

	f := Frame{Type: e.frame}
	if pack {
		switch e.frame {
		case FrameClose:
			f.Payload = closeFrame(e.code, e.reason)
		case FrameMessage:
			f.Payload = messagesFrame(e.msgs)
		default:
			f.Payload = e.data
		}
		return f, nil
	}

	f.Payload = e.data
	f.Messages = e.msgs
	f.Code = e.code
	f.Reason = e.reason
	return f, nil
}

// Send enqueues an outbound message. Messages sent while the session is not
// open are dropped.
func (s *Session) Send(msg string) {
	if s.debug {
		s.log.Info().Str("session", s.id).Str("data", truncate(msg)).Msg("Outgoing message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.feedLocked(queueEntry{frame: FrameMessage, msgs: []string{msg}})
}

// SendFrame enqueues an already serialised MESSAGE frame verbatim. Broadcast
// uses it to serialise once for every recipient.
func (s *Session) SendFrame(frame string) {
	if s.debug {
		s.log.Info().Str("session", s.id).Str("data", truncate(frame)).Msg("Outgoing frame")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.feedLocked(queueEntry{frame: FrameMessageBlob, data: frame})
}

// Close moves the session to CLOSING and enqueues the CLOSE frame for the
// attached transport to deliver. Idempotent once closing or closed.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.feedLocked(queueEntry{frame: FrameClose, code: code, reason: reason})
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	s.log.Debug().Str("session", s.id).Msg("Session closing")
}

// Expire marks the session for collection by the next GC pass.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = true
	s.stopHeartbeatLocked()
}

// RemoteMessage delivers one client payload to the handler. Handler failures
// are logged and do not propagate.
func (s *Session) RemoteMessage(msg string) {
	s.log.Debug().Str("session", s.id).Str("data", truncate(msg)).Msg("Incoming message")

	s.mu.Lock()
	s.tickLocked()
	s.mu.Unlock()

	if err := s.handler(Message{Type: MsgMessage, Data: msg}, s); err != nil {
		s.log.Error().Err(err).Str("session", s.id).Msg("Handler failed in message handling")
	}
}

// RemoteMessages delivers a batch of client payloads to the handler, one
// MsgMessage each.
func (s *Session) RemoteMessages(msgs []string) {
	s.mu.Lock()
	s.tickLocked()
	s.mu.Unlock()

	for _, msg := range msgs {
		s.log.Debug().Str("session", s.id).Str("data", truncate(msg)).Msg("Incoming message")
		if err := s.handler(Message{Type: MsgMessage, Data: msg}, s); err != nil {
			s.log.Error().Err(err).Str("session", s.id).Msg("Handler failed in message handling")
		}
	}
}

// RemoteClose moves the session to CLOSING on behalf of the transport and
// dispatches MsgClose to the handler. A non-nil err is recorded and marks the
// session interrupted. Idempotent once closing or closed.
func (s *Session) RemoteClose(err error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	if err != nil {
		s.err = err
		s.interrupted = true
	}
	s.mu.Unlock()

	s.log.Info().Str("session", s.id).Msg("Close session")
	if herr := s.handler(Message{Type: MsgClose, Err: err}, s); herr != nil {
		s.log.Error().Err(herr).Str("session", s.id).Msg("Handler failed in close handling")
	}

	s.mu.Lock()
	s.stopHeartbeatLocked()
	s.mu.Unlock()
}

// RemoteClosed finalises the session: CLOSED is absorbing, the session is
// expired, MsgClosed is dispatched and any parked waiter wakes up to observe
// ErrSessionIsClosed.
func (s *Session) RemoteClosed() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.expired = true
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	s.log.Info().Str("session", s.id).Msg("Session closed")
	if err := s.handler(ClosedMessage, s); err != nil {
		s.log.Error().Err(err).Str("session", s.id).Msg("Handler failed in closed handling")
	}

	s.mu.Lock()
	s.notifyWaiterLocked()
	s.mu.Unlock()
}

// startHeartbeat arms the heartbeat timer when the session has a heartbeat
// consumer and no timer is running.
func (s *Session) startHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatConsumer && s.heartbeatTimer == nil {
		s.heartbeatTimer = time.AfterFunc(s.heartbeatInterval, s.heartbeat)
	}
}

// stopHeartbeatLocked disarms the heartbeat timer. Stopping an already
// stopped or fired timer is a no-op. Caller holds s.mu.
func (s *Session) stopHeartbeatLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
}

// heartbeat fires on the heartbeat interval. An unconsumed previous heartbeat
// means the attached client stopped draining the queue; the session is
// presumed dead and finalised.
func (s *Session) heartbeat() {
	s.mu.Lock()
	if s.heartbeatTimer == nil {
		// Disarmed between the timer firing and the lock.
		s.mu.Unlock()
		return
	}

	if !s.heartbeatConsumed {
		s.heartbeatTimer = nil
		s.mu.Unlock()
		go s.RemoteClosed()
		return
	}

	if s.state != StateOpen {
		s.stopHeartbeatLocked()
		s.mu.Unlock()
		return
	}

	s.heartbeats++
	s.feedLocked(queueEntry{frame: FrameHeartbeat, data: string(FrameHeartbeat)})
	s.heartbeatConsumed = false
	s.heartbeatTimer = time.AfterFunc(s.heartbeatInterval, s.heartbeat)
	s.mu.Unlock()
}

// truncate bounds logged payload echoes.
func truncate(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max]
	}
	return s
}
