package sockjs

import "errors"

// Sentinel errors for session and manager failure modes.
var (
	// ErrSessionIsAcquired reports that another transport connection already
	// holds the session.
	ErrSessionIsAcquired = errors.New("sockjs: another connection still open")

	// ErrSessionIsClosed is returned by Wait once the session reached the
	// closed state and its queue drained.
	ErrSessionIsClosed = errors.New("sockjs: session is closed")

	// ErrSessionNotFound reports a lookup for a session id the manager does
	// not know.
	ErrSessionNotFound = errors.New("sockjs: unknown session")

	// ErrSessionExpired reports an attempt to register an expired session.
	ErrSessionExpired = errors.New("sockjs: can not add expired session")
)
