package sockjs

// MessageType classifies the messages delivered to the application handler.
type MessageType int

const (
	MsgOpen MessageType = iota + 1
	MsgMessage
	MsgClose
	MsgClosed
)

func (t MessageType) String() string {
	switch t {
	case MsgOpen:
		return "open"
	case MsgMessage:
		return "message"
	case MsgClose:
		return "close"
	case MsgClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one application-facing event on a session. Data is set for
// MsgMessage; Err carries the transport or handler failure that caused a
// MsgClose, when there was one.
type Message struct {
	Type MessageType
	Data string
	Err  error
}

// Prebuilt control messages.
var (
	OpenMessage   = Message{Type: MsgOpen}
	CloseMessage  = Message{Type: MsgClose}
	ClosedMessage = Message{Type: MsgClosed}
)

// Handler is the application callback attached to an endpoint. It is invoked
// once per session event; a returned error is logged and isolated by the
// session, except on the open transition where it interrupts the session.
type Handler func(msg Message, session *Session) error

// RequestInfo captures the transport request that currently holds a session.
// It is borrowed for the duration of one acquire and cleared on release.
type RequestInfo struct {
	Method     string
	Path       string
	Transport  string
	RemoteAddr string
}
