package sockjs

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// recorder is a Handler that records every dispatched message.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error // returned from every call when set
}

func (r *recorder) handle(msg Message, _ *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) types() []MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]MessageType, len(r.msgs))
	for i, m := range r.msgs {
		types[i] = m.Type
	}
	return types
}

func (r *recorder) last() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}
	}
	return r.msgs[len(r.msgs)-1]
}

// openSession returns a manager-registered session driven to OPEN and then
// released, so tests can exercise the queue without an attached transport.
func openSession(t *testing.T, rec *recorder, opts ManagerOptions) (*SessionManager, *Session) {
	t.Helper()

	m := NewSessionManager("test", rec.handle, testLogger(), opts)
	s, err := m.Get("s1", true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := m.Acquire(&RequestInfo{Transport: "test"}, s); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	m.Release(s)
	return m, s
}

func waitFrame(t *testing.T, s *Session) Frame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return f
}

func TestSessionOpenTransition(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})

	if got := s.State(); got != StateOpen {
		t.Errorf("State() = %v, want %v", got, StateOpen)
	}

	f := waitFrame(t, s)
	if f.Type != FrameOpen || f.Payload != "o" {
		t.Errorf("first frame = (%v, %q), want (o, %q)", f.Type, f.Payload, "o")
	}

	types := rec.types()
	if len(types) != 1 || types[0] != MsgOpen {
		t.Errorf("handler saw %v, want [open]", types)
	}
}

func TestSessionMessageCoalescing(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})

	if f := waitFrame(t, s); f.Type != FrameOpen {
		t.Fatalf("first frame = %v, want open", f.Type)
	}

	s.Send("a")
	s.Send("b")
	s.Send("c")

	if n := s.MessageLength(); n != 1 {
		t.Fatalf("MessageLength() = %d, want 1 coalesced entry", n)
	}

	f := waitFrame(t, s)
	if f.Type != FrameMessage || f.Payload != `a["a","b","c"]` {
		t.Errorf("frame = (%v, %q), want packed batch", f.Type, f.Payload)
	}
}

func TestSessionCoalescingBrokenByOtherFrames(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})
	waitFrame(t, s) // open frame

	s.Send("a")
	s.SendFrame(`a["blob"]`)
	s.Send("b")

	if n := s.MessageLength(); n != 3 {
		t.Fatalf("MessageLength() = %d, want 3 entries", n)
	}

	if f := waitFrame(t, s); f.Payload != `a["a"]` {
		t.Errorf("frame 1 = %q, want %q", f.Payload, `a["a"]`)
	}
	if f := waitFrame(t, s); f.Type != FrameMessageBlob || f.Payload != `a["blob"]` {
		t.Errorf("frame 2 = (%v, %q), want blob passthrough", f.Type, f.Payload)
	}
	if f := waitFrame(t, s); f.Payload != `a["b"]` {
		t.Errorf("frame 3 = %q, want %q", f.Payload, `a["b"]`)
	}
}

func TestSessionSendRequiresOpen(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := NewSessionManager("test", rec.handle, testLogger(), ManagerOptions{})
	s, err := m.Get("s1", true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	s.Send("dropped")
	if n := s.MessageLength(); n != 0 {
		t.Errorf("MessageLength() = %d, want 0 for NEW session", n)
	}
}

func TestSessionCloseEnqueuesFrame(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})
	waitFrame(t, s)

	s.Close(3000, "Go away!")
	s.Close(3000, "Go away!") // idempotent

	if got := s.State(); got != StateClosing {
		t.Errorf("State() = %v, want %v", got, StateClosing)
	}
	if n := s.MessageLength(); n != 1 {
		t.Fatalf("MessageLength() = %d, want a single close frame", n)
	}

	f := waitFrame(t, s)
	if f.Type != FrameClose || f.Payload != `c[3000,"Go away!"]` {
		t.Errorf("frame = (%v, %q), want packed close", f.Type, f.Payload)
	}
}

func TestSessionWaitAfterClosed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})
	waitFrame(t, s)

	s.RemoteClosed()

	ctx := context.Background()
	if _, err := s.Wait(ctx); !errors.Is(err, ErrSessionIsClosed) {
		t.Errorf("Wait() error = %v, want ErrSessionIsClosed", err)
	}
	// CLOSED is absorbing.
	if _, err := s.Wait(ctx); !errors.Is(err, ErrSessionIsClosed) {
		t.Errorf("second Wait() error = %v, want ErrSessionIsClosed", err)
	}
}

func TestSessionRemoteClosedWakesWaiter(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})
	waitFrame(t, s)

	result := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background())
		result <- err
	}()

	// Let the goroutine park on the waiter before closing.
	time.Sleep(20 * time.Millisecond)
	s.RemoteClosed()

	select {
	case err := <-result:
		if !errors.Is(err, ErrSessionIsClosed) {
			t.Errorf("Wait() error = %v, want ErrSessionIsClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not wake up after RemoteClosed")
	}

	if !s.Expired() {
		t.Error("session should be expired after RemoteClosed")
	}
}

func TestSessionWaitContextCancel(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})
	waitFrame(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := s.Wait(ctx)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not observe cancellation")
	}
}

func TestSessionRemoteMessages(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})

	s.RemoteMessage("one")
	s.RemoteMessages([]string{"two", "three"})

	var data []string
	rec.mu.Lock()
	for _, m := range rec.msgs {
		if m.Type == MsgMessage {
			data = append(data, m.Data)
		}
	}
	rec.mu.Unlock()

	want := []string{"one", "two", "three"}
	if len(data) != len(want) {
		t.Fatalf("handler saw %v, want %v", data, want)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, data[i], want[i])
		}
	}
}

func TestSessionHandlerErrorIsolated(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: errors.New("boom")}
	m := NewSessionManager("test", rec.handle, testLogger(), ManagerOptions{})
	s, err := m.Get("s1", true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := m.Acquire(&RequestInfo{}, s); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if got := s.State(); got != StateClosing {
		t.Errorf("State() = %v, want closing after handler failure on open", got)
	}
	if !s.Interrupted() {
		t.Error("session should be interrupted after handler failure on open")
	}
	if s.Err() == nil {
		t.Error("session should record the handler error")
	}

	// Queue holds the open frame followed by the internal-error close.
	if f := waitFrame(t, s); f.Type != FrameOpen {
		t.Fatalf("first frame = %v, want open", f.Type)
	}
	f := waitFrame(t, s)
	if f.Type != FrameClose || f.Payload != `c[3000,"Internal error"]` {
		t.Errorf("frame = (%v, %q), want internal-error close", f.Type, f.Payload)
	}

	// Message handler failures never escalate.
	s.RemoteMessage("still fine")
}

func TestSessionRemoteClose(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})

	cause := errors.New("connection reset")
	s.RemoteClose(cause)
	s.RemoteClose(cause) // idempotent

	if got := s.State(); got != StateClosing {
		t.Errorf("State() = %v, want %v", got, StateClosing)
	}
	if !s.Interrupted() {
		t.Error("RemoteClose with error should mark the session interrupted")
	}
	if last := rec.last(); last.Type != MsgClose || !errors.Is(last.Err, cause) {
		t.Errorf("handler saw %+v, want close message carrying the cause", last)
	}

	s.RemoteClosed()
	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
	if last := rec.last(); last.Type != MsgClosed {
		t.Errorf("handler saw %v, want closed", last.Type)
	}
}

func TestSessionHeartbeat(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := NewSessionManager("test", rec.handle, testLogger(), ManagerOptions{
		HeartbeatInterval: 30 * time.Millisecond,
	})
	s, err := m.Get("s1", true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := m.Acquire(&RequestInfo{}, s); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(s)

	waitFrame(t, s) // open frame

	// Consuming each heartbeat keeps the session alive and the counter
	// strictly increasing.
	for i := range 3 {
		f := waitFrame(t, s)
		if f.Type != FrameHeartbeat || f.Payload != "h" {
			t.Fatalf("frame %d = (%v, %q), want heartbeat", i, f.Type, f.Payload)
		}
	}

	s.mu.Lock()
	beats := s.heartbeats
	s.mu.Unlock()
	if beats < 3 {
		t.Errorf("heartbeats = %d, want at least 3", beats)
	}
	if got := s.State(); got != StateOpen {
		t.Errorf("State() = %v, want open while heartbeats are consumed", got)
	}
}

func TestSessionHeartbeatUnconsumedClosesSession(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := NewSessionManager("test", rec.handle, testLogger(), ManagerOptions{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	s, err := m.Get("s1", true)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := m.Acquire(&RequestInfo{}, s); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Never consume: the second firing finds the previous heartbeat pending
	// and presumes the client dead.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateClosed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want closed after unconsumed heartbeat", s.State())
}

func TestSessionExpire(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})

	s.Expire()
	if !s.Expired() {
		t.Error("Expired() = false after Expire()")
	}
}

func TestSessionString(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, s := openSession(t, rec, ManagerOptions{})
	s.Send("queued")

	got := s.String()
	for _, want := range []string{`id="s1"`, "connected", "hits=1"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
}
