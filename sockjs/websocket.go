package sockjs

import (
	"context"
	"errors"
	"strings"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
)

// writeWait is the time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// webSocketConsumer upgrades the connection and serves the SockJS-framed
// websocket transport.
func webSocketConsumer(e *Endpoint, c fiber.Ctx, session *Session, req *RequestInfo) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		e.serveWebSocket(conn.Conn, session, req)
	})(c)
}

// serveWebSocket drives one SockJS-framed WebSocket connection: the interrupt
// and closing checks mirror the HTTP drain contract, then a drain goroutine
// streams packed frames while this goroutine reads client payloads.
func (e *Endpoint) serveWebSocket(conn *fws.Conn, session *Session, req *RequestInfo) {
	defer func() { _ = conn.Close() }()

	if session.Interrupted() {
		_ = writeText(conn, closeFrame(1002, "Connection interrupted"))
		return
	}
	if st := session.State(); st == StateClosing || st == StateClosed {
		session.RemoteClosed()
		_ = writeText(conn, closeFrame(3000, "Go away!"))
		return
	}

	if err := e.manager.Acquire(req, session); err != nil {
		if errors.Is(err, ErrSessionIsAcquired) {
			_ = writeText(conn, closeFrame(2010, "Another connection still open"))
			return
		}
		session.RemoteClose(err)
		session.RemoteClosed()
		_ = writeText(conn, closeFrame(3000, "Go away!"))
		closeWithCode(conn, 3000, "Go away!")
		return
	}
	defer e.manager.Release(session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.webSocketDrain(ctx, conn, session)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		payload := string(data)
		if strings.HasPrefix(payload, "[") {
			if len(payload) < 2 {
				payload = ""
			} else {
				payload = payload[1 : len(payload)-1]
			}
		}

		var msg string
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			session.RemoteClose(err)
			session.RemoteClosed()
			break
		}
		session.RemoteMessage(msg)
	}

	session.RemoteClosed()
	cancel()
	<-done
}

// webSocketDrain streams packed frames from the session queue to the socket.
// A CLOSE frame is written before the socket closes with code 3000.
func (e *Endpoint) webSocketDrain(ctx context.Context, conn *fws.Conn, session *Session) {
	for {
		frame, err := session.Wait(ctx)
		if err != nil {
			return
		}

		if werr := writeText(conn, frame.Payload); werr != nil {
			session.RemoteClose(werr)
			session.RemoteClosed()
			return
		}
		metricFrames.WithLabelValues(e.manager.Name(), string(frame.Type)).Inc()

		if frame.Type == FrameClose {
			closeWithCode(conn, 3000, "Go away!")
			session.RemoteClosed()
			return
		}
	}
}

// writeText writes one text message under the write deadline.
func writeText(conn *fws.Conn, payload string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(fws.TextMessage, []byte(payload))
}

// closeWithCode sends a WebSocket close frame with the given code and reason,
// then closes the underlying connection.
func closeWithCode(conn *fws.Conn, code int, reason string) {
	msg := fws.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(fws.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
