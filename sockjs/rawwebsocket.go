package sockjs

import (
	"context"
	"fmt"

	fws "github.com/fasthttp/websocket"
	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
)

// rawWebSocket serves the framing-free WebSocket endpoint. Each connection
// gets a server-generated session id, and no o/h/c frames reach the wire.
func (e *Endpoint) rawWebSocket(c fiber.Ctx) error {
	if _, ok := e.consumers["websocket"]; !ok || e.isDisabled("websocket") {
		return e.consumerNotFound(c, "websocket")
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	if !e.manager.Started() {
		e.manager.Start()
	}

	sid := fmt.Sprintf("%09d", entropy())
	session, err := e.manager.Get(sid, true)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	req := newRequestInfo(c, "rawwebsocket")

	return websocket.New(func(conn *websocket.Conn) {
		e.serveRawWebSocket(conn.Conn, session, req)
	})(c)
}

// serveRawWebSocket drives one raw connection: the session is fresh by
// construction, so there are no interrupt or closing preambles.
func (e *Endpoint) serveRawWebSocket(conn *fws.Conn, session *Session, req *RequestInfo) {
	defer func() { _ = conn.Close() }()

	if err := e.manager.Acquire(req, session); err != nil {
		session.RemoteClose(err)
		session.RemoteClosed()
		closeWithCode(conn, 3000, "Go away!")
		return
	}
	defer e.manager.Release(session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.rawWebSocketDrain(ctx, conn, session)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if len(data) == 0 {
			continue
		}
		session.RemoteMessage(string(data))
	}

	session.RemoteClosed()
	cancel()
	<-done
}

// rawWebSocketDrain streams unpacked frames: MESSAGE payload elements go out
// as individual text messages, MESSAGE_BLOB frames are re-parsed to recover
// their elements, and OPEN/HEARTBEAT never reach the wire.
func (e *Endpoint) rawWebSocketDrain(ctx context.Context, conn *fws.Conn, session *Session) {
	for {
		frame, err := session.wait(ctx, false)
		if err != nil {
			return
		}

		switch frame.Type {
		case FrameMessage:
			for _, msg := range frame.Messages {
				if werr := writeText(conn, msg); werr != nil {
					session.RemoteClose(werr)
					session.RemoteClosed()
					return
				}
				metricFrames.WithLabelValues(e.manager.Name(), string(FrameMessage)).Inc()
			}

		case FrameMessageBlob:
			var msgs []string
			if uerr := json.Unmarshal([]byte(frame.Payload[len(FrameMessage):]), &msgs); uerr != nil {
				session.RemoteClose(uerr)
				session.RemoteClosed()
				return
			}
			for _, msg := range msgs {
				if werr := writeText(conn, msg); werr != nil {
					session.RemoteClose(werr)
					session.RemoteClosed()
					return
				}
				metricFrames.WithLabelValues(e.manager.Name(), string(FrameMessage)).Inc()
			}

		case FrameClose:
			closeWithCode(conn, 3000, "Go away!")
			session.RemoteClosed()
			return
		}
	}
}
