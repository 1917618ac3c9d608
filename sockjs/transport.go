package sockjs

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
)

const (
	contentTypeJavascript  = "application/javascript; charset=UTF-8"
	contentTypePlain       = "text/plain; charset=UTF-8"
	contentTypeHTML        = "text/html; charset=UTF-8"
	contentTypeJSON        = "application/json; charset=UTF-8"
	contentTypeEventStream = "text/event-stream"

	cacheControlNoCache = "no-store, no-cache, no-transform, must-revalidate, max-age=0"

	// streamMaxSize caps a streaming response body before the client is asked
	// to reconnect.
	streamMaxSize = 131072
)

var oneYearSeconds = strconv.Itoa(int((365 * 24 * time.Hour).Seconds()))

// writeSessionCookie echoes the client's sessionID cookie, or "dummy" when
// absent, scoped to the site root.
func writeSessionCookie(c fiber.Ctx) {
	sid := c.Cookies("sessionID")
	if sid == "" {
		sid = "dummy"
	}
	c.Cookie(&fiber.Cookie{Name: "sessionID", Value: sid, Path: "/"})
}

// writeCORSHeaders mirrors the request origin, grants credentials for
// non-wildcard origins and echoes any requested headers.
func writeCORSHeaders(c fiber.Ctx) {
	origin := c.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	c.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		c.Set("Access-Control-Allow-Credentials", "true")
	}
	if h := c.Get("Access-Control-Request-Headers"); h != "" {
		c.Set("Access-Control-Allow-Headers", h)
	}
}

// writeCacheHeaders marks the response cacheable for one year; used on the
// iframe page and CORS preflights.
func writeCacheHeaders(c fiber.Ctx) {
	c.Set("Access-Control-Max-Age", oneYearSeconds)
	c.Set("Cache-Control", "max-age="+oneYearSeconds+", public")
	c.Set("Expires", time.Now().UTC().Add(365*24*time.Hour).Format("Mon, 02 Jan 2006 15:04:05 GMT"))
}

// preflight answers an OPTIONS probe for the given allowed methods.
func preflight(c fiber.Ctx, methods, contentType string) error {
	c.Set("Content-Type", contentType)
	c.Set("Access-Control-Allow-Methods", methods)
	writeSessionCookie(c)
	writeCORSHeaders(c)
	writeCacheHeaders(c)
	return c.SendStatus(fiber.StatusNoContent)
}

// httpTransport drives the shared acquire -> drain -> release loop for the
// HTTP transports. Each concrete transport supplies its frame encoding and a
// chunk writer; maxsize bounds the response body, with zero meaning a single
// frame.
type httpTransport struct {
	manager *SessionManager
	session *Session
	request *RequestInfo
	maxsize int
	size    int
	encode  func(payload string) []byte
	write   func(p []byte) error
}

// sendFrame encodes and writes one frame. With more set, the response budget
// is charged and the return value reports whether the size cap was reached.
func (t *httpTransport) sendFrame(tag FrameType, payload string, more bool) (stop bool, err error) {
	body := t.encode(payload)
	if more {
		t.size += len(body)
		more = t.size < t.maxsize
	}
	if err := t.write(body); err != nil {
		return true, err
	}
	metricFrames.WithLabelValues(t.manager.Name(), string(tag)).Inc()
	return !more, nil
}

// drain implements the common transport contract: surface an interrupted or
// closing session as the matching close frame, otherwise acquire the session
// and stream frames until close, size cap, session end or cancellation. The
// session is released on every exit path.
func (t *httpTransport) drain(ctx context.Context) error {
	if t.session.Interrupted() {
		_, err := t.sendFrame(FrameClose, closeFrame(1002, "Connection interrupted"), false)
		return err
	}
	if st := t.session.State(); st == StateClosing || st == StateClosed {
		t.session.RemoteClosed()
		_, err := t.sendFrame(FrameClose, closeFrame(3000, "Go away!"), false)
		return err
	}

	if err := t.manager.Acquire(t.request, t.session); err != nil {
		if errors.Is(err, ErrSessionIsAcquired) {
			_, werr := t.sendFrame(FrameClose, closeFrame(2010, "Another connection still open"), false)
			return werr
		}
		return err
	}
	defer t.manager.Release(t.session)

	for {
		frame, err := t.session.Wait(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionIsClosed) {
				return nil
			}
			t.session.RemoteClose(err)
			t.session.RemoteClosed()
			return err
		}

		if frame.Type == FrameClose {
			t.session.RemoteClosed()
			_, werr := t.sendFrame(FrameClose, frame.Payload, false)
			return werr
		}

		stop, err := t.sendFrame(frame.Type, frame.Payload, true)
		if err != nil {
			t.session.RemoteClose(err)
			t.session.RemoteClosed()
			return err
		}
		if stop {
			return nil
		}
	}
}

// flushWriter adapts a buffered stream body into a chunk writer that flushes
// after every frame. A flush failure is how a dropped client surfaces to the
// drain loop.
func flushWriter(w *bufio.Writer) func(p []byte) error {
	return func(p []byte) error {
		if _, err := w.Write(p); err != nil {
			return err
		}
		return w.Flush()
	}
}

// newRequestInfo snapshots the transport request for the session to borrow.
func newRequestInfo(c fiber.Ctx, transport string) *RequestInfo {
	return &RequestInfo{
		Method:     c.Method(),
		Path:       c.Path(),
		Transport:  transport,
		RemoteAddr: c.IP(),
	}
}
