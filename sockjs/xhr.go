package sockjs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
)

// Incoming payload failures, surfaced verbatim as the response body.
var (
	errPayloadExpected = errors.New("Payload expected.")
	errBrokenJSON      = errors.New("Broken JSON encoding.")
)

// xhrConsumer serves the xhr transport: a long poll that delivers a single
// frame per request.
func xhrConsumer(e *Endpoint, c fiber.Ctx, session *Session, req *RequestInfo) error {
	if c.Method() == fiber.MethodOptions {
		return preflight(c, "OPTIONS, POST", contentTypeJavascript)
	}

	c.Set("Content-Type", contentTypeJavascript)
	c.Set("Cache-Control", cacheControlNoCache)
	writeSessionCookie(c)
	writeCORSHeaders(c)
	c.Status(fiber.StatusOK)

	t := &httpTransport{
		manager: e.manager,
		session: session,
		request: req,
		encode:  func(p string) []byte { return []byte(p + "\n") },
		write: func(p []byte) error {
			c.Response().AppendBody(p)
			return nil
		},
	}
	if err := t.drain(c.Context()); err != nil {
		e.log.Debug().Err(err).Str("session", session.ID()).Msg("XHR poll ended")
	}
	return nil
}

// xhrStreamingConsumer serves the xhr_streaming transport: a chunked response
// opened with a 2 KiB prelude that streams frames until the size cap.
func xhrStreamingConsumer(e *Endpoint, c fiber.Ctx, session *Session, req *RequestInfo) error {
	c.Set("Content-Type", contentTypeJavascript)
	c.Set("Cache-Control", cacheControlNoCache)
	writeSessionCookie(c)
	writeCORSHeaders(c)

	if c.Method() == fiber.MethodOptions {
		c.Set("Access-Control-Allow-Methods", "OPTIONS, POST")
		writeCacheHeaders(c)
		return c.SendStatus(fiber.StatusNoContent)
	}

	conn := c.Get("Connection")
	if conn == "" {
		conn = "close"
	}
	c.Set("Connection", conn)
	c.Status(fiber.StatusOK)

	manager := e.manager
	return c.SendStreamWriter(func(w *bufio.Writer) {
		t := &httpTransport{
			manager: manager,
			session: session,
			request: req,
			maxsize: streamMaxSize,
			encode:  func(p string) []byte { return []byte(p + "\n") },
			write:   flushWriter(w),
		}

		prelude := strings.Repeat("h", 2048) + "\n"
		t.size += len(prelude)
		if err := t.write([]byte(prelude)); err != nil {
			return
		}
		_ = t.drain(context.Background())
	})
}

// xhrSendConsumer receives client payloads for an established session.
func xhrSendConsumer(e *Endpoint, c fiber.Ctx, session *Session, _ *RequestInfo) error {
	switch c.Method() {
	case fiber.MethodOptions:
		return preflight(c, "OPTIONS, POST", contentTypeJavascript)
	case fiber.MethodPost:
	default:
		c.Set("Connection", "close")
		c.Set("Access-Control-Allow-Methods", "POST,OPTIONS")
		c.Set("Content-Type", contentTypePlain)
		return c.Status(fiber.StatusForbidden).
			SendString("Method `" + c.Method() + "` is not allowed, allowed methods: POST,OPTIONS")
	}

	msgs, err := decodeMessages(c.Body(), c.Get("Content-Type"))
	if err != nil {
		c.Set("Content-Type", contentTypePlain)
		return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}

	c.Set("Content-Type", contentTypePlain)
	c.Set("Cache-Control", cacheControlNoCache)
	writeSessionCookie(c)
	writeCORSHeaders(c)

	session.RemoteMessages(msgs)
	return c.SendStatus(fiber.StatusNoContent)
}

// decodeMessages parses an incoming payload as a JSON array of strings. Form
// bodies are unwrapped from their d= envelope and URL-decoded first.
func decodeMessages(body []byte, contentType string) ([]string, error) {
	if strings.HasPrefix(strings.ToLower(contentType), "application/x-www-form-urlencoded") {
		if !bytes.HasPrefix(body, []byte("d=")) {
			return nil, errPayloadExpected
		}
		decoded, err := url.QueryUnescape(string(body[2:]))
		if err != nil {
			return nil, errPayloadExpected
		}
		body = []byte(decoded)
	}

	if len(body) == 0 {
		return nil, errPayloadExpected
	}

	var msgs []string
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, errBrokenJSON
	}
	return msgs, nil
}
