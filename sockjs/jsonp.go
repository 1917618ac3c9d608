package sockjs

import (
	"github.com/gofiber/fiber/v3"
)

// jsonpConsumer serves the jsonp and jsonp_send transports. A GET delivers a
// single frame wrapped in the client callback; a POST receives payloads and
// acknowledges with "ok".
func jsonpConsumer(e *Endpoint, c fiber.Ctx, session *Session, req *RequestInfo) error {
	switch c.Method() {
	case fiber.MethodGet:
		cb, err := callbackParam(c, session)
		if cb == "" {
			return err
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
			encode: func(p string) []byte {
				return []byte("/**/" + cb + "(" + quote(p) + ");\r\n")
			},
			write: func(p []byte) error {
				c.Response().AppendBody(p)
				return nil
			},
		}
		if err := t.drain(c.Context()); err != nil {
			e.log.Debug().Err(err).Str("session", session.ID()).Msg("JSONP poll ended")
		}
		return nil

	case fiber.MethodPost:
		msgs, err := decodeMessages(c.Body(), c.Get("Content-Type"))
		if err != nil {
			c.Set("Content-Type", contentTypePlain)
			return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
		}

		c.Set("Content-Type", contentTypeHTML)
		c.Set("Cache-Control", cacheControlNoCache)
		writeSessionCookie(c)

		session.RemoteMessages(msgs)
		return c.SendString("ok")

	default:
		c.Set("Connection", "close")
		c.Set("Access-Control-Allow-Methods", "GET,POST")
		c.Set("Content-Type", contentTypePlain)
		return c.Status(fiber.StatusBadRequest).
			SendString("No support for such method:{" + c.Method() + "}")
	}
}
