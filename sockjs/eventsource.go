package sockjs

import (
	"bufio"
	"context"

	"github.com/gofiber/fiber/v3"
)

// eventSourceConsumer serves the eventsource transport: a Server-Sent Events
// stream carrying each frame as one data event.
func eventSourceConsumer(e *Endpoint, c fiber.Ctx, session *Session, req *RequestInfo) error {
	c.Set("Content-Type", contentTypeEventStream)
	c.Set("Cache-Control", cacheControlNoCache)
	writeSessionCookie(c)
	c.Status(fiber.StatusOK)

	manager := e.manager
	return c.SendStreamWriter(func(w *bufio.Writer) {
		write := flushWriter(w)
		if err := write([]byte("\r\n")); err != nil {
			return
		}

		t := &httpTransport{
			manager: manager,
			session: session,
			request: req,
			maxsize: streamMaxSize,
			encode:  func(p string) []byte { return []byte("data: " + p + "\r\n\r\n") },
			write:   write,
		}
		_ = t.drain(context.Background())
	})
}
