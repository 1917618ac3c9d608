package sockjs

import (
	"bufio"
	"context"
	"fmt"
	"regexp"

	"github.com/gofiber/fiber/v3"
)

// checkCallback validates the client-supplied callback parameter shared by
// the htmlfile and jsonp transports.
var checkCallback = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// callbackParam extracts and validates the c query parameter. A missing or
// invalid callback finalises the session and yields a 500 with the reason.
func callbackParam(c fiber.Ctx, session *Session) (string, error) {
	cb := c.Query("c")
	if cb == "" {
		session.RemoteClosed()
		c.Set("Content-Type", contentTypePlain)
		return "", c.Status(fiber.StatusInternalServerError).SendString(`"callback" parameter required`)
	}
	if !checkCallback.MatchString(cb) {
		session.RemoteClosed()
		c.Set("Content-Type", contentTypePlain)
		return "", c.Status(fiber.StatusInternalServerError).SendString(`invalid "callback" parameter`)
	}
	return cb, nil
}

// htmlFileConsumer serves the htmlfile transport: a streaming HTML document
// whose script chunks hand each frame to the parent window callback.
func htmlFileConsumer(e *Endpoint, c fiber.Ctx, session *Session, req *RequestInfo) error {
	cb, err := callbackParam(c, session)
	if cb == "" {
		return err
	}

	c.Set("Content-Type", contentTypeHTML)
	c.Set("Cache-Control", cacheControlNoCache)
	c.Set("Connection", "close")
	writeSessionCookie(c)
	writeCORSHeaders(c)
	c.Status(fiber.StatusOK)

	manager := e.manager
	prelude := fmt.Sprintf(htmlfileHTML, cb)
	return c.SendStreamWriter(func(w *bufio.Writer) {
		write := flushWriter(w)
		if err := write([]byte(prelude)); err != nil {
			return
		}

		t := &httpTransport{
			manager: manager,
			session: session,
			request: req,
			maxsize: streamMaxSize,
			encode: func(p string) []byte {
				return []byte("<script>\np(" + quote(p) + ");\n</script>\r\n")
			},
			write: write,
		}
		_ = t.drain(context.Background())
	})
}
