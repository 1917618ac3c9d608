package sockjs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/goccy/go-json"
)

// FrameType identifies one unit of the SockJS wire protocol. The value is the
// wire-visible tag prefix of the frame, except for FrameMessageBlob: "a1" is
// internal only, and a blob's pre-serialised payload starts with "a".
type FrameType string

const (
	FrameOpen        FrameType = "o"
	FrameClose       FrameType = "c"
	FrameMessage     FrameType = "a"
	FrameMessageBlob FrameType = "a1"
	FrameHeartbeat   FrameType = "h"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateNew State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Protocol defaults.
const (
	DefaultSessionTimeout    = 600 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultGCInterval        = 5 * time.Second

	// DefaultSockJSCDN is the client script loaded by the iframe page.
	DefaultSockJSCDN = "https://cdn.jsdelivr.net/npm/sockjs-client@1/dist/sockjs.js"
)

// closeFrame renders a CLOSE frame: "c" followed by the compact JSON pair
// [code, reason].
func closeFrame(code int, reason string) string {
	b, _ := json.Marshal([2]any{code, reason})
	return string(FrameClose) + string(b)
}

// messageFrame renders a single message as a MESSAGE frame: "a" + JSON([msg]).
func messageFrame(msg string) string {
	b, _ := json.Marshal([1]string{msg})
	return string(FrameMessage) + string(b)
}

// messagesFrame renders a batch of messages as one MESSAGE frame:
// "a" + JSON(msgs).
func messagesFrame(msgs []string) string {
	b, _ := json.Marshal(msgs)
	return string(FrameMessage) + string(b)
}

// quote renders a payload as a JSON string literal, for transports that embed
// frames inside a script body.
func quote(payload string) string {
	b, _ := json.Marshal(payload)
	return string(b)
}

// entropy returns a fresh random integer in [1, 2^31-1]. It seeds the info
// payload and raw WebSocket session ids.
func entropy() int {
	return rand.IntN(2147483647) + 1
}

// htmlfileHTML is the streaming document served by the htmlfile transport;
// the placeholder receives the client callback name.
const htmlfileHTML = `<!doctype html>
<html><head>
  <meta http-equiv="X-UA-Compatible" content="IE=edge" />
  <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
</head><body><h2>Don't panic!</h2>
  <script>
    document.domain = document.domain;
    var c = parent.%s;
    c.start();
    function p(d) {c.message(d);};
    window.onload = function() {c.stop();};
  </script>
`

// iframeHTML is the cross-domain bootstrap page; the placeholder receives the
// SockJS client CDN URL.
const iframeHTML = `<!DOCTYPE html>
<html>
<head>
<meta http-equiv="X-UA-Compatible" content="IE=edge" />
<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
  <script src="%s"></script>
  <script>
    document.domain = document.domain;
    SockJS.bootstrap_iframe();
  </script>
</head>
<body>
  <h2>Don"t panic!</h2>
  <p>This is a SockJS hidden iframe. It"s used for cross domain magic.</p>
</body>
</html>`

// renderIframe produces the iframe page for the given CDN URL together with
// its MD5 hex digest, served as a strong ETag.
func renderIframe(cdn string) (page []byte, etag string) {
	page = fmt.Appendf(nil, iframeHTML, cdn)
	sum := md5.Sum(page)
	return page, hex.EncodeToString(sum[:])
}
