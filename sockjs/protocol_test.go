package sockjs

import (
	"fmt"
	"strings"
	"testing"
)

func TestCloseFrame(t *testing.T) {
	t.Parallel()

	got := closeFrame(3000, "Go away!")
	want := `c[3000,"Go away!"]`
	if got != want {
		t.Errorf("closeFrame() = %q, want %q", got, want)
	}
}

func TestMessageFrame(t *testing.T) {
	t.Parallel()

	got := messageFrame("one")
	want := `a["one"]`
	if got != want {
		t.Errorf("messageFrame() = %q, want %q", got, want)
	}
}

func TestMessagesFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msgs []string
		want string
	}{
		{name: "single", msgs: []string{"one"}, want: `a["one"]`},
		{name: "batch", msgs: []string{"one", "two"}, want: `a["one","two"]`},
		{name: "empty", msgs: []string{}, want: `a[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := messagesFrame(tt.msgs); got != tt.want {
				t.Errorf("messagesFrame(%v) = %q, want %q", tt.msgs, got, tt.want)
			}
		})
	}
}

func TestQuoteEscapes(t *testing.T) {
	t.Parallel()

	got := quote(`c[3000,"Go away!"]`)
	want := `"c[3000,\"Go away!\"]"`
	if got != want {
		t.Errorf("quote() = %q, want %q", got, want)
	}
}

func TestRenderIframe(t *testing.T) {
	t.Parallel()

	page, etag := renderIframe(DefaultSockJSCDN)

	if !strings.Contains(string(page), fmt.Sprintf("src=%q", DefaultSockJSCDN)) {
		t.Errorf("iframe page does not embed the CDN URL: %s", page)
	}
	if len(etag) != 32 {
		t.Errorf("etag = %q, want 32 hex characters", etag)
	}

	_, etag2 := renderIframe("https://example.com/sockjs.js")
	if etag == etag2 {
		t.Error("etag should change with the CDN URL")
	}
}

func TestEntropyRange(t *testing.T) {
	t.Parallel()

	for range 1000 {
		n := entropy()
		if n < 1 || n > 2147483647 {
			t.Fatalf("entropy() = %d, want within [1, 2^31-1]", n)
		}
	}
}
