package httputil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "200 logs at info", status: 200, wantLevel: "info"},
		{name: "301 logs at info", status: 301, wantLevel: "info"},
		{name: "404 logs at warn", status: 404, wantLevel: "warn"},
		{name: "503 logs at error", status: 503, wantLevel: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			app := fiber.New()
			app.Use(RequestLogger(logger))
			app.Get("/test", func(c fiber.Ctx) error {
				return c.SendStatus(tt.status)
			})

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			_, _ = io.ReadAll(resp.Body)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log entry: %v\nraw: %s", err, buf.String())
			}

			if got := entry["level"]; got != tt.wantLevel {
				t.Errorf("level = %q, want %q", got, tt.wantLevel)
			}
			for _, field := range []string{"method", "path", "status", "latency", "ip"} {
				if _, ok := entry[field]; !ok {
					t.Errorf("log entry missing field %q", field)
				}
			}
		})
	}
}

func TestRequestLoggerSkipsPaths(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	app := fiber.New()
	app.Use(RequestLogger(logger, "/quiet"))
	app.Get("/quiet", func(c fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/quiet", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	_ = resp.Body.Close()

	if buf.Len() != 0 {
		t.Errorf("skipped path was logged: %s", buf.String())
	}
}
