package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.SockJSPrefix != "sockjs" {
		t.Errorf("SockJSPrefix = %q, want %q", cfg.SockJSPrefix, "sockjs")
	}
	if cfg.SockJSHeartbeatInterval != 25*time.Second {
		t.Errorf("SockJSHeartbeatInterval = %v, want 25s", cfg.SockJSHeartbeatInterval)
	}
	if cfg.SockJSSessionTimeout != 600*time.Second {
		t.Errorf("SockJSSessionTimeout = %v, want 600s", cfg.SockJSSessionTimeout)
	}
	if !cfg.SockJSCookieNeeded {
		t.Error("SockJSCookieNeeded = false, want true")
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true for the production default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("SOCKJS_HEARTBEAT_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerPort != 9999 {
		t.Errorf("ServerPort = %d, want 9999", cfg.ServerPort)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false")
	}
	if cfg.SockJSHeartbeatInterval != 5*time.Second {
		t.Errorf("SockJSHeartbeatInterval = %v, want 5s", cfg.SockJSHeartbeatInterval)
	}
}

func TestLoadParseErrors(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("SOCKJS_GC_INTERVAL", "not-a-duration")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() accepted invalid values")
	}
	for _, want := range []string{"SERVER_PORT", "SOCKJS_GC_INTERVAL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("SERVER_PORT", "0")

	if _, err := Load(); err == nil {
		t.Error("Load() accepted port 0")
	}
}
