package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iTraceur/sockjs-channels/internal/config"
	"github.com/iTraceur/sockjs-channels/internal/httputil"
	"github.com/iTraceur/sockjs-channels/sockjs"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("env", cfg.ServerEnv).
		Msg("Starting SockJS chat server")

	app := fiber.New(fiber.Config{AppName: "sockjs-chat"})
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger,
		"/"+cfg.SockJSPrefix+"/websocket"))

	chat := newChatRoom(log.Logger)
	endpoint, err := sockjs.NewEndpoint(chat.handle, sockjs.Config{
		Name:              cfg.SockJSName,
		Prefix:            cfg.SockJSPrefix,
		SockJSCDN:         cfg.SockJSCDN,
		HeartbeatInterval: cfg.SockJSHeartbeatInterval,
		SessionTimeout:    cfg.SockJSSessionTimeout,
		GCInterval:        cfg.SockJSGCInterval,
		CookieNeeded:      cfg.SockJSCookieNeeded,
		Debug:             cfg.SockJSDebug,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("build sockjs endpoint: %w", err)
	}
	endpoint.Register(app)

	app.Get("/", func(c fiber.Ctx) error {
		c.Set("Content-Type", "text/html; charset=UTF-8")
		return c.SendString(chatPage)
	})

	// Graceful shutdown: the session manager is torn down before the HTTP
	// server so every session is finalised (MsgClosed dispatched) while its
	// connection is still up. No close frame is queued for the clients.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		endpoint.Manager().Clear()
		endpoint.Manager().Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// chatRoom broadcasts joins, messages and departures to all connected
// sessions, tagging each visitor with a short random name.
type chatRoom struct {
	log zerolog.Logger

	mu       sync.Mutex
	visitors map[string]string
}

func newChatRoom(logger zerolog.Logger) *chatRoom {
	return &chatRoom{
		log:      logger.With().Str("component", "chat").Logger(),
		visitors: make(map[string]string),
	}
}

// handle is the SockJS application handler. Events of a session that no
// transport currently holds (Manager() is nil) are not broadcast.
func (r *chatRoom) handle(msg sockjs.Message, session *sockjs.Session) error {
	manager := session.Manager()
	if manager == nil {
		return nil
	}

	switch msg.Type {
	case sockjs.MsgOpen:
		manager.Broadcast(r.visitor(session) + " joined.")
	case sockjs.MsgMessage:
		manager.Broadcast(r.visitor(session) + ": " + msg.Data)
	case sockjs.MsgClosed:
		manager.Broadcast(r.forget(session) + " left.")
	}
	return nil
}

// visitor returns the tag for a session, assigning one on first sight.
func (r *chatRoom) visitor(session *sockjs.Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tag, ok := r.visitors[session.ID()]; ok {
		return tag
	}
	tag := "guest-" + uuid.NewString()[:8]
	r.visitors[session.ID()] = tag
	return tag
}

// forget removes and returns the tag of a departed session.
func (r *chatRoom) forget(session *sockjs.Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag, ok := r.visitors[session.ID()]
	if !ok {
		return "someone"
	}
	delete(r.visitors, session.ID())
	return tag
}

// chatPage is a minimal browser client for manual testing.
const chatPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>SockJS chat</title>
  <script src="https://cdn.jsdelivr.net/npm/sockjs-client@1/dist/sockjs.min.js"></script>
</head>
<body>
  <ul id="messages"></ul>
  <input id="input" placeholder="Say something" autofocus>
  <script>
    var sock = new SockJS("/sockjs");
    var messages = document.getElementById("messages");
    var input = document.getElementById("input");
    sock.onmessage = function(e) {
      var li = document.createElement("li");
      li.textContent = e.data;
      messages.appendChild(li);
    };
    input.addEventListener("keyup", function(e) {
      if (e.key === "Enter" && input.value) {
        sock.send(input.value);
        input.value = "";
      }
    });
  </script>
</body>
</html>
`
