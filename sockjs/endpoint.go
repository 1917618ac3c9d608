package sockjs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// Consumer binds a transport id to its handler. Autocreate controls whether a
// request for an unknown session id constructs the session or yields 404.
type Consumer struct {
	Autocreate bool
	Handle     func(e *Endpoint, c fiber.Ctx, session *Session, req *RequestInfo) error
}

// defaultConsumers is the full transport dispatch table.
func defaultConsumers() map[string]Consumer {
	return map[string]Consumer{
		"websocket":     {Autocreate: true, Handle: webSocketConsumer},
		"xhr":           {Autocreate: true, Handle: xhrConsumer},
		"xhr_send":      {Autocreate: false, Handle: xhrSendConsumer},
		"xhr_streaming": {Autocreate: true, Handle: xhrStreamingConsumer},
		"jsonp":         {Autocreate: true, Handle: jsonpConsumer},
		"jsonp_send":    {Autocreate: false, Handle: jsonpConsumer},
		"htmlfile":      {Autocreate: true, Handle: htmlFileConsumer},
		"eventsource":   {Autocreate: true, Handle: eventSourceConsumer},
	}
}

var iframeSuffix = regexp.MustCompile(`^[\w-]*\.html$`)

// Endpoint is one mounted SockJS service: a session manager, a transport
// dispatch table and the protocol's static endpoints.
type Endpoint struct {
	cfg        Config
	manager    *SessionManager
	consumers  map[string]Consumer
	disabled   map[string]struct{}
	iframePage []byte
	iframeETag string
	log        zerolog.Logger
}

// NewEndpoint builds an endpoint for the given application handler. The
// handler is required unless cfg supplies a prebuilt manager; a supplied
// manager must carry the endpoint name.
func NewEndpoint(handler Handler, cfg Config, logger zerolog.Logger) (*Endpoint, error) {
	if handler == nil && cfg.Manager == nil {
		return nil, errors.New("sockjs: handler required")
	}
	cfg = cfg.withDefaults()

	manager := cfg.Manager
	if manager == nil {
		manager = NewSessionManager(cfg.Name, handler, logger, ManagerOptions{
			HeartbeatInterval: cfg.HeartbeatInterval,
			SessionTimeout:    cfg.SessionTimeout,
			GCInterval:        cfg.GCInterval,
			Debug:             cfg.Debug,
		})
	} else if manager.Name() != cfg.Name {
		return nil, fmt.Errorf("sockjs: manager name %q does not match endpoint name %q", manager.Name(), cfg.Name)
	}

	consumers := cfg.Consumers
	if consumers == nil {
		consumers = defaultConsumers()
	}
	disabled := make(map[string]struct{}, len(cfg.DisableConsumers))
	for _, cid := range cfg.DisableConsumers {
		disabled[cid] = struct{}{}
	}

	page, etag := renderIframe(cfg.SockJSCDN)
	return &Endpoint{
		cfg:        cfg,
		manager:    manager,
		consumers:  consumers,
		disabled:   disabled,
		iframePage: page,
		iframeETag: etag,
		log:        logger.With().Str("component", "sockjs").Str("endpoint", cfg.Name).Logger(),
	}, nil
}

// Manager returns the endpoint's session manager.
func (e *Endpoint) Manager() *SessionManager { return e.manager }

// Register mounts the SockJS URL surface on the router.
func (e *Endpoint) Register(app fiber.Router) {
	prefix := "/" + e.cfg.Prefix
	app.Get(prefix, e.greeting)
	app.Get(prefix+"/", e.greeting)
	app.Get(prefix+"/info", e.info)
	app.Options(prefix+"/info", e.info)
	app.Get(prefix+"/iframe*", e.iframe)
	app.Get(prefix+"/websocket", e.rawWebSocket)
	app.All(prefix+"/:server/:session/:transport", e.dispatch)

	e.log.Info().Str("prefix", prefix).Msg("SockJS endpoint registered")
}

func (e *Endpoint) isDisabled(cid string) bool {
	_, ok := e.disabled[cid]
	return ok
}

// greeting serves the protocol welcome page.
func (e *Endpoint) greeting(c fiber.Ctx) error {
	c.Set("Content-Type", contentTypePlain)
	c.Set("Cache-Control", cacheControlNoCache)
	writeSessionCookie(c)
	writeCORSHeaders(c)
	return c.SendString("Welcome to SockJS!\n")
}

type infoPayload struct {
	Entropy      int      `json:"entropy"`
	WebSocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
}

// info reports the endpoint capabilities; entropy is sampled fresh for every
// request so clients can detect shared caches.
func (e *Endpoint) info(c fiber.Ctx) error {
	if c.Method() == fiber.MethodOptions {
		return preflight(c, "OPTIONS, GET", contentTypeJSON)
	}

	_, wsEnabled := e.consumers["websocket"]
	if e.isDisabled("websocket") {
		wsEnabled = false
	}

	payload, err := json.Marshal(infoPayload{
		Entropy:      entropy(),
		WebSocket:    wsEnabled,
		CookieNeeded: e.cfg.CookieNeeded,
		Origins:      []string{"*:*"},
	})
	if err != nil {
		return err
	}

	c.Set("Content-Type", contentTypeJSON)
	c.Set("Cache-Control", cacheControlNoCache)
	writeSessionCookie(c)
	writeCORSHeaders(c)
	return c.Send(payload)
}

// iframe serves the cross-domain bootstrap page with a strong ETag; any
// If-None-Match revalidation short-circuits to 304.
func (e *Endpoint) iframe(c fiber.Ctx) error {
	if !iframeSuffix.MatchString(c.Params("*")) {
		return c.SendStatus(fiber.StatusNotFound)
	}

	if c.Get("If-None-Match") != "" {
		writeCacheHeaders(c)
		return c.SendStatus(fiber.StatusNotModified)
	}

	c.Set("Content-Type", contentTypeHTML)
	c.Set("ETag", e.iframeETag)
	writeCacheHeaders(c)
	return c.Send(e.iframePage)
}

// dispatch routes a session URL to its transport consumer.
func (e *Endpoint) dispatch(c fiber.Ctx) error {
	server := c.Params("server")
	sid := c.Params("session")
	cid := c.Params("transport")

	cons, ok := e.consumers[cid]
	if !ok || e.isDisabled(cid) {
		return e.consumerNotFound(c, cid)
	}

	if !e.manager.Started() {
		e.manager.Start()
	}

	if sid == "" || server == "" || strings.Contains(sid, ".") || strings.Contains(server, ".") {
		return e.notFound(c, "SockJS bad route.")
	}

	session, err := e.manager.Get(sid, cons.Autocreate)
	if err != nil {
		return e.notFound(c, "SockJS session not found.")
	}

	return cons.Handle(e, c, session, newRequestInfo(c, cid))
}

// consumerNotFound rejects an unknown or disabled transport id: close code
// 10001 for a WebSocket upgrade, 404 otherwise.
func (e *Endpoint) consumerNotFound(c fiber.Ctx, cid string) error {
	if cid == "websocket" && websocket.IsWebSocketUpgrade(c) {
		return websocket.New(func(conn *websocket.Conn) {
			closeWithCode(conn.Conn, 10001, "")
		})(c)
	}
	return e.notFound(c, "SockJS consumer handler not found.")
}

func (e *Endpoint) notFound(c fiber.Ctx, body string) error {
	c.Set("Content-Type", contentTypePlain)
	return c.Status(fiber.StatusNotFound).SendString(body)
}
