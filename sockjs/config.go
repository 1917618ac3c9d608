package sockjs

import "time"

// Config describes one SockJS endpoint. Start from DefaultConfig and override
// what the deployment needs; withDefaults fills any remaining zero values
// except CookieNeeded, whose protocol default is carried by DefaultConfig.
type Config struct {
	// Name identifies the endpoint in logs and metrics. Defaults to Prefix.
	Name string

	// Prefix is the URL prefix the endpoint is rooted at, without slashes.
	Prefix string

	// SockJSCDN is the client script URL baked into the iframe page.
	SockJSCDN string

	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	GCInterval        time.Duration

	// CookieNeeded is advertised in the info payload; JSESSIONID-style sticky
	// load balancing needs it.
	CookieNeeded bool

	// DisableConsumers lists transport ids to reject with 404.
	DisableConsumers []string

	// Consumers overrides the transport dispatch table. Nil means the full
	// default set.
	Consumers map[string]Consumer

	// Manager supplies an externally constructed session manager. Its name
	// must match the endpoint name. Nil means the endpoint builds its own.
	Manager *SessionManager

	// Debug enables payload echoes in logs.
	Debug bool
}

// DefaultConfig returns the protocol defaults for an endpoint.
func DefaultConfig() Config {
	return Config{
		Prefix:            "sockjs",
		SockJSCDN:         DefaultSockJSCDN,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SessionTimeout:    DefaultSessionTimeout,
		GCInterval:        DefaultGCInterval,
		CookieNeeded:      true,
	}
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "sockjs"
	}
	if c.Name == "" {
		c.Name = c.Prefix
	}
	if c.SockJSCDN == "" {
		c.SockJSCDN = DefaultSockJSCDN
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	return c
}
