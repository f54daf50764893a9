package server

import (
	"net/http"
	"net/url"
	"time"
)

// SessionConfig holds configuration for individual sessions.
type SessionConfig struct {
	// ReadTimeout is the maximum time to wait for a message from the client.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// IdleTimeout is the time after which an inactive session is closed.
	// Default: 5 minutes.
	IdleTimeout time.Duration

	// HandshakeTimeout is the maximum time for the hello/welcome exchange.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the time between heartbeat pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// ResumeWindow is how long a detached session remains resumable.
	// Default: 5 minutes.
	ResumeWindow time.Duration

	// MutateTimeout bounds how long one event handler may hold the
	// mutation lock, including lock acquisition.
	// Default: 30 seconds.
	MutateTimeout time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 64KB.
	MaxMessageSize int64

	// MaxEventQueue is the size of the event channel buffer.
	// Default: 256.
	MaxEventQueue int

	// MaxEmitChain is the maximum number of follow-up events one client
	// event may fan out into before the rest are dropped.
	// Default: 64.
	MaxEmitChain int

	// EnableCompression enables WebSocket compression.
	// Default: true.
	EnableCompression bool
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Minute,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ResumeWindow:      5 * time.Minute,
		MutateTimeout:     30 * time.Second,
		MaxMessageSize:    64 * 1024,
		MaxEventQueue:     256,
		MaxEmitChain:      64,
		EnableCompression: true,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080").
	// Default: ":8080".
	Address string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent sessions.
	// 0 means no limit. Default: 0.
	MaxSessions int

	// MaxSessionsPerIP is the maximum sessions per client IP.
	// 0 means no limit. Default: 0.
	MaxSessionsPerIP int

	// EvictOnIPLimit evicts the oldest detached session of a full IP
	// bucket instead of rejecting the new connection.
	// Default: true.
	EvictOnIPLimit bool

	// CleanupInterval is the interval for the session cleanup loop.
	// Default: 30 seconds.
	CleanupInterval time.Duration

	// PersistInterval is how often live sessions are snapshotted to the
	// store. Zero disables periodic persistence; snapshots are still
	// written on detach and shutdown.
	// Default: 30 seconds.
	PersistInterval time.Duration

	// TrustedProxies lists reverse proxy IPs or CIDRs whose
	// X-Forwarded-For / Forwarded headers are honored.
	// Default: nil (headers ignored).
	TrustedProxies []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// CheckOrigin enforces same-origin by default to prevent cross-site
// WebSocket hijacking.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     SameOriginCheck,
		SessionConfig:   DefaultSessionConfig(),
		ShutdownTimeout: 30 * time.Second,
		EvictOnIPLimit:  true,
		CleanupInterval: 30 * time.Second,
		PersistInterval: 30 * time.Second,
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the
// host. This is the secure default for CheckOrigin.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (same-origin request or non-browser client).
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.SessionConfig != nil {
		clone.SessionConfig = c.SessionConfig.Clone()
	}
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithSessionConfig sets the session configuration and returns the config for chaining.
func (c *ServerConfig) WithSessionConfig(sc *SessionConfig) *ServerConfig {
	c.SessionConfig = sc
	return c
}

// WithMaxSessions sets the maximum sessions and returns the config for chaining.
func (c *ServerConfig) WithMaxSessions(max int) *ServerConfig {
	c.MaxSessions = max
	return c
}
