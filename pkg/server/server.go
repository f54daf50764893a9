package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ripple-frame/ripple/pkg/protocol"
	"github.com/ripple-frame/ripple/pkg/store"
)

// WebSocketPath is the endpoint clients connect to.
const WebSocketPath = "/ripple/ws"

// Server owns the WebSocket endpoint, the handler registry, and the
// session manager.
type Server struct {
	config   *ServerConfig
	logger   *slog.Logger
	registry *Registry
	sessions *SessionManager

	upgrader       websocket.Upgrader
	trustedProxies *proxyMatcher
	metrics        *Metrics

	// initialVars builds the var map for a brand new session.
	initialVars func() map[string]any

	snapshotStore store.Store
	httpServer    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the snapshot persistence backend.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.snapshotStore = st
	}
}

// WithRegisterer registers Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.metrics = NewMetrics(reg)
	}
}

// WithInitialVars sets the factory for a new session's var map.
func WithInitialVars(fn func() map[string]any) Option {
	return func(s *Server) {
		s.initialVars = fn
	}
}

// New creates a Server. A nil config uses DefaultServerConfig.
func New(config *ServerConfig, opts ...Option) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config = config.Clone()
	}
	defaults := DefaultServerConfig()
	if config.SessionConfig == nil {
		config.SessionConfig = defaults.SessionConfig
	}
	if config.Address == "" {
		config.Address = defaults.Address
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = defaults.WriteBufferSize
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = defaults.CheckOrigin
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	s := &Server{
		config:         config,
		logger:         slog.Default(),
		registry:       NewRegistry(),
		trustedProxies: newProxyMatcher(config.TrustedProxies),
		initialVars:    func() map[string]any { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    config.ReadBufferSize,
		WriteBufferSize:   config.WriteBufferSize,
		CheckOrigin:       config.CheckOrigin,
		EnableCompression: config.SessionConfig.EnableCompression,
	}

	s.sessions = NewSessionManager(config.SessionConfig, &SessionManagerOptions{
		Store:            s.snapshotStore,
		MaxSessions:      config.MaxSessions,
		MaxSessionsPerIP: config.MaxSessionsPerIP,
		EvictOnIPLimit:   config.EvictOnIPLimit,
		CleanupInterval:  config.CleanupInterval,
		PersistInterval:  config.PersistInterval,
		Metrics:          s.metrics,
	}, s.logger)

	return s
}

// Handle registers a regular event handler.
func (s *Server) Handle(name string, fn HandlerFunc) {
	s.registry.Handle(name, fn)
}

// HandleBackground registers a background event handler.
func (s *Server) HandleBackground(name string, fn HandlerFunc) {
	s.registry.HandleBackground(name, fn)
}

// Use appends event middleware. Middleware wraps every handler, in
// registration order.
func (s *Server) Use(mw ...Middleware) {
	s.registry.Use(mw...)
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Handler returns an http.Handler for mounting in external routers:
//
//	r := chi.NewRouter()
//	r.Mount("/", srv.Handler())
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(WebSocketPath, s.HandleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleWebSocket upgrades the connection and performs the hello/welcome
// handshake, creating, resuming, or restoring a session.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sc := s.config.SessionConfig
	conn.SetReadLimit(sc.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(sc.HandshakeTimeout))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("handshake read failed", "error", err)
		conn.Close()
		return
	}

	env, err := protocol.DecodeEnvelope(msg)
	if err != nil || env.Type != protocol.MessageHello {
		s.rejectHandshake(conn, protocol.ErrCodeInvalidMessage, "expected hello")
		return
	}
	hello, err := protocol.DecodeHello(env.Payload)
	if err != nil {
		s.rejectHandshake(conn, protocol.ErrCodeInvalidMessage, "invalid hello")
		return
	}

	ip := ""
	if resolved := clientIPFromRequest(r, s.trustedProxies); resolved != nil {
		ip = resolved.String()
	}

	// Resume an active or persisted session if the client presents a
	// token; fall back to a fresh session when the token is stale.
	var sess *Session
	resumed := false
	if hello.Token != "" {
		if existing := s.sessions.Get(hello.Token); existing != nil && !existing.IsClosed() {
			sess = existing
			resumed = true
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), sc.HandshakeTimeout)
			sess, resumed = s.sessions.Restore(ctx, hello.Token, ip, s.registry)
			cancel()
		}
	}

	if sess == nil {
		sess, err = s.sessions.Create(conn, ip, s.initialVars(), s.registry)
		if err != nil {
			s.logger.Warn("session create rejected", "ip", ip, "error", err)
			s.rejectHandshake(conn, protocol.ErrCodeInternal, err.Error())
			return
		}
	}

	// The welcome carries the full committed snapshot so it orders
	// before any delta on the new connection.
	vars, version := sess.State().Snapshot()
	welcome := protocol.ServerWelcome{
		Token:   sess.Token,
		Resumed: resumed,
		Vars:    vars,
		Version: version,
	}
	data, err := protocol.Encode(protocol.MessageWelcome, welcome)
	if err != nil {
		s.logger.Error("welcome encode failed", "error", err)
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(sc.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("welcome write failed", "error", err)
		conn.Close()
		return
	}

	if resumed {
		if err := sess.Resume(conn); err != nil {
			s.logger.Warn("session resume failed", "session", sess.Token, "error", err)
			conn.Close()
			return
		}
		if s.metrics != nil {
			s.metrics.SessionsResumed.Inc()
		}
	} else {
		sess.Start()
	}
}

// rejectHandshake sends a fatal error envelope and closes the connection.
func (s *Server) rejectHandshake(conn *websocket.Conn, code protocol.ErrorCode, message string) {
	em := protocol.ErrorMessage{Code: code, Message: message, Fatal: true}
	if data, err := protocol.Encode(protocol.MessageError, em); err == nil {
		conn.SetWriteDeadline(time.Now().Add(s.config.SessionConfig.WriteTimeout))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.Close()
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.logger.Info("server listening", "address", s.config.Address)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case sig := <-shutdown:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown(context.Background())
	}
}

// Shutdown persists and closes all sessions, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.sessions.Shutdown(ctx); err != nil {
		s.logger.Warn("session shutdown incomplete", "error", err)
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	if s.snapshotStore != nil {
		if err := s.snapshotStore.Close(); err != nil {
			s.logger.Warn("store close failed", "error", err)
		}
	}
	return nil
}
