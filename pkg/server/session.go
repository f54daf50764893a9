package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ripple-frame/ripple/pkg/protocol"
	"github.com/ripple-frame/ripple/pkg/state"
	"github.com/ripple-frame/ripple/pkg/store"
	"github.com/ripple-frame/ripple/pkg/task"
)

// Session is one client's connection, state, and background tasks.
//
// A session outlives its WebSocket connection: when the connection drops
// the session detaches and stays resumable for the configured resume
// window, with background tasks still running. Close tears everything
// down.
type Session struct {
	// Token identifies the session and is opaque to the server.
	Token string

	// IP is the resolved client IP, used for per-IP limits.
	IP string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	state    *state.State
	tasks    *task.Supervisor
	registry *Registry

	// mu guards conn and the write path.
	mu   sync.Mutex
	conn *websocket.Conn

	// events, dispatchCh and done are created once and never replaced, so
	// the loops can read them without holding mu. Only Close closes done.
	events     chan *protocol.Event
	dispatchCh chan func()
	done       chan struct{}
	loops      atomic.Bool
	closed     atomic.Bool
	detached   atomic.Bool

	lastActive atomic.Int64 // unix nanos
	detachedAt atomic.Int64 // unix nanos, 0 while attached

	sendSeq atomic.Uint64

	config  *SessionConfig
	logger  *slog.Logger
	metrics *Metrics

	onDetach func(*Session)
}

// generateToken generates a cryptographically random session token.
func generateToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

func newSession(token string, conn *websocket.Conn, vars map[string]any, registry *Registry, config *SessionConfig, logger *slog.Logger, metrics *Metrics) *Session {
	now := time.Now()
	if token == "" {
		token = generateToken()
	}

	s := &Session{
		Token:      token,
		CreatedAt:  now,
		state:      state.New(token, vars),
		registry:   registry,
		conn:       conn,
		events:     make(chan *protocol.Event, config.MaxEventQueue),
		dispatchCh: make(chan func(), config.MaxEventQueue),
		done:       make(chan struct{}),
		config:     config,
		logger:     logger.With("session", token),
		metrics:    metrics,
	}
	s.lastActive.Store(now.UnixNano())
	s.tasks = task.NewSupervisor(s.logger)
	s.state.SetSink(s.sendDelta)
	return s
}

// State returns the session's state store.
func (s *Session) State() *state.State {
	return s.state
}

// Tasks returns the session's background task supervisor.
func (s *Session) Tasks() *task.Supervisor {
	return s.tasks
}

// LastActive returns when the session last saw client activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// UpdateLastActive marks the session as active now.
func (s *Session) UpdateLastActive() {
	s.lastActive.Store(time.Now().UnixNano())
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// IsDetached reports whether the session has lost its connection but is
// still resumable.
func (s *Session) IsDetached() bool {
	return s.detached.Load()
}

// DetachedAt returns when the session detached, or the zero time.
func (s *Session) DetachedAt() time.Time {
	ns := s.detachedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Session) setOnDetach(fn func(*Session)) {
	s.onDetach = fn
}

// QueueEvent queues an event for the event loop. It never blocks; a full
// queue drops the event and returns ErrEventQueueFull.
func (s *Session) QueueEvent(ev *protocol.Event) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.events <- ev:
		if s.metrics != nil {
			s.metrics.EventsReceived.Inc()
		}
		return nil
	default:
		if s.metrics != nil {
			s.metrics.EventsDropped.Inc()
		}
		return ErrEventQueueFull
	}
}

// Dispatch runs fn on the session event loop, serialized with event
// handlers. It never blocks; a full queue returns ErrEventQueueFull.
func (s *Session) Dispatch(fn func()) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.dispatchCh <- fn:
		return nil
	default:
		return ErrEventQueueFull
	}
}

// sendDelta is the state's commit sink. Deltas committed while detached
// are skipped; the client receives the full snapshot in the welcome on
// resume.
func (s *Session) sendDelta(d state.Delta) {
	if s.detached.Load() || s.closed.Load() {
		return
	}

	seq := s.sendSeq.Add(1)
	if err := s.sendEnvelope(protocol.MessageDelta, protocol.Delta{
		Seq:     seq,
		Version: d.Version,
		Vars:    d.Vars,
	}); err != nil {
		s.logger.Error("delta write failed", "seq", seq, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.DeltasSent.Inc()
	}
}

// sendEnvelope encodes and writes one envelope under the write lock.
func (s *Session) sendEnvelope(t protocol.MessageType, payload any) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNoConnection
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendError reports a failure to the client. Write errors are ignored; the
// read loop will notice a dead connection.
func (s *Session) sendError(code protocol.ErrorCode, message string, eventSeq uint64, fatal bool) {
	em := protocol.ErrorMessage{Code: code, Message: message, EventSeq: eventSeq, Fatal: fatal}
	if err := s.sendEnvelope(protocol.MessageError, em); err != nil {
		s.logger.Debug("error write failed", "code", code.String(), "error", err)
	}
}

// Start starts the session loops. Call after the handshake completes.
// The write and event loops run once for the session's lifetime; each
// call also starts a read loop for the current connection.
func (s *Session) Start() {
	if s.loops.CompareAndSwap(false, true) {
		go s.WriteLoop()
		go s.EventLoop()
	}
	go s.ReadLoop()
}

// Detach drops the connection but keeps the session alive for resume.
// The write and event loops stay up; background tasks keep running.
func (s *Session) Detach() {
	if s.closed.Load() || !s.detached.CompareAndSwap(false, true) {
		return
	}
	s.detachedAt.Store(time.Now().UnixNano())

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.logger.Info("session detached", "tasks", s.tasks.Count())
	if s.onDetach != nil {
		s.onDetach(s)
	}
}

// Resume attaches a new connection to a detached session. The caller
// sends the welcome before calling Resume so the full snapshot precedes
// any new deltas. Queues and loops are reused; only a read loop for the
// new connection is started.
func (s *Session) Resume(conn *websocket.Conn) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	s.UpdateLastActive()
	s.detached.Store(false)
	s.detachedAt.Store(0)
	s.sendSeq.Store(0)

	s.Start()

	s.logger.Info("session resumed")
	return nil
}

// Close tears the session down: loops stop, background tasks are cancelled
// and awaited briefly, the connection closes.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tasks.Shutdown(ctx); err != nil {
		s.logger.Warn("background tasks did not stop in time", "error", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

// Snapshot captures the committed state for persistence.
func (s *Session) Snapshot() *store.Snapshot {
	vars, version := s.state.Snapshot()
	return &store.Snapshot{
		Token:        s.Token,
		CreatedAt:    s.CreatedAt,
		LastActive:   s.LastActive(),
		Vars:         vars,
		StateVersion: version,
	}
}
