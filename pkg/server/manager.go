package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ripple-frame/ripple/pkg/store"
)

// SessionManager tracks all live sessions. It enforces session and per-IP
// limits, expires idle and stale-detached sessions, and persists snapshots
// to an optional store so sessions survive disconnects and restarts.
type SessionManager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	sessionsByIP map[string]int
	peakSessions int

	config           *SessionConfig
	maxSessions      int
	maxSessionsPerIP int
	evictOnIPLimit   bool

	cleanupInterval time.Duration
	persistInterval time.Duration
	done            chan struct{}
	cleanupDone     chan struct{}
	closed          atomic.Bool

	snapshots store.Store // nil disables persistence

	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64

	onSessionCreate func(*Session)
	onSessionClose  func(*Session)

	logger  *slog.Logger
	metrics *Metrics
}

// SessionManagerOptions configures optional manager behavior.
type SessionManagerOptions struct {
	// Store is the snapshot persistence backend. Nil disables persistence.
	Store store.Store

	// MaxSessions caps concurrent sessions. 0 means no limit.
	MaxSessions int

	// MaxSessionsPerIP caps sessions per client IP. 0 means no limit.
	MaxSessionsPerIP int

	// EvictOnIPLimit evicts the oldest detached session of a full IP
	// bucket instead of rejecting.
	EvictOnIPLimit bool

	// CleanupInterval overrides the default 30s cleanup cadence.
	CleanupInterval time.Duration

	// PersistInterval is how often live sessions are snapshotted.
	// Zero disables periodic persistence.
	PersistInterval time.Duration

	// Metrics receives manager instrumentation.
	Metrics *Metrics
}

// ManagerStats is a point-in-time view of the manager.
type ManagerStats struct {
	Active       int
	Detached     int
	TotalCreated uint64
	TotalClosed  uint64
	Peak         int
}

// NewSessionManager creates a SessionManager and starts its cleanup loop.
func NewSessionManager(config *SessionConfig, opts *SessionManagerOptions, logger *slog.Logger) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	sm := &SessionManager{
		sessions:        make(map[string]*Session),
		sessionsByIP:    make(map[string]int),
		config:          config,
		cleanupInterval: 30 * time.Second,
		done:            make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		evictOnIPLimit:  true,
		logger:          logger.With("component", "session_manager"),
	}

	if opts != nil {
		sm.snapshots = opts.Store
		sm.maxSessions = opts.MaxSessions
		sm.maxSessionsPerIP = opts.MaxSessionsPerIP
		sm.evictOnIPLimit = opts.EvictOnIPLimit
		sm.persistInterval = opts.PersistInterval
		sm.metrics = opts.Metrics
		if opts.CleanupInterval > 0 {
			sm.cleanupInterval = opts.CleanupInterval
		}
	}

	go sm.cleanupLoop()
	return sm
}

// SetCallbacks installs create/close hooks. Must be called before sessions
// are created.
func (sm *SessionManager) SetCallbacks(onCreate, onClose func(*Session)) {
	sm.onSessionCreate = onCreate
	sm.onSessionClose = onClose
}

// Create creates and registers a new session for conn.
func (sm *SessionManager) Create(conn *websocket.Conn, ip string, vars map[string]any, registry *Registry) (*Session, error) {
	if sm.closed.Load() {
		return nil, ErrServerClosed
	}

	sm.mu.Lock()

	var evicted []*Session
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		// Under count pressure the oldest detached session gives way;
		// attached sessions are never evicted for capacity.
		victim := sm.evictOldestDetachedByIPLocked("", "")
		if victim != nil {
			evicted = append(evicted, victim)
		}
		if len(sm.sessions) >= sm.maxSessions {
			sm.mu.Unlock()
			sm.closeEvictedSessions(evicted)
			return nil, ErrMaxSessionsReached
		}
	}

	ipEvicted, err := sm.ensureIPCapacityLocked(ip, "")
	evicted = append(evicted, ipEvicted...)
	if err != nil {
		sm.mu.Unlock()
		sm.closeEvictedSessions(evicted)
		return nil, err
	}

	sess := newSession("", conn, vars, registry, sm.config, sm.logger, sm.metrics)
	sess.IP = ip
	sess.setOnDetach(sm.handleDetach)

	sm.sessions[sess.Token] = sess
	sm.trackSessionLocked(sess)
	sm.mu.Unlock()

	sm.closeEvictedSessions(evicted)

	sm.totalCreated.Add(1)
	if sm.metrics != nil {
		sm.metrics.SessionsTotal.Inc()
		sm.metrics.SessionsActive.Inc()
	}
	if sm.onSessionCreate != nil {
		sm.onSessionCreate(sess)
	}

	sm.logger.Info("session created",
		"session", sess.Token,
		"ip", ip,
		"active_sessions", sm.Count())
	return sess, nil
}

// Restore rebuilds a session from a persisted snapshot after a server
// restart. The returned session is registered but detached; the caller
// attaches a connection via Resume.
func (sm *SessionManager) Restore(ctx context.Context, token, ip string, registry *Registry) (*Session, bool) {
	if sm.snapshots == nil || token == "" {
		return nil, false
	}

	data, err := sm.snapshots.Load(ctx, token)
	if err != nil {
		sm.logger.Warn("snapshot load failed", "session", token, "error", err)
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	snap, err := store.DecodeSnapshot(data)
	if err != nil {
		sm.logger.Warn("snapshot decode failed", "session", token, "error", err)
		return nil, false
	}

	sm.mu.Lock()
	if existing, ok := sm.sessions[token]; ok {
		sm.mu.Unlock()
		return existing, true
	}

	sess := newSession(snap.Token, nil, snap.Vars, registry, sm.config, sm.logger, sm.metrics)
	sess.IP = ip
	sess.CreatedAt = snap.CreatedAt
	sess.detached.Store(true)
	sess.detachedAt.Store(time.Now().UnixNano())
	sess.setOnDetach(sm.handleDetach)

	sm.sessions[sess.Token] = sess
	sm.trackSessionLocked(sess)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.SessionsActive.Inc()
	}

	sm.logger.Info("session restored from snapshot",
		"session", token,
		"state_version", snap.StateVersion)
	return sess, true
}

func (sm *SessionManager) trackSessionLocked(sess *Session) {
	if sess.IP != "" {
		sm.sessionsByIP[sess.IP]++
	}
	if len(sm.sessions) > sm.peakSessions {
		sm.peakSessions = len(sm.sessions)
	}
}

func (sm *SessionManager) removeSessionLocked(token string) *Session {
	sess, ok := sm.sessions[token]
	if !ok {
		return nil
	}
	delete(sm.sessions, token)
	if sess.IP != "" {
		sm.sessionsByIP[sess.IP]--
		if sm.sessionsByIP[sess.IP] <= 0 {
			delete(sm.sessionsByIP, sess.IP)
		}
	}
	return sess
}

func (sm *SessionManager) ensureIPCapacityLocked(ip, excludeToken string) ([]*Session, error) {
	if sm.maxSessionsPerIP <= 0 || ip == "" {
		return nil, nil
	}

	if sm.sessionsByIP[ip] < sm.maxSessionsPerIP {
		return nil, nil
	}
	if !sm.evictOnIPLimit {
		return nil, ErrTooManySessionsFromIP
	}

	evicted := sm.evictOldestDetachedByIPLocked(ip, excludeToken)
	if evicted == nil {
		return nil, ErrTooManySessionsFromIP
	}
	if sm.sessionsByIP[ip] >= sm.maxSessionsPerIP {
		return []*Session{evicted}, ErrTooManySessionsFromIP
	}
	return []*Session{evicted}, nil
}

// evictOldestDetachedByIPLocked removes the longest-detached session for
// ip; an empty ip considers every session.
func (sm *SessionManager) evictOldestDetachedByIPLocked(ip, excludeToken string) *Session {
	var oldest *Session
	var oldestAt time.Time

	for token, sess := range sm.sessions {
		if ip != "" && sess.IP != ip {
			continue
		}
		if !sess.IsDetached() || token == excludeToken {
			continue
		}
		detachedAt := sess.DetachedAt()
		if detachedAt.IsZero() {
			detachedAt = sess.LastActive()
		}
		if oldest == nil || detachedAt.Before(oldestAt) {
			oldest = sess
			oldestAt = detachedAt
		}
	}

	if oldest == nil {
		return nil
	}
	sm.removeSessionLocked(oldest.Token)
	return oldest
}

func (sm *SessionManager) closeEvictedSessions(sessions []*Session) {
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		go func(s *Session) {
			s.Close()
			sm.totalClosed.Add(1)
			if sm.metrics != nil {
				sm.metrics.SessionsActive.Dec()
				sm.metrics.SessionsEvicted.Inc()
			}
			if sm.onSessionClose != nil {
				sm.onSessionClose(s)
			}
		}(sess)
	}
}

// Get retrieves a session by token, or nil.
func (sm *SessionManager) Get(token string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[token]
}

// Close closes a session by token and removes it from the manager.
func (sm *SessionManager) Close(token string) {
	sm.mu.Lock()
	sess := sm.removeSessionLocked(token)
	sm.mu.Unlock()

	if sess == nil {
		return
	}
	sess.Close()
	sm.totalClosed.Add(1)
	if sm.metrics != nil {
		sm.metrics.SessionsActive.Dec()
	}
	if sm.onSessionClose != nil {
		sm.onSessionClose(sess)
	}
	if sm.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sm.snapshots.Delete(ctx, token); err != nil {
			sm.logger.Warn("snapshot delete failed", "session", token, "error", err)
		}
	}
	sm.logger.Info("session closed",
		"session", token,
		"active_sessions", sm.Count())
}

// Count returns the number of live sessions, attached or detached.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// ForEach calls fn for every live session.
func (sm *SessionManager) ForEach(fn func(*Session)) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.RUnlock()

	for _, sess := range sessions {
		fn(sess)
	}
}

// Stats returns a point-in-time view of the manager.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	detached := 0
	for _, sess := range sm.sessions {
		if sess.IsDetached() {
			detached++
		}
	}
	return ManagerStats{
		Active:       len(sm.sessions),
		Detached:     detached,
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		Peak:         sm.peakSessions,
	}
}

// handleDetach persists a snapshot when a session loses its connection so
// it can be resumed even across a restart.
func (sm *SessionManager) handleDetach(sess *Session) {
	sm.persistSession(sess, sm.config.ResumeWindow)
}

func (sm *SessionManager) persistSession(sess *Session, ttl time.Duration) {
	if sm.snapshots == nil {
		return
	}

	data, err := store.EncodeSnapshot(sess.Snapshot())
	if err != nil {
		sm.logger.Warn("snapshot encode failed", "session", sess.Token, "error", err)
		if sm.metrics != nil {
			sm.metrics.SnapshotFailures.Inc()
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.snapshots.Save(ctx, sess.Token, data, time.Now().Add(ttl)); err != nil {
		sm.logger.Warn("snapshot save failed", "session", sess.Token, "error", err)
		if sm.metrics != nil {
			sm.metrics.SnapshotFailures.Inc()
		}
	}
}

// cleanupLoop expires idle and stale-detached sessions and periodically
// persists live ones.
func (sm *SessionManager) cleanupLoop() {
	defer close(sm.cleanupDone)

	cleanup := time.NewTicker(sm.cleanupInterval)
	defer cleanup.Stop()

	var persist <-chan time.Time
	if sm.snapshots != nil && sm.persistInterval > 0 {
		t := time.NewTicker(sm.persistInterval)
		defer t.Stop()
		persist = t.C
	}

	for {
		select {
		case <-cleanup.C:
			sm.cleanupExpired()
		case <-persist:
			sm.persistAll()
		case <-sm.done:
			return
		}
	}
}

// cleanupExpired removes attached sessions past their idle timeout and
// detached sessions past the resume window.
func (sm *SessionManager) cleanupExpired() {
	now := time.Now()

	sm.mu.Lock()
	var expired []*Session
	for _, sess := range sm.sessions {
		timeout := sm.config.IdleTimeout
		if sess.IsDetached() {
			timeout = sm.config.ResumeWindow
		}
		if now.Sub(sess.LastActive()) > timeout {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		sm.removeSessionLocked(sess.Token)
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	sm.closeEvictedSessions(expired)

	if len(expired) > 0 {
		sm.logger.Info("expired sessions cleaned up",
			"count", len(expired),
			"remaining", remaining)
	}
}

func (sm *SessionManager) persistAll() {
	ttl := sm.config.IdleTimeout + sm.config.ResumeWindow
	sm.ForEach(func(sess *Session) {
		sm.persistSession(sess, ttl)
	})
}

// Shutdown stops the cleanup loop, persists every live session, and closes
// them all, bounded by ctx.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	if !sm.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(sm.done)
	select {
	case <-sm.cleanupDone:
	case <-ctx.Done():
	}

	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.sessions = make(map[string]*Session)
	sm.sessionsByIP = make(map[string]int)
	sm.mu.Unlock()

	// Persist everything in one batch before closing.
	if sm.snapshots != nil && len(sessions) > 0 {
		records := make(map[string]store.Record, len(sessions))
		expiresAt := time.Now().Add(sm.config.ResumeWindow)
		for _, sess := range sessions {
			data, err := store.EncodeSnapshot(sess.Snapshot())
			if err != nil {
				sm.logger.Warn("snapshot encode failed", "session", sess.Token, "error", err)
				continue
			}
			records[sess.Token] = store.Record{Data: data, ExpiresAt: expiresAt}
		}
		if err := sm.snapshots.SaveAll(ctx, records); err != nil {
			sm.logger.Warn("snapshot batch save failed", "error", err)
			if sm.metrics != nil {
				sm.metrics.SnapshotFailures.Inc()
			}
		}
	}

	for _, sess := range sessions {
		sess.Close()
		sm.totalClosed.Add(1)
		if sm.metrics != nil {
			sm.metrics.SessionsActive.Dec()
		}
	}

	return ctx.Err()
}
