package state

import (
	"context"
	"sync"
)

// Delta describes one commit: the vars that changed, the state version the
// commit produced, and the token of the owning session.
type Delta struct {
	Token   string         `json:"token"`
	Version uint64         `json:"version"`
	Vars    map[string]any `json:"vars"`
}

// CommitSink receives deltas as they are committed. The sink is invoked
// while the mutation lock is still held, so deltas arrive in commit order.
type CommitSink func(Delta)

// State is a per-session state instance: a set of named vars guarded by an
// exclusive mutation lock. Reads are safe from any goroutine without the
// lock; writes are only possible inside Mutate.
type State struct {
	token string

	// Mutation lock. A buffered channel rather than sync.Mutex so that
	// acquisition can be abandoned when the caller's context is cancelled.
	lockCh chan struct{}

	// Committed snapshot, guarded separately so lock-free readers never
	// block on a long-running mutation block.
	snapMu  sync.RWMutex
	vars    map[string]any
	version uint64

	sinkMu sync.RWMutex
	sink   CommitSink
}

// New creates a State with the given session token and initial vars.
// The initial vars are committed as version 0 and no delta is emitted
// for them; the full snapshot is sent with the welcome message instead.
func New(token string, vars map[string]any) *State {
	copied := make(map[string]any, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &State{
		token:  token,
		lockCh: make(chan struct{}, 1),
		vars:   copied,
	}
}

// Token returns the opaque session token this state belongs to.
func (s *State) Token() string {
	return s.token
}

// Version returns the current commit version.
func (s *State) Version() uint64 {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.version
}

// Get returns the committed value of a var. It does not require the
// mutation lock and may be stale relative to an in-flight block.
func (s *State) Get(key string) (any, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// Int returns a var as int, converting from the numeric types that survive
// a JSON round trip. Returns 0 for missing or non-numeric vars.
func (s *State) Int(key string) int {
	v, _ := s.Get(key)
	return coerceInt(v)
}

// String returns a var as string, or "" if missing or not a string.
func (s *State) String(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// Bool returns a var as bool, or false if missing or not a bool.
func (s *State) Bool(key string) bool {
	v, _ := s.Get(key)
	b, _ := v.(bool)
	return b
}

// Snapshot returns a copy of all committed vars and the version they
// correspond to.
func (s *State) Snapshot() (map[string]any, uint64) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	copied := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		copied[k] = v
	}
	return copied, s.version
}

// SetSink installs the commit sink that receives deltas. The session
// installs its broadcast function here before starting its loops.
func (s *State) SetSink(sink CommitSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sink = sink
}

// Mutate runs fn inside the scoped access block. It acquires the mutation
// lock (waiting until it is free or ctx is done), hands fn a Tx refreshed to
// the latest committed values, and on exit commits the dirty vars, emits a
// delta, and releases the lock. The commit and release happen even when fn
// returns an error or panics; a panic is re-raised after release.
func (s *State) Mutate(ctx context.Context, fn func(*Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}

	tx := newTx(s)
	defer func() {
		tx.finish()
		s.release()
	}()

	return fn(tx)
}

// Locked reports whether the mutation lock is currently held.
func (s *State) Locked() bool {
	return len(s.lockCh) == 1
}

func (s *State) acquire(ctx context.Context) error {
	// An already-cancelled context never acquires, even if the lock is free.
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.lockCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *State) release() {
	<-s.lockCh
}

// commit applies dirty vars to the committed snapshot, bumps the version,
// and pushes a delta through the sink. Called only while the mutation lock
// is held.
func (s *State) commit(dirty map[string]any) {
	if len(dirty) == 0 {
		return
	}

	s.snapMu.Lock()
	for k, v := range dirty {
		s.vars[k] = v
	}
	s.version++
	delta := Delta{Token: s.token, Version: s.version, Vars: dirty}
	s.snapMu.Unlock()

	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink(delta)
	}
}

// coerceInt converts the numeric types produced by encoding/json (and plain
// Go ints) to int. Anything else is 0.
func coerceInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
