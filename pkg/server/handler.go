package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ripple-frame/ripple/pkg/protocol"
	"github.com/ripple-frame/ripple/pkg/state"
)

// HandlerFunc handles one named event. Regular handlers run on the session
// event loop inside the state's mutation block: reads through the Ctx see a
// fresh working copy and writes are committed when the handler returns.
// Background handlers run on their own goroutine with no lock held; they
// read the committed snapshot and must use Ctx.Mutate to write.
type HandlerFunc func(c *Ctx) error

// Middleware wraps handler invocations. It runs wherever the handler runs:
// on the event loop inside the mutation block for regular handlers, on the
// supervisor goroutine for background ones. Call next to continue the chain.
type Middleware func(c *Ctx, next func() error) error

// Registry maps event names to handlers. Safe for concurrent use;
// registration after the server starts is allowed.
type Registry struct {
	mu         sync.RWMutex
	regular    map[string]HandlerFunc
	background map[string]HandlerFunc
	middleware []Middleware
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		regular:    make(map[string]HandlerFunc),
		background: make(map[string]HandlerFunc),
	}
}

// Handle registers a regular handler for an event name, replacing any
// previous registration.
func (r *Registry) Handle(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.background, name)
	r.regular[name] = fn
}

// HandleBackground registers a background handler for an event name,
// replacing any previous registration.
func (r *Registry) HandleBackground(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regular, name)
	r.background[name] = fn
}

// Lookup returns the handler for name and whether it runs in the background.
func (r *Registry) Lookup(name string) (fn HandlerFunc, background bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.regular[name]; ok {
		return fn, false, true
	}
	if fn, ok := r.background[name]; ok {
		return fn, true, true
	}
	return nil, false, false
}

// Use appends middleware to the chain. Middleware runs in registration
// order around every handler dispatched after the call.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// chain returns the current middleware slice.
func (r *Registry) chain() []Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.middleware
}

// invoke runs fn for c through the registered middleware.
func (r *Registry) invoke(c *Ctx, fn HandlerFunc) error {
	call := func() error { return fn(c) }
	mws := r.chain()
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], call
		call = func() error { return mw(c, next) }
	}
	return call()
}

// Names returns all registered event names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.regular)+len(r.background))
	for name := range r.regular {
		names = append(names, name)
	}
	for name := range r.background {
		names = append(names, name)
	}
	return names
}

// Ctx carries one event through its handler.
type Ctx struct {
	ctx   context.Context
	sess  *Session
	event *protocol.Event

	// tx is the open state transaction for regular handlers, nil for
	// background handlers.
	tx *state.Tx

	emitted []*protocol.Event
	logger  *slog.Logger
	values  map[any]any
}

// Context returns the context governing this handler invocation. For
// background handlers it is cancelled when the session shuts down.
func (c *Ctx) Context() context.Context {
	return c.ctx
}

// Session returns the session the event belongs to.
func (c *Ctx) Session() *Session {
	return c.sess
}

// Event returns the raw event being handled.
func (c *Ctx) Event() *protocol.Event {
	return c.event
}

// Name returns the event name.
func (c *Ctx) Name() string {
	return c.event.Name
}

// Bind unmarshals the event arguments into v.
func (c *Ctx) Bind(v any) error {
	if len(c.event.Args) == 0 {
		return nil
	}
	return json.Unmarshal(c.event.Args, v)
}

// Logger returns the session logger.
func (c *Ctx) Logger() *slog.Logger {
	return c.logger
}

// SetValue stores a request-scoped value on the Ctx. Values live for one
// handler invocation; middleware uses them to pass data to handlers.
func (c *Ctx) SetValue(key, value any) {
	if c.values == nil {
		c.values = make(map[any]any)
	}
	c.values[key] = value
}

// Value returns a value stored with SetValue, or nil.
func (c *Ctx) Value(key any) any {
	return c.values[key]
}

// SetContext replaces the handler context, for middleware that derives a
// child context (tracing, deadlines) for downstream calls.
func (c *Ctx) SetContext(ctx context.Context) {
	if ctx != nil {
		c.ctx = ctx
	}
}

// Background reports whether the handler runs outside the mutation lock.
func (c *Ctx) Background() bool {
	return c.tx == nil
}

// Get reads a var. Regular handlers read their working copy, background
// handlers read the committed snapshot.
func (c *Ctx) Get(key string) any {
	if c.tx != nil {
		v, _ := c.tx.Get(key)
		return v
	}
	v, _ := c.sess.state.Get(key)
	return v
}

// Int reads a var as an int.
func (c *Ctx) Int(key string) int {
	if c.tx != nil {
		return c.tx.Int(key)
	}
	return c.sess.state.Int(key)
}

// String reads a var as a string.
func (c *Ctx) String(key string) string {
	if c.tx != nil {
		return c.tx.String(key)
	}
	return c.sess.state.String(key)
}

// Bool reads a var as a bool.
func (c *Ctx) Bool(key string) bool {
	if c.tx != nil {
		return c.tx.Bool(key)
	}
	return c.sess.state.Bool(key)
}

// Set writes a var. Only valid while the mutation lock is held: background
// handlers get state.ErrStateImmutable and must go through Mutate.
func (c *Ctx) Set(key string, value any) error {
	if c.tx == nil {
		return state.ErrStateImmutable
	}
	return c.tx.Set(key, value)
}

// Inc adds n to an integer var and returns the new value.
func (c *Ctx) Inc(key string, n int) (int, error) {
	if c.tx == nil {
		return 0, state.ErrStateImmutable
	}
	return c.tx.Inc(key, n)
}

// Yield commits the writes so far as a delta and refreshes the working
// copy, keeping the lock. Use it to stream intermediate progress from a
// long handler.
func (c *Ctx) Yield() error {
	if c.tx == nil {
		return state.ErrStateImmutable
	}
	return c.tx.Flush()
}

// Mutate runs fn inside the session state's mutation block. Only valid in
// background handlers; a regular handler already holds the lock and would
// deadlock.
func (c *Ctx) Mutate(fn func(tx *state.Tx) error) error {
	if c.tx != nil {
		return errors.New("server: Mutate inside a regular handler")
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.sess.config.MutateTimeout)
	defer cancel()
	return c.sess.state.Mutate(ctx, fn)
}

// Emit queues a follow-up event for this session. Events emitted by a
// regular handler are dispatched after the current mutation block commits;
// events emitted by a background handler are queued like client events.
func (c *Ctx) Emit(name string, args any) error {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return err
		}
		raw = data
	}
	ev := &protocol.Event{Name: name, Args: raw}

	if c.tx != nil {
		c.emitted = append(c.emitted, ev)
		return nil
	}
	return c.sess.QueueEvent(ev)
}
