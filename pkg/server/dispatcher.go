package server

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/ripple-frame/ripple/pkg/protocol"
	"github.com/ripple-frame/ripple/pkg/state"
)

// processEvent dispatches one client event. Regular handlers run here on
// the event loop inside the state's mutation block; events they emit are
// dispatched after their block commits, up to MaxEmitChain per client
// event. Background handlers are started on the supervisor and return
// immediately.
func (s *Session) processEvent(ev *protocol.Event) {
	pending := []*protocol.Event{ev}
	budget := s.config.MaxEmitChain
	if budget <= 0 {
		budget = 1
	}
	chained := 0

	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]

		fn, background, ok := s.registry.Lookup(cur.Name)
		if !ok {
			s.logger.Warn("no handler for event", "event", cur.Name)
			s.sendError(protocol.ErrCodeNoSuchHandler, "no handler for "+cur.Name, cur.Seq, false)
			continue
		}

		if background {
			s.startBackground(cur, fn)
			continue
		}

		for _, next := range s.runHandler(cur, fn) {
			if chained >= budget {
				s.logger.Warn("emit chain truncated", "event", cur.Name, "dropped", next.Name)
				s.sendError(protocol.ErrCodeRateLimited, "emit chain limit reached, dropped "+next.Name, ev.Seq, false)
				continue
			}
			chained++
			pending = append(pending, next)
		}
	}
}

// runHandler executes one regular handler inside a mutation block and
// returns the events it emitted. Writes are committed and broadcast when
// the block exits, including on handler error or panic.
func (s *Session) runHandler(ev *protocol.Event, fn HandlerFunc) []*protocol.Event {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.MutateTimeout)
	defer cancel()

	c := &Ctx{ctx: ctx, sess: s, event: ev, logger: s.logger}
	started := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				herr := NewHandlerError(s.Token, ev.Name, r, stack)
				s.logger.Error("handler panic",
					"event", ev.Name,
					"panic", r,
					"stack", string(stack))
				if s.metrics != nil {
					s.metrics.HandlerPanics.Inc()
				}
				s.sendError(protocol.ErrCodeHandlerPanic, herr.Error(), ev.Seq, false)
				err = herr
			}
		}()
		return s.state.Mutate(ctx, func(tx *state.Tx) error {
			c.tx = tx
			defer func() { c.tx = nil }()
			return s.registry.invoke(c, fn)
		})
	}()

	if s.metrics != nil {
		s.metrics.EventDuration.Observe(time.Since(started).Seconds())
		s.metrics.EventsProcessed.Inc()
	}

	if err != nil {
		if _, isPanic := err.(*HandlerError); !isPanic {
			s.logger.Warn("handler failed", "event", ev.Name, "error", err)
			s.sendError(protocol.ErrCodeInternal, err.Error(), ev.Seq, false)
		}
	}

	return c.emitted
}

// startBackground launches a background handler on the session supervisor.
// The handler runs with no lock held; its Ctx reads the committed snapshot
// and writes go through Ctx.Mutate.
func (s *Session) startBackground(ev *protocol.Event, fn HandlerFunc) {
	_, err := s.tasks.Start(ev.Name, func(ctx context.Context) error {
		c := &Ctx{ctx: ctx, sess: s, event: ev, logger: s.logger}
		return s.registry.invoke(c, fn)
	})
	if err != nil {
		s.logger.Warn("background start failed", "event", ev.Name, "error", err)
		s.sendError(protocol.ErrCodeInternal, "background task rejected", ev.Seq, false)
		return
	}
	if s.metrics != nil {
		s.metrics.TasksStarted.Inc()
	}
}
