package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ripple-frame/ripple/pkg/protocol"
	"github.com/ripple-frame/ripple/pkg/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testSession builds a detached session so handler and state behavior can
// be exercised without a WebSocket connection.
func testSession(t *testing.T, vars map[string]any, registry *Registry) *Session {
	t.Helper()
	s := newSession("", nil, vars, registry, DefaultSessionConfig(), testLogger(), nil)
	t.Cleanup(s.Close)
	return s
}

func event(name string, args string) *protocol.Event {
	var raw json.RawMessage
	if args != "" {
		raw = json.RawMessage(args)
	}
	return &protocol.Event{Name: name, Args: raw}
}

func TestProcessEventCommitsHandlerWrites(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("counter.increment", func(c *Ctx) error {
		_, err := c.Inc("count", 1)
		return err
	})
	s := testSession(t, map[string]any{"count": 0}, reg)

	s.processEvent(event("counter.increment", ""))
	s.processEvent(event("counter.increment", ""))

	if got := s.State().Int("count"); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	if got := s.State().Version(); got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
}

func TestProcessEventBindArgs(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("counter.add", func(c *Ctx) error {
		var args struct {
			By int `json:"by"`
		}
		if err := c.Bind(&args); err != nil {
			return err
		}
		_, err := c.Inc("count", args.By)
		return err
	})
	s := testSession(t, map[string]any{"count": 10}, reg)

	s.processEvent(event("counter.add", `{"by":5}`))

	if got := s.State().Int("count"); got != 15 {
		t.Errorf("count = %d, want 15", got)
	}
}

func TestProcessEventUnknownHandler(t *testing.T) {
	s := testSession(t, nil, NewRegistry())

	// Must not panic or change state.
	s.processEvent(event("nope", ""))
	if got := s.State().Version(); got != 0 {
		t.Errorf("version = %d, want 0", got)
	}
}

func TestProcessEventHandlerErrorStillCommits(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("partial", func(c *Ctx) error {
		if err := c.Set("progress", 1); err != nil {
			return err
		}
		return errors.New("downstream failed")
	})
	s := testSession(t, nil, reg)

	s.processEvent(event("partial", ""))

	if got := s.State().Int("progress"); got != 1 {
		t.Errorf("progress = %d, want 1 (commit on error)", got)
	}
}

func TestProcessEventHandlerPanicRecoveredAndCommits(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("explode", func(c *Ctx) error {
		if err := c.Set("before_panic", true); err != nil {
			return err
		}
		panic("boom")
	})
	s := testSession(t, nil, reg)

	s.processEvent(event("explode", ""))

	if !s.State().Bool("before_panic") {
		t.Error("writes before the panic were not committed")
	}
	if s.State().Locked() {
		t.Error("mutation lock still held after panic")
	}
}

func TestProcessEventEmitChain(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("first", func(c *Ctx) error {
		if err := c.Set("first", true); err != nil {
			return err
		}
		return c.Emit("second", map[string]int{"n": 2})
	})
	reg.Handle("second", func(c *Ctx) error {
		var args struct {
			N int `json:"n"`
		}
		if err := c.Bind(&args); err != nil {
			return err
		}
		return c.Set("second", args.N)
	})
	s := testSession(t, nil, reg)

	s.processEvent(event("first", ""))

	if !s.State().Bool("first") || s.State().Int("second") != 2 {
		vars, _ := s.State().Snapshot()
		t.Errorf("state = %v", vars)
	}
	// Two separate mutation blocks, two commits.
	if got := s.State().Version(); got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
}

func TestProcessEventEmitChainTruncated(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("loop", func(c *Ctx) error {
		if _, err := c.Inc("spins", 1); err != nil {
			return err
		}
		return c.Emit("loop", nil)
	})

	cfg := DefaultSessionConfig()
	cfg.MaxEmitChain = 5
	s := newSession("", nil, nil, reg, cfg, testLogger(), nil)
	defer s.Close()

	s.processEvent(event("loop", ""))

	// Initial event plus five chained ones.
	if got := s.State().Int("spins"); got != 6 {
		t.Errorf("spins = %d, want 6", got)
	}
}

func TestBackgroundHandlerReadsStaleWritesViaMutate(t *testing.T) {
	done := make(chan struct{})
	reg := NewRegistry()
	reg.HandleBackground("bg.work", func(c *Ctx) error {
		defer close(done)
		if !c.Background() {
			t.Error("Background() = false in background handler")
		}
		// Direct writes are rejected outside the lock.
		if err := c.Set("x", 1); !errors.Is(err, state.ErrStateImmutable) {
			t.Errorf("Set outside lock = %v, want ErrStateImmutable", err)
		}
		return c.Mutate(func(tx *state.Tx) error {
			return tx.Set("bg_done", true)
		})
	})
	s := testSession(t, nil, reg)

	s.processEvent(event("bg.work", ""))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background handler did not run")
	}
	waitFor(t, func() bool { return s.State().Bool("bg_done") })
}

func TestBackgroundHandlerCancelledOnClose(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	reg := NewRegistry()
	reg.HandleBackground("bg.watch", func(c *Ctx) error {
		close(started)
		<-c.Context().Done()
		close(cancelled)
		return c.Context().Err()
	})

	s := newSession("", nil, nil, reg, DefaultSessionConfig(), testLogger(), nil)
	s.processEvent(event("bg.watch", ""))
	<-started

	if got := s.Tasks().Count(); got != 1 {
		t.Errorf("Tasks().Count() = %d, want 1", got)
	}

	s.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("background task not cancelled by Close")
	}
}

func TestQueueEventFullDrops(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.MaxEventQueue = 1
	s := newSession("", nil, nil, NewRegistry(), cfg, testLogger(), nil)
	defer s.Close()

	if err := s.QueueEvent(event("a", "")); err != nil {
		t.Fatalf("first QueueEvent: %v", err)
	}
	if err := s.QueueEvent(event("b", "")); !errors.Is(err, ErrEventQueueFull) {
		t.Errorf("second QueueEvent = %v, want ErrEventQueueFull", err)
	}
}

func TestRegistryReplaceSwitchesMode(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("job", func(c *Ctx) error { return nil })
	reg.HandleBackground("job", func(c *Ctx) error { return nil })

	_, background, ok := reg.Lookup("job")
	if !ok || !background {
		t.Errorf("Lookup = (bg=%v, ok=%v), want background after re-registration", background, ok)
	}

	reg.Handle("job", func(c *Ctx) error { return nil })
	_, background, _ = reg.Lookup("job")
	if background {
		t.Error("Lookup still background after regular re-registration")
	}
}

func TestCtxMutateRejectedInRegularHandler(t *testing.T) {
	reg := NewRegistry()
	var mutateErr error
	reg.Handle("nested", func(c *Ctx) error {
		mutateErr = c.Mutate(func(tx *state.Tx) error { return nil })
		return nil
	})
	s := testSession(t, nil, reg)

	s.processEvent(event("nested", ""))

	if mutateErr == nil {
		t.Error("Mutate inside regular handler should be rejected")
	}
}

func TestSessionSnapshotCapturesState(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("set", func(c *Ctx) error { return c.Set("name", "zoe") })
	s := testSession(t, map[string]any{"count": 1}, reg)

	s.processEvent(event("set", ""))

	snap := s.Snapshot()
	if snap.Token != s.Token || snap.StateVersion != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Vars["name"] != "zoe" || snap.Vars["count"] != 1 {
		t.Errorf("snapshot vars = %v", snap.Vars)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestYieldInsideHandlerEmitsIntermediateDelta(t *testing.T) {
	var deltas []state.Delta
	reg := NewRegistry()
	reg.Handle("steps", func(c *Ctx) error {
		if err := c.Set("step", 1); err != nil {
			return err
		}
		if err := c.Yield(); err != nil {
			return err
		}
		return c.Set("step", 2)
	})
	s := testSession(t, nil, reg)
	s.State().SetSink(func(d state.Delta) { deltas = append(deltas, d) })

	s.processEvent(event("steps", ""))

	if len(deltas) != 2 {
		t.Fatalf("deltas = %d, want 2", len(deltas))
	}
	if deltas[0].Vars["step"] != 1 || deltas[1].Vars["step"] != 2 {
		t.Errorf("delta contents = %v", deltas)
	}
}

func TestCtxGetReadsWorkingCopy(t *testing.T) {
	var before, after any
	reg := NewRegistry()
	reg.Handle("peek", func(c *Ctx) error {
		before = c.Get("name")
		if err := c.Set("name", "mira"); err != nil {
			return err
		}
		after = c.Get("name")
		return nil
	})
	s := testSession(t, map[string]any{"name": "zoe"}, reg)

	s.processEvent(event("peek", ""))

	if before != "zoe" {
		t.Errorf("Get before write = %v, want zoe", before)
	}
	if after != "mira" {
		t.Errorf("Get after write = %v, want mira", after)
	}
}

func TestDetachKeepsEventLoopRunning(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("counter.increment", func(c *Ctx) error {
		_, err := c.Inc("count", 1)
		return err
	})
	s := testSession(t, map[string]any{"count": 0}, reg)
	s.Start()

	s.Detach()
	if !s.IsDetached() {
		t.Fatal("session not detached")
	}

	// Queues survive a detach, so events queued while the connection is
	// down are still processed.
	if err := s.QueueEvent(event("counter.increment", "")); err != nil {
		t.Fatalf("QueueEvent while detached: %v", err)
	}
	waitFor(t, func() bool { return s.State().Int("count") == 1 })
}

func TestDetachAndCloseConcurrently(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := newSession("", nil, nil, NewRegistry(), DefaultSessionConfig(), testLogger(), nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Detach()
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
		wg.Wait()

		if !s.IsClosed() {
			t.Fatal("session not closed")
		}
	}
}

func TestDispatchRunsOnEventLoop(t *testing.T) {
	s := testSession(t, nil, NewRegistry())
	go s.EventLoop()

	ran := make(chan struct{})
	if err := s.Dispatch(func() { close(ran) }); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched function did not run")
	}
}
