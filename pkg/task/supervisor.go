package task

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Func is the body of a background task. It runs on its own goroutine and
// should return promptly once ctx is done.
type Func func(ctx context.Context) error

// Handle identifies one in-flight background task.
type Handle struct {
	// ID is a unique identifier for this invocation.
	ID string

	// Name is the registered handler name the task was started as.
	Name string

	// StartedAt is when the task goroutine was launched.
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Done returns a channel closed when the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel requests cancellation of this task only.
func (h *Handle) Cancel() {
	h.cancel()
}

// ErrSupervisorClosed is returned by Start after Shutdown has begun.
var ErrSupervisorClosed = errors.New("task: supervisor closed")

// Supervisor tracks the background tasks of a single session.
type Supervisor struct {
	mu     sync.Mutex
	tasks  map[string]*Handle
	closed bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	wg     sync.WaitGroup
	logger *slog.Logger

	// Completion callback, used by the session for metrics.
	onDone func(*Handle, error)
}

// NewSupervisor creates a Supervisor whose tasks are cancelled when the
// supervisor shuts down.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		tasks:      make(map[string]*Handle),
		rootCtx:    ctx,
		rootCancel: cancel,
		logger:     logger,
	}
}

// SetOnDone installs a callback invoked after each task is removed from the
// tracked set. Must be set before the first Start.
func (s *Supervisor) SetOnDone(fn func(*Handle, error)) {
	s.onDone = fn
}

// Start launches fn as an independent task and returns its handle. The
// tracked set grows by one; it shrinks by one when fn returns. Panics in fn
// are recovered and logged, and count as task failure.
func (s *Supervisor) Start(name string, fn Func) (*Handle, error) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	h := &Handle{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrSupervisorClosed
	}
	s.tasks[h.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, h, fn)
	return h, nil
}

func (s *Supervisor) run(ctx context.Context, h *Handle, fn Func) {
	defer s.wg.Done()
	defer close(h.done)
	defer h.cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				s.logger.Error("background task panic",
					"task", h.Name,
					"task_id", h.ID,
					"panic", r,
					"stack", string(stack))
				err = &PanicError{Task: h.Name, Value: r, Stack: stack}
			}
		}()
		err = fn(ctx)
	}()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("background task failed",
			"task", h.Name,
			"task_id", h.ID,
			"error", err)
	}

	s.mu.Lock()
	delete(s.tasks, h.ID)
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(h, err)
	}
}

// Count returns the number of tracked in-flight tasks.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Running returns the handles of all in-flight tasks.
func (s *Supervisor) Running() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	return handles
}

// Shutdown cancels all in-flight tasks and waits for them to finish, bounded
// by ctx. After Shutdown, Start returns ErrSupervisorClosed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.rootCancel()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PanicError wraps a panic recovered from a background task.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return "task: panic in background task " + e.Task
}
