package task

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartTracksAndRemoves(t *testing.T) {
	s := NewSupervisor(testLogger())
	defer s.Shutdown(context.Background())

	release := make(chan struct{})
	h, err := s.Start("stream", func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.ID == "" || h.Name != "stream" {
		t.Errorf("handle = %+v, want non-empty ID and name stream", h)
	}
	if got := s.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1 while running", got)
	}

	close(release)
	<-h.Done()

	waitForCount(t, s, 0)
}

func TestStartNoDeduplication(t *testing.T) {
	s := NewSupervisor(testLogger())
	defer s.Shutdown(context.Background())

	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		if _, err := s.Start("poll", func(ctx context.Context) error {
			<-release
			return nil
		}); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}

	if got := s.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3 concurrent invocations of the same name", got)
	}
	close(release)
	waitForCount(t, s, 0)
}

func TestStartDoesNotBlockCaller(t *testing.T) {
	s := NewSupervisor(testLogger())
	defer s.Shutdown(context.Background())

	started := time.Now()
	h, err := s.Start("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("Start blocked for %v", elapsed)
	}
	h.Cancel()
	<-h.Done()
}

func TestTaskPanicIsRecovered(t *testing.T) {
	s := NewSupervisor(testLogger())
	defer s.Shutdown(context.Background())

	var mu sync.Mutex
	var doneErr error
	s.SetOnDone(func(h *Handle, err error) {
		mu.Lock()
		doneErr = err
		mu.Unlock()
	})

	h, err := s.Start("explode", func(ctx context.Context) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-h.Done()
	waitForCount(t, s, 0)

	mu.Lock()
	defer mu.Unlock()
	var pe *PanicError
	if !errors.As(doneErr, &pe) {
		t.Fatalf("onDone error = %v, want *PanicError", doneErr)
	}
	if pe.Task != "explode" || pe.Value != "boom" {
		t.Errorf("PanicError = %+v, want task explode value boom", pe)
	}
}

func TestShutdownCancelsTasks(t *testing.T) {
	s := NewSupervisor(testLogger())

	cancelled := make(chan struct{})
	if _, err := s.Start("watch", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-cancelled:
	default:
		t.Error("task context was not cancelled by Shutdown")
	}

	if _, err := s.Start("late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrSupervisorClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrSupervisorClosed", err)
	}
}

func TestShutdownHonorsContext(t *testing.T) {
	s := NewSupervisor(testLogger())

	// A task that ignores cancellation for a while.
	release := make(chan struct{})
	if _, err := s.Start("stubborn", func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want context.DeadlineExceeded", err)
	}
	close(release)
}

func TestRunningHandles(t *testing.T) {
	s := NewSupervisor(testLogger())
	defer s.Shutdown(context.Background())

	release := make(chan struct{})
	if _, err := s.Start("a", func(ctx context.Context) error { <-release; return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start("b", func(ctx context.Context) error { <-release; return nil }); err != nil {
		t.Fatal(err)
	}

	names := map[string]bool{}
	for _, h := range s.Running() {
		names[h.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("Running() names = %v, want a and b", names)
	}
	close(release)
}

// waitForCount polls until the tracked set reaches want, failing after a
// generous deadline.
func waitForCount(t *testing.T, s *Supervisor, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Count() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Count() = %d, want %d", s.Count(), want)
}
