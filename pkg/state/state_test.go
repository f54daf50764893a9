package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewCopiesInitialVars(t *testing.T) {
	initial := map[string]any{"count": 0, "name": "a"}
	st := New("tok1", initial)

	initial["count"] = 99

	if got := st.Int("count"); got != 0 {
		t.Errorf("Int(count) = %d, want 0 (initial map should be copied)", got)
	}
	if st.Token() != "tok1" {
		t.Errorf("Token() = %q, want tok1", st.Token())
	}
	if st.Version() != 0 {
		t.Errorf("Version() = %d, want 0", st.Version())
	}
}

func TestMutateCommitsOnReturn(t *testing.T) {
	st := New("tok", map[string]any{"count": 1})

	var deltas []Delta
	st.SetSink(func(d Delta) { deltas = append(deltas, d) })

	err := st.Mutate(context.Background(), func(tx *Tx) error {
		return tx.Set("count", 2)
	})
	if err != nil {
		t.Fatalf("Mutate returned error: %v", err)
	}

	if got := st.Int("count"); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	if st.Version() != 1 {
		t.Errorf("Version() = %d, want 1", st.Version())
	}
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	if deltas[0].Vars["count"] != 2 {
		t.Errorf("delta vars = %v, want count=2", deltas[0].Vars)
	}
	if deltas[0].Token != "tok" || deltas[0].Version != 1 {
		t.Errorf("delta = %+v, want token=tok version=1", deltas[0])
	}
}

func TestMutateCommitsOnError(t *testing.T) {
	st := New("tok", map[string]any{"count": 0})

	wantErr := errors.New("handler failed")
	err := st.Mutate(context.Background(), func(tx *Tx) error {
		if err := tx.Set("count", 7); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Mutate error = %v, want %v", err, wantErr)
	}

	if got := st.Int("count"); got != 7 {
		t.Errorf("count = %d, want 7 (writes commit even on error)", got)
	}
	if st.Locked() {
		t.Error("lock still held after Mutate returned")
	}
}

func TestMutateCommitsOnPanic(t *testing.T) {
	st := New("tok", map[string]any{"count": 0})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic was swallowed by Mutate")
			}
		}()
		_ = st.Mutate(context.Background(), func(tx *Tx) error {
			_ = tx.Set("count", 3)
			panic("boom")
		})
	}()

	if got := st.Int("count"); got != 3 {
		t.Errorf("count = %d, want 3 (writes commit even on panic)", got)
	}
	if st.Locked() {
		t.Error("lock still held after panic")
	}
}

func TestMutateNoWritesNoDelta(t *testing.T) {
	st := New("tok", map[string]any{"count": 0})

	var deltas int
	st.SetSink(func(Delta) { deltas++ })

	err := st.Mutate(context.Background(), func(tx *Tx) error { return nil })
	if err != nil {
		t.Fatalf("Mutate returned error: %v", err)
	}
	if deltas != 0 {
		t.Errorf("got %d deltas, want 0 for an empty block", deltas)
	}
	if st.Version() != 0 {
		t.Errorf("Version() = %d, want 0", st.Version())
	}
}

func TestMutateCancelledContext(t *testing.T) {
	st := New("tok", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := st.Mutate(ctx, func(tx *Tx) error {
		t.Error("block ran despite cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Mutate error = %v, want context.Canceled", err)
	}
}

func TestMutateWaitsForLock(t *testing.T) {
	st := New("tok", map[string]any{"count": 0})

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = st.Mutate(context.Background(), func(tx *Tx) error {
			close(entered)
			<-release
			return tx.Set("count", 1)
		})
	}()
	<-entered

	// Lock is held; a second Mutate with a short deadline must time out.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := st.Mutate(ctx, func(tx *Tx) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Mutate error = %v, want context.DeadlineExceeded", err)
	}

	close(release)
}

func TestConcurrentIncrementsNoLostUpdates(t *testing.T) {
	st := New("tok", map[string]any{"count": 0})

	const writers = 2
	const rounds = 100

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				err := st.Mutate(context.Background(), func(tx *Tx) error {
					_, err := tx.Inc("count", 1)
					return err
				})
				if err != nil {
					t.Errorf("Mutate: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := st.Int("count"); got != writers*rounds {
		t.Errorf("count = %d, want %d", got, writers*rounds)
	}
	if got := st.Version(); got != writers*rounds {
		t.Errorf("Version() = %d, want %d", got, writers*rounds)
	}
}

func TestStaleReadThenFreshReread(t *testing.T) {
	st := New("tok", map[string]any{"count": 10})

	// Read outside the lock, then another writer commits.
	stale := st.Int("count")
	if stale != 10 {
		t.Fatalf("stale read = %d, want 10", stale)
	}
	if err := st.Mutate(context.Background(), func(tx *Tx) error {
		return tx.Set("count", 50)
	}); err != nil {
		t.Fatal(err)
	}

	// Entering the block rereads the fresh value; the write must be based
	// on it, not on the stale read.
	err := st.Mutate(context.Background(), func(tx *Tx) error {
		fresh := tx.Int("count")
		if fresh != 50 {
			t.Errorf("fresh reread = %d, want 50", fresh)
		}
		return tx.Set("count", fresh+1)
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := st.Int("count"); got != 51 {
		t.Errorf("count = %d, want 51 (write reflects fresh value)", got)
	}
}

func TestDeltasArriveInCommitOrder(t *testing.T) {
	st := New("tok", map[string]any{"count": 0})

	var mu sync.Mutex
	var versions []uint64
	st.SetSink(func(d Delta) {
		mu.Lock()
		versions = append(versions, d.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Mutate(context.Background(), func(tx *Tx) error {
				_, err := tx.Inc("count", 1)
				return err
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(versions) != 20 {
		t.Fatalf("got %d deltas, want 20", len(versions))
	}
	for i, v := range versions {
		if v != uint64(i+1) {
			t.Fatalf("delta %d has version %d, want %d (commit order)", i, v, i+1)
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	st := New("tok", map[string]any{"count": 5})

	snap, version := st.Snapshot()
	if version != 0 {
		t.Errorf("snapshot version = %d, want 0", version)
	}
	snap["count"] = 999

	if got := st.Int("count"); got != 5 {
		t.Errorf("count = %d, want 5 (snapshot must be a copy)", got)
	}
}
