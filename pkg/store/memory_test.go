package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSaveLoad(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	ctx := context.Background()
	if err := m.Save(ctx, "tok", []byte("snap"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := m.Load(ctx, "tok")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != "snap" {
		t.Errorf("Load = %q, want snap", data)
	}
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	data, err := m.Load(context.Background(), "nope")
	if err != nil || data != nil {
		t.Errorf("Load missing = (%v, %v), want (nil, nil)", data, err)
	}
}

func TestMemoryStoreExpiredNotLoadable(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	ctx := context.Background()
	if err := m.Save(ctx, "tok", []byte("snap"), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := m.Load(ctx, "tok")
	if err != nil || data != nil {
		t.Errorf("Load expired = (%v, %v), want (nil, nil)", data, err)
	}
}

func TestMemoryStoreTouchExtendsExpiry(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	ctx := context.Background()
	if err := m.Save(ctx, "tok", []byte("snap"), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Touch(ctx, "tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	data, err := m.Load(ctx, "tok")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != "snap" {
		t.Errorf("Load after Touch = %q, want snap", data)
	}

	// Unknown token is not an error.
	if err := m.Touch(ctx, "ghost", time.Now().Add(time.Minute)); err != nil {
		t.Errorf("Touch unknown token: %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	ctx := context.Background()
	if err := m.Save(ctx, "tok", []byte("snap"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Delete(ctx, "tok"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if data, _ := m.Load(ctx, "tok"); data != nil {
		t.Errorf("Load after Delete = %q, want nil", data)
	}
	if err := m.Delete(ctx, "tok"); err != nil {
		t.Errorf("Delete unknown token: %v", err)
	}
}

func TestMemoryStoreSaveCopiesData(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	ctx := context.Background()
	buf := []byte("original")
	if err := m.Save(ctx, "tok", buf, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	copy(buf, "mutated!")

	data, err := m.Load(ctx, "tok")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("stored data = %q, caller mutation leaked in", data)
	}
}

func TestMemoryStoreSaveAll(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	ctx := context.Background()
	expires := time.Now().Add(time.Minute)
	err := m.SaveAll(ctx, map[string]Record{
		"a": {Data: []byte("1"), ExpiresAt: expires},
		"b": {Data: []byte("2"), ExpiresAt: expires},
	})
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if got := m.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestMemoryStoreSweepRemovesExpired(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	defer m.Close()

	ctx := context.Background()
	m.Save(ctx, "live", []byte("x"), time.Now().Add(time.Minute))
	m.Save(ctx, "dead", []byte("y"), time.Now().Add(-time.Minute))

	m.sweep()

	if got := m.Count(); got != 1 {
		t.Errorf("Count() after sweep = %d, want 1", got)
	}
	if data, _ := m.Load(ctx, "live"); data == nil {
		t.Error("live snapshot was swept")
	}
}

func TestMemoryStoreClosedOperationsFail(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Hour))
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx := context.Background()
	expires := time.Now().Add(time.Minute)
	if err := m.Save(ctx, "t", []byte("x"), expires); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Save after Close = %v, want ErrStoreClosed", err)
	}
	if _, err := m.Load(ctx, "t"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Load after Close = %v, want ErrStoreClosed", err)
	}
	if err := m.SaveAll(ctx, nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("SaveAll after Close = %v, want ErrStoreClosed", err)
	}
}
