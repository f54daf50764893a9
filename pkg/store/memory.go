package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in process memory. It is the default backend
// and fits single-server deployments; use RedisStore or SQLStore when
// sessions must survive the process or be shared between servers.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	closed  bool
	done    chan struct{}
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	sweepInterval time.Duration
}

// WithSweepInterval sets how often expired snapshots are removed.
// Default: 1 minute.
func WithSweepInterval(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.sweepInterval = d
	}
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := &memoryStoreConfig{sweepInterval: time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}

	m := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	go m.sweepLoop(cfg.sweepInterval)
	return m
}

func (m *MemoryStore) Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	// Copy so later caller mutations cannot reach stored bytes.
	buf := make([]byte, len(data))
	copy(buf, data)

	m.entries[token] = &memoryEntry{data: buf, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, token string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	e, ok := m.entries[token]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}

	buf := make([]byte, len(e.data))
	copy(buf, e.data)
	return buf, nil
}

func (m *MemoryStore) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.entries, token)
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if e, ok := m.entries[token]; ok {
		e.expiresAt = expiresAt
	}
	return nil
}

func (m *MemoryStore) SaveAll(ctx context.Context, records map[string]Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for token, rec := range records {
		buf := make([]byte, len(rec.Data))
		copy(buf, rec.Data)
		m.entries[token] = &memoryEntry{data: buf, expiresAt: rec.ExpiresAt}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.entries = nil
	return nil
}

// Count reports the number of stored snapshots, expired or not. Intended
// for monitoring and tests.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	now := time.Now()
	for token, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, token)
		}
	}
}
