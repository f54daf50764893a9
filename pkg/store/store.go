package store

import (
	"context"
	"errors"
	"time"
)

// Store is the interface session snapshot backends implement.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists an encoded snapshot under the session token,
	// overwriting any previous snapshot for that token. The snapshot
	// becomes unloadable after expiresAt.
	Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error

	// Load retrieves a snapshot by token. It returns (nil, nil) when the
	// token is unknown or the snapshot has expired, and (nil, err) only on
	// backend errors.
	Load(ctx context.Context, token string) ([]byte, error)

	// Delete removes a snapshot. Deleting an unknown token is not an error.
	Delete(ctx context.Context, token string) error

	// Touch extends the expiration of a snapshot without rewriting its
	// data. Touching an unknown token is not an error.
	Touch(ctx context.Context, token string, expiresAt time.Time) error

	// SaveAll persists many snapshots, atomically where the backend
	// allows. Used on graceful shutdown.
	SaveAll(ctx context.Context, records map[string]Record) error

	// Close releases resources held by the store. Shared clients
	// (database pools, Redis connections) are not closed.
	Close() error
}

// Record pairs an encoded snapshot with its expiration, for SaveAll.
type Record struct {
	Data      []byte
	ExpiresAt time.Time
}

// ErrStoreClosed is returned by operations on a store after Close.
var ErrStoreClosed = errors.New("store: closed")
