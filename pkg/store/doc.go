// Package store provides pluggable persistence backends for session state
// snapshots.
//
// A snapshot is the committed var map of one session plus metadata, encoded
// as versioned JSON (see Snapshot). The server saves snapshots periodically
// and on graceful shutdown, and loads them when a client reconnects with a
// previous session token.
//
// Four backends are provided: MemoryStore (default, single process),
// RedisStore (shared state across servers), SQLStore (PostgreSQL, MySQL or
// SQLite through database/sql) and S3Store (object storage, cold sessions).
// All implementations are safe for concurrent use.
package store
