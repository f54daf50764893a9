package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// SQLStore keeps snapshots in a relational database through database/sql.
// It works with PostgreSQL, MySQL and SQLite drivers; pick the matching
// Dialect so placeholders and time functions are generated correctly.
//
// The expected schema (see CreateTable):
//
//	CREATE TABLE ripple_sessions (
//	    token VARCHAR(64) PRIMARY KEY,
//	    snapshot BYTEA NOT NULL,
//	    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
//	    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
//	    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
//	);
type SQLStore struct {
	db            *sql.DB
	table         string
	dialect       Dialect
	sweepInterval time.Duration
	closed        atomic.Bool
	done          chan struct{}
}

// Dialect selects the SQL flavor for query generation.
type Dialect int

const (
	// DialectPostgreSQL uses $n placeholders and NOW().
	DialectPostgreSQL Dialect = iota
	// DialectMySQL uses ? placeholders and NOW().
	DialectMySQL
	// DialectSQLite uses ? placeholders and datetime('now').
	DialectSQLite
)

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*sqlStoreConfig)

type sqlStoreConfig struct {
	table         string
	dialect       Dialect
	sweepInterval time.Duration
}

// WithSQLTable sets the snapshot table name. Default: "ripple_sessions".
func WithSQLTable(name string) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.table = name
	}
}

// WithSQLDialect sets the SQL dialect. Default: DialectPostgreSQL.
func WithSQLDialect(d Dialect) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.dialect = d
	}
}

// WithSQLSweepInterval sets how often expired rows are deleted.
// Default: 5 minutes.
func WithSQLSweepInterval(d time.Duration) SQLStoreOption {
	return func(c *sqlStoreConfig) {
		c.sweepInterval = d
	}
}

// NewSQLStore creates a SQL-backed snapshot store on an existing pool.
// The pool is shared with the caller and never closed by the store.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	cfg := &sqlStoreConfig{
		table:         "ripple_sessions",
		dialect:       DialectPostgreSQL,
		sweepInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &SQLStore{
		db:            db,
		table:         cfg.table,
		dialect:       cfg.dialect,
		sweepInterval: cfg.sweepInterval,
		done:          make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgreSQL {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) now() string {
	if s.dialect == DialectSQLite {
		return "datetime('now')"
	}
	return "NOW()"
}

func (s *SQLStore) upsertQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return fmt.Sprintf(`
			INSERT INTO %s (token, snapshot, expires_at, updated_at)
			VALUES (?, ?, ?, NOW())
			ON DUPLICATE KEY UPDATE
				snapshot = VALUES(snapshot),
				expires_at = VALUES(expires_at),
				updated_at = NOW()
		`, s.table)
	case DialectSQLite:
		return fmt.Sprintf(`
			INSERT OR REPLACE INTO %s (token, snapshot, expires_at, updated_at)
			VALUES (?, ?, ?, datetime('now'))
		`, s.table)
	default:
		return fmt.Sprintf(`
			INSERT INTO %s (token, snapshot, expires_at, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (token) DO UPDATE SET
				snapshot = EXCLUDED.snapshot,
				expires_at = EXCLUDED.expires_at,
				updated_at = NOW()
		`, s.table)
	}
}

func (s *SQLStore) Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, s.upsertQuery(), token, data, expiresAt)
	return err
}

func (s *SQLStore) Load(ctx context.Context, token string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE token = %s AND expires_at > %s`,
		s.table, s.placeholder(1), s.now())

	var data []byte
	err := s.db.QueryRowContext(ctx, query, token).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLStore) Delete(ctx context.Context, token string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE token = %s`, s.table, s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, token)
	return err
}

func (s *SQLStore) Touch(ctx context.Context, token string, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	query := fmt.Sprintf(`UPDATE %s SET expires_at = %s, updated_at = %s WHERE token = %s`,
		s.table, s.placeholder(1), s.now(), s.placeholder(2))
	_, err := s.db.ExecContext(ctx, query, expiresAt, token)
	return err
}

func (s *SQLStore) SaveAll(ctx context.Context, records map[string]Record) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.upsertQuery())
	if err != nil {
		return err
	}
	defer stmt.Close()

	for token, rec := range records {
		if _, err := stmt.ExecContext(ctx, token, rec.Data, rec.ExpiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close stops the sweep loop. The underlying pool stays open.
func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return nil
}

func (s *SQLStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *SQLStore) sweep() {
	if s.closed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < %s`, s.table, s.now())
	s.db.ExecContext(ctx, query)
}

// CreateTable creates the snapshot table and its expiry index if they do
// not exist. Convenience for development and tests.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	var query string
	switch s.dialect {
	case DialectMySQL:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				token VARCHAR(64) PRIMARY KEY,
				snapshot BLOB NOT NULL,
				expires_at DATETIME NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
			)
		`, s.table)
	case DialectSQLite:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				token TEXT PRIMARY KEY,
				snapshot BLOB NOT NULL,
				expires_at TEXT NOT NULL,
				created_at TEXT DEFAULT (datetime('now')),
				updated_at TEXT DEFAULT (datetime('now'))
			)
		`, s.table)
	default:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				token VARCHAR(64) PRIMARY KEY,
				snapshot BYTEA NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)
		`, s.table)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; ignore the duplicate error.
	indexQuery := fmt.Sprintf(`CREATE INDEX idx_%s_expires ON %s(expires_at)`, s.table, s.table)
	if s.dialect != DialectMySQL {
		indexQuery = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at)`, s.table, s.table)
	}
	s.db.ExecContext(ctx, indexQuery)
	return nil
}
