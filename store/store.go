// Package store persists users, their processing history, and automation
// requests in SQLite. It is the persistence collaborator the job core talks
// to; the core never sees SQL.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/certmill/certmill/dbopen"
	"github.com/certmill/certmill/idgen"
)

// Store wraps the certmill application database.
type Store struct {
	db        *sql.DB
	newUserID idgen.Generator
	newReqID  idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithUserIDGenerator overrides the user row ID generator.
func WithUserIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newUserID = gen }
}

// WithRequestIDGenerator overrides the request row ID generator.
func WithRequestIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newReqID = gen }
}

// Open opens (or creates) the application database at path and migrates it.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := New(db, opts...)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// New wraps an already-open database. The caller owns db's lifetime; used by
// tests with dbopen.OpenMemory.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		newUserID: idgen.Prefixed("usr_", idgen.Default),
		newReqID:  idgen.Prefixed("req_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init migrates the schema; exported for callers of New.
func (s *Store) Init() error { return s.migrate() }

// DB returns the underlying handle for sharing with the observability layer.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    email           TEXT NOT NULL UNIQUE,
    password_hash   TEXT NOT NULL,
    role            TEXT NOT NULL DEFAULT 'user',
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS process_history (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    processed_at    TEXT NOT NULL,
    count           INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_history_user ON process_history(user_id);

CREATE TABLE IF NOT EXISTS automation_requests (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    direction       TEXT NOT NULL,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_user ON automation_requests(user_id);
CREATE INDEX IF NOT EXISTS idx_requests_created ON automation_requests(created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return err
	}
	return nil
}
