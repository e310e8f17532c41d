/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage implements the durable relational model of the
// service: clients, users, devices, attestation certificates, device
// properties and pending ceremony transactions, backed by SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/u2fval"
)

// Config holds parameters of the relational store.
type Config struct {
	// DatabaseURI is the connection string, e.g. "sqlite:/var/lib/u2fval.db".
	DatabaseURI string
	// Clock is the time source. Defaults to the wall clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.DatabaseURI == "" {
		return trace.BadParameter("missing DatabaseURI")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the relational store. A Store value is either bound to the
// connection pool or, inside InTransaction, to a single transaction.
type Store struct {
	db    *sql.DB
	q     querier
	clock clockwork.Clock
	log   *slog.Logger
}

// New opens the relational store.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn, err := sqliteDSN(cfg.DatabaseURI)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Store{
		db:    db,
		q:     db,
		clock: cfg.Clock,
		log:   slog.With(u2fval.ComponentKey, u2fval.ComponentStorage),
	}, nil
}

// sqliteDSN converts a database URI to a go-sqlite3 DSN. Foreign key
// enforcement is enabled per connection; cascading deletes depend on it.
func sqliteDSN(uri string) (string, error) {
	path := uri
	for _, prefix := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(path, prefix) {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}
	if path == "" {
		return "", trace.BadParameter("invalid database URI %q", uri)
	}
	return fmt.Sprintf("file:%v?_foreign_keys=on&_busy_timeout=5000", path), nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Clock returns the store's time source.
func (s *Store) Clock() clockwork.Clock {
	return s.clock
}

// InTransaction runs fn against a store bound to a single database
// transaction, committing on success and rolling back on any error.
// Nested calls join the enclosing transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	bound := &Store{db: s.db, q: tx, clock: s.clock, log: s.log}
	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.WarnContext(ctx, "Transaction rollback failed", "error", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		app_id TEXT NOT NULL,
		valid_facets TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients (id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		UNIQUE (client_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		der BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		handle TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		bind_data BLOB NOT NULL,
		certificate_id INTEGER NOT NULL REFERENCES certificates (id),
		compromised INTEGER NOT NULL DEFAULT 0,
		counter INTEGER,
		transports INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		authenticated_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS properties (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		UNIQUE (device_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		transaction_id TEXT NOT NULL UNIQUE,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_user_created
		ON transactions (user_id, created_at)`,
}

// Init creates the schema. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
