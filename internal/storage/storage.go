// Package storage provides the durable local cache backing the flagsync SDK:
// SQLite-backed persistence for flag definitions, rule-based segments,
// per-key segment memberships, generic metadata, and the three record-status
// queues used for outbound telemetry.
//
// All multi-row mutations run in a single transaction, so concurrent readers
// never observe a partially applied batch. Storage failures surface as
// [*Error]; callers must treat one as "no progress made", never as partial
// success.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/matt-riley/flagsync/internal/cipher"
	"github.com/matt-riley/flagsync/migrations"
)

// Metadata entry names used by the SDK. Absence of a row means "unset"; the
// accessors on [DB] apply the per-name defaults.
const (
	InfoFlagsChangeNumber       = "flagsChangeNumber"
	InfoFlagsUpdateTimestamp    = "flagsUpdateTimestamp"
	InfoRuleBasedChangeNumber   = "rbsChangeNumber"
	InfoFlagsFilterQueryString  = "flagsFilterQueryString"
	InfoFlagsSpec               = "flagsSpec"
	InfoDatabaseEncryptionMode  = "databaseEncryptionMode"
	InfoLastCacheClearTimestamp = "lastCacheClearTimestamp"
	InfoSDKInstanceID           = "sdkInstanceID"
)

// ErrNotFound reports that a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Error wraps an underlying database failure. It is the only error kind this
// package returns for I/O problems, so callers can detect storage trouble
// with errors.As and abort the current cycle.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// DB is one open local cache database. A single DB instance is shared by
// reference across factories with the same database name; see [Registry].
type DB struct {
	name string
	sql  *sql.DB
	body cipher.Cipher

	// writeMu serializes multi-statement write transactions. SQLite allows a
	// single writer; queueing them here avoids SQLITE_BUSY churn and keeps
	// two concurrent delta applies from interleaving row by row.
	writeMu sync.Mutex
}

// Option configures an opened database.
type Option func(*DB)

// WithCipher sets the body cipher applied to every serialized record body.
// The default is the pass-through cipher.
func WithCipher(c cipher.Cipher) Option {
	return func(db *DB) {
		if c != nil {
			db.body = c
		}
	}
}

var migrateMu sync.Mutex

// Open opens (creating if needed) the database file <dir>/<name>.db, applies
// pending schema migrations, and reconciles the persisted encryption-mode
// marker against the configured cipher. A marker mismatch wipes the cached
// targeting data before the database is returned.
func Open(dir, name string, opts ...Option) (*DB, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("database name is required")
	}
	path := filepath.Join(filepath.Clean(dir), name+".db")
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open database", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, wrap("ping database", err)
	}

	if err := runMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	db := &DB{name: name, sql: sqlDB, body: cipher.None()}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.reconcileEncryptionMode(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func runMigrations(sqlDB *sql.DB) error {
	// goose configures dialect and base FS through package state.
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return wrap("set goose dialect", err)
	}
	if err := goose.Up(sqlDB, "."); err != nil {
		return wrap("run migrations", err)
	}
	return nil
}

// Name returns the database identity this handle was opened under.
func (db *DB) Name() string { return db.name }

// Close closes the underlying handle.
func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}
	return db.sql.Close()
}

// reconcileEncryptionMode clears all cached targeting and telemetry data when
// the cipher that wrote the cache differs from the configured one, then
// records the configured mode.
func (db *DB) reconcileEncryptionMode(ctx context.Context) error {
	stored, ok, err := db.StringValue(ctx, InfoDatabaseEncryptionMode)
	if err != nil {
		return err
	}
	mode := string(db.body.Mode())
	if ok && stored == mode {
		return nil
	}
	if ok {
		if err := db.ClearAll(ctx); err != nil {
			return err
		}
	}
	return db.SetStringValue(ctx, InfoDatabaseEncryptionMode, mode)
}

// ClearAll wipes every cached table (targeting rules, memberships, and queued
// records) and stamps the last-cache-clear timestamp. Metadata other than the
// timestamp is preserved.
func (db *DB) ClearAll(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin clear", err)
	}
	defer tx.Rollback()

	for _, table := range []string{
		"flags", "rule_based_segments",
		"my_segments", "my_large_segments",
		"events", "impressions", "impressions_count",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return wrap("clear "+table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO general_info (name, long_value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET long_value = excluded.long_value
	`, InfoLastCacheClearTimestamp, time.Now().UnixMilli()); err != nil {
		return wrap("stamp cache clear", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit clear", err)
	}
	return nil
}

// Registry hands out one shared [DB] per database name. It replaces a
// process-wide singleton map: the top-level factory owns a Registry and a
// second factory opened with the same identity reuses the same handle.
type Registry struct {
	mu  sync.Mutex
	dir string
	dbs map[string]*DB
}

// NewRegistry creates a registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, dbs: make(map[string]*DB)}
}

// Get returns the shared database for name, opening it on first use.
// Options are applied only on the opening call.
func (r *Registry) Get(name string, opts ...Option) (*DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[name]; ok {
		return db, nil
	}
	db, err := Open(r.dir, name, opts...)
	if err != nil {
		return nil, err
	}
	r.dbs[name] = db
	return db, nil
}

// Reset closes and forgets every open database. Intended for tests and for
// full SDK shutdown.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.dbs, name)
	}
	return firstErr
}
