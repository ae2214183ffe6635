package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/matt-riley/flagsync/internal/core"
)

// StringValue returns the named metadata entry. The second return reports
// whether the entry is set.
func (db *DB) StringValue(ctx context.Context, name string) (string, bool, error) {
	var value sql.NullString
	err := db.sql.QueryRowContext(ctx,
		`SELECT string_value FROM general_info WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get string info", err)
	}
	return value.String, value.Valid, nil
}

// SetStringValue writes the named metadata entry.
func (db *DB) SetStringValue(ctx context.Context, name, value string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO general_info (name, string_value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET string_value = excluded.string_value
	`, name, value)
	if err != nil {
		return wrap("set string info", err)
	}
	return nil
}

// LongValue returns the named integer metadata entry. The second return
// reports whether the entry is set.
func (db *DB) LongValue(ctx context.Context, name string) (int64, bool, error) {
	var value sql.NullInt64
	err := db.sql.QueryRowContext(ctx,
		`SELECT long_value FROM general_info WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("get long info", err)
	}
	return value.Int64, value.Valid, nil
}

// SetLongValue writes the named integer metadata entry.
func (db *DB) SetLongValue(ctx context.Context, name string, value int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO general_info (name, long_value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET long_value = excluded.long_value
	`, name, value)
	if err != nil {
		return wrap("set long info", err)
	}
	return nil
}

// ChangeNumber returns the persisted watermark stored under name, or
// [core.NoChangeNumber] when it has never been written. An unset watermark
// is "no data yet", not zero.
func (db *DB) ChangeNumber(ctx context.Context, name string) (int64, error) {
	value, ok, err := db.LongValue(ctx, name)
	if err != nil {
		return core.NoChangeNumber, err
	}
	if !ok {
		return core.NoChangeNumber, nil
	}
	return value, nil
}
