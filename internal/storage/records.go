package storage

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"
)

// RecordStatus is the soft-delete state of a queued record. Claimed rows are
// the ones a recorder has popped but not yet confirmed or rolled back.
type RecordStatus int

const (
	RecordActive  RecordStatus = 0
	RecordClaimed RecordStatus = 1
)

// RecordKind describes one record-status queue table. The generic queue
// layer is parameterized over it so events, impressions, and impression
// counts share one implementation.
type RecordKind struct {
	Table string
	// BytesPerRecord is the fixed per-record size estimate used for
	// size-based flush triggers.
	BytesPerRecord int64
}

var (
	KindEvents           = RecordKind{Table: "events", BytesPerRecord: 1024}
	KindImpressions      = RecordKind{Table: "impressions", BytesPerRecord: 150}
	KindImpressionCounts = RecordKind{Table: "impressions_count", BytesPerRecord: 64}
)

// QueuedRow is one stored telemetry record. Body is the decrypted serialized
// payload.
type QueuedRow struct {
	ID        int64
	Body      string
	CreatedAt int64
	Status    RecordStatus
}

// InsertRecord stores one body as an active record stamped with the current
// time.
func (db *DB) InsertRecord(ctx context.Context, kind RecordKind, body string) error {
	return db.BulkInsertRecords(ctx, kind, []string{body})
}

// BulkInsertRecords stores the given bodies as active records in one
// transaction.
func (db *DB) BulkInsertRecords(ctx context.Context, kind RecordKind, bodies []string) error {
	if len(bodies) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin insert "+kind.Table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+kind.Table+` (body, created_at, status) VALUES (?, ?, ?)`)
	if err != nil {
		return wrap("prepare insert "+kind.Table, err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, body := range bodies {
		encrypted, err := db.body.Encrypt(body)
		if err != nil {
			return wrap("encrypt "+kind.Table+" body", err)
		}
		if _, err := stmt.ExecContext(ctx, encrypted, now, RecordActive); err != nil {
			return wrap("insert "+kind.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit insert "+kind.Table, err)
	}
	return nil
}

// RecordsBy returns up to maxRows records with the given status created
// after createdAfter, ordered oldest first.
func (db *DB) RecordsBy(ctx context.Context, kind RecordKind, createdAfter int64, status RecordStatus, maxRows int) ([]QueuedRow, error) {
	if maxRows <= 0 {
		return nil, nil
	}
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, body, created_at, status FROM `+kind.Table+`
		WHERE status = ? AND created_at >= ?
		ORDER BY created_at, id
		LIMIT ?
	`, status, createdAfter, maxRows)
	if err != nil {
		return nil, wrap("query "+kind.Table, err)
	}
	defer rows.Close()

	return db.scanRecords(kind, rows)
}

// ClaimRecords atomically selects up to maxRows of the oldest active records
// and marks them claimed, returning the claimed rows. A positive maxID bounds
// the claim to rows at or below that id, so chunked pops can snapshot a
// ceiling and never pick up records pushed after the pop began. Two
// concurrent claims never return overlapping rows.
func (db *DB) ClaimRecords(ctx context.Context, kind RecordKind, maxRows int, maxID int64) ([]QueuedRow, error) {
	if maxRows <= 0 {
		return nil, nil
	}
	if maxID <= 0 {
		maxID = math.MaxInt64
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("begin claim "+kind.Table, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, body, created_at, status FROM `+kind.Table+`
		WHERE status = ? AND id <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, RecordActive, maxID, maxRows)
	if err != nil {
		return nil, wrap("select claim "+kind.Table, err)
	}
	claimed, err := db.scanRecords(kind, rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(claimed))
	for i, row := range claimed {
		ids[i] = row.ID
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+kind.Table+` SET status = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args(RecordClaimed, ids)...); err != nil {
		return nil, wrap("mark claimed "+kind.Table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("commit claim "+kind.Table, err)
	}
	for i := range claimed {
		claimed[i].Status = RecordClaimed
	}
	return claimed, nil
}

// UpdateRecordStatus sets the status of the given ids. Setting a status a
// row already has is a harmless no-op.
func (db *DB) UpdateRecordStatus(ctx context.Context, kind RecordKind, ids []int64, status RecordStatus) error {
	if len(ids) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.sql.ExecContext(ctx,
		`UPDATE `+kind.Table+` SET status = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args(status, ids)...)
	if err != nil {
		return wrap("update status "+kind.Table, err)
	}
	return nil
}

// DeleteRecords hard-removes the given ids.
func (db *DB) DeleteRecords(ctx context.Context, kind RecordKind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}
	_, err := db.sql.ExecContext(ctx,
		`DELETE FROM `+kind.Table+` WHERE id IN (`+placeholders(len(ids))+`)`, idArgs...)
	if err != nil {
		return wrap("delete "+kind.Table, err)
	}
	return nil
}

// DeleteRecordsOlderThan hard-removes every record created before
// maxTimestamp regardless of status.
func (db *DB) DeleteRecordsOlderThan(ctx context.Context, kind RecordKind, maxTimestamp int64) (int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM `+kind.Table+` WHERE created_at < ?`, maxTimestamp)
	if err != nil {
		return 0, wrap("sweep "+kind.Table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("sweep rows affected "+kind.Table, err)
	}
	return affected, nil
}

// ReactivateClaimed flips every claimed record back to active. Run once at
// startup to recover rows orphaned by a crash between claim and
// confirm/rollback.
func (db *DB) ReactivateClaimed(ctx context.Context, kind RecordKind) (int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	res, err := db.sql.ExecContext(ctx,
		`UPDATE `+kind.Table+` SET status = ? WHERE status = ?`, RecordActive, RecordClaimed)
	if err != nil {
		return 0, wrap("reactivate "+kind.Table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("reactivate rows affected "+kind.Table, err)
	}
	return affected, nil
}

// MaxRecordID returns the largest id currently stored, or 0 when the table
// is empty.
func (db *DB) MaxRecordID(ctx context.Context, kind RecordKind) (int64, error) {
	var id sql.NullInt64
	err := db.sql.QueryRowContext(ctx,
		`SELECT MAX(id) FROM `+kind.Table).Scan(&id)
	if err != nil {
		return 0, wrap("max id "+kind.Table, err)
	}
	return id.Int64, nil
}

// CountRecords returns the number of rows with the given status.
func (db *DB) CountRecords(ctx context.Context, kind RecordKind, status RecordStatus) (int64, error) {
	var count int64
	err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+kind.Table+` WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, wrap("count "+kind.Table, err)
	}
	return count, nil
}

func (db *DB) scanRecords(kind RecordKind, rows *sql.Rows) ([]QueuedRow, error) {
	var out []QueuedRow
	for rows.Next() {
		var row QueuedRow
		var body string
		if err := rows.Scan(&row.ID, &body, &row.CreatedAt, &row.Status); err != nil {
			return nil, wrap("scan "+kind.Table, err)
		}
		decrypted, err := db.body.Decrypt(body)
		if err != nil {
			return nil, wrap("decrypt "+kind.Table+" body", err)
		}
		row.Body = decrypted
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate "+kind.Table, err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func args(status RecordStatus, ids []int64) []any {
	out := make([]any, 0, len(ids)+1)
	out = append(out, status)
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
