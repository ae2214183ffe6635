package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
)

// Membership is the stored segment membership row for one user key within
// one segment kind.
type Membership struct {
	UserKey      string
	Segments     []string
	ChangeNumber int64
}

func membershipTable(kind core.SegmentKind) string {
	if kind == core.SegmentKindLarge {
		return "my_large_segments"
	}
	return "my_segments"
}

// ReplaceMembership atomically replaces the membership row for userKey in
// the given kind. There is exactly one row per user key per kind; a replace
// never leaves a partial overwrite behind.
func (db *DB) ReplaceMembership(ctx context.Context, kind core.SegmentKind, m Membership) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	body, err := db.body.Encrypt(strings.Join(m.Segments, ","))
	if err != nil {
		return wrap("encrypt segment list", err)
	}
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO `+membershipTable(kind)+` (user_key, segment_list, change_number, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET
			segment_list = excluded.segment_list,
			change_number = excluded.change_number,
			updated_at = excluded.updated_at
	`, m.UserKey, body, m.ChangeNumber, time.Now().UnixMilli())
	if err != nil {
		return wrap("replace membership", err)
	}
	return nil
}

// MembershipFor returns the stored membership for userKey, or [ErrNotFound]
// if the key has never been synced in this kind.
func (db *DB) MembershipFor(ctx context.Context, kind core.SegmentKind, userKey string) (Membership, error) {
	var body string
	var changeNumber int64
	err := db.sql.QueryRowContext(ctx, `
		SELECT segment_list, change_number FROM `+membershipTable(kind)+` WHERE user_key = ?
	`, userKey).Scan(&body, &changeNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, ErrNotFound
	}
	if err != nil {
		return Membership{}, wrap("get membership", err)
	}

	list, err := db.body.Decrypt(body)
	if err != nil {
		return Membership{}, wrap("decrypt segment list", err)
	}
	m := Membership{UserKey: userKey, ChangeNumber: changeNumber}
	if list != "" {
		m.Segments = strings.Split(list, ",")
	}
	return m, nil
}

// UpdateMembershipKey renames an existing row in place, moving the stored
// membership from formerKey to canonicalKey. Used when a factory reuses a
// key under a different canonical identity. Renaming a key with no stored
// row is a no-op.
func (db *DB) UpdateMembershipKey(ctx context.Context, kind core.SegmentKind, formerKey, canonicalKey string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.sql.ExecContext(ctx, `
		UPDATE `+membershipTable(kind)+` SET user_key = ? WHERE user_key = ?
	`, canonicalKey, formerKey)
	if err != nil {
		return wrap("update membership key", err)
	}
	return nil
}

// DeleteAllMemberships clears every membership row of the given kind.
func (db *DB) DeleteAllMemberships(ctx context.Context, kind core.SegmentKind) error {
	return db.deleteAll(ctx, membershipTable(kind))
}
