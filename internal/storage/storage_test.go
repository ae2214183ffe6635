package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/flagsync/internal/cipher"
	"github.com/matt-riley/flagsync/internal/core"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), "flagsync-test", opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRequiresName(t *testing.T) {
	if _, err := Open(t.TempDir(), "  "); err == nil {
		t.Fatal("Open() with blank name succeeded, want error")
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	flags := []core.FeatureFlag{
		{Name: "checkout", TrafficTypeName: "user", Status: core.StatusActive, ChangeNumber: 10, Sets: []string{"set_1"}},
		{Name: "onboarding", TrafficTypeName: "account", Status: core.StatusActive, ChangeNumber: 10},
	}
	if err := db.UpsertFlags(ctx, flags); err != nil {
		t.Fatalf("UpsertFlags() error = %v", err)
	}

	got, err := db.FlagByName(ctx, "checkout")
	if err != nil {
		t.Fatalf("FlagByName() error = %v", err)
	}
	if got.TrafficTypeName != "user" || got.ChangeNumber != 10 {
		t.Fatalf("FlagByName() = %+v, want stored definition", got)
	}

	if _, err := db.FlagByName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FlagByName(missing) error = %v, want ErrNotFound", err)
	}

	// Upsert with the same name replaces, never duplicates.
	flags[0].ChangeNumber = 20
	if err := db.UpsertFlags(ctx, flags[:1]); err != nil {
		t.Fatalf("UpsertFlags() error = %v", err)
	}
	all, err := db.AllFlags(ctx)
	if err != nil {
		t.Fatalf("AllFlags() error = %v", err)
	}
	if len(all) != 2 || all["checkout"].ChangeNumber != 20 {
		t.Fatalf("AllFlags() = %v, want 2 flags with checkout at 20", all)
	}

	if err := db.DeleteFlagsByNames(ctx, []string{"onboarding", "unknown"}); err != nil {
		t.Fatalf("DeleteFlagsByNames() error = %v", err)
	}
	all, err = db.AllFlags(ctx)
	if err != nil {
		t.Fatalf("AllFlags() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("AllFlags() after delete = %v, want only checkout", all)
	}
}

func TestGeneralInfo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	// Unset watermarks read as the sentinel, not zero.
	cn, err := db.ChangeNumber(ctx, InfoFlagsChangeNumber)
	if err != nil {
		t.Fatalf("ChangeNumber() error = %v", err)
	}
	if cn != core.NoChangeNumber {
		t.Fatalf("ChangeNumber() = %d, want %d", cn, core.NoChangeNumber)
	}

	if err := db.SetLongValue(ctx, InfoFlagsChangeNumber, 42); err != nil {
		t.Fatalf("SetLongValue() error = %v", err)
	}
	cn, err = db.ChangeNumber(ctx, InfoFlagsChangeNumber)
	if err != nil {
		t.Fatalf("ChangeNumber() error = %v", err)
	}
	if cn != 42 {
		t.Fatalf("ChangeNumber() = %d, want 42", cn)
	}

	if err := db.SetStringValue(ctx, InfoFlagsSpec, "1.3"); err != nil {
		t.Fatalf("SetStringValue() error = %v", err)
	}
	spec, ok, err := db.StringValue(ctx, InfoFlagsSpec)
	if err != nil || !ok || spec != "1.3" {
		t.Fatalf("StringValue() = (%q, %t, %v), want (1.3, true, nil)", spec, ok, err)
	}

	_, ok, err = db.StringValue(ctx, "neverSet")
	if err != nil || ok {
		t.Fatalf("StringValue(neverSet) = (_, %t, %v), want unset", ok, err)
	}
}

func TestMemberships(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.MembershipFor(ctx, core.SegmentKindStandard, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MembershipFor() error = %v, want ErrNotFound", err)
	}

	m := Membership{UserKey: "user-1", Segments: []string{"beta", "employees"}, ChangeNumber: 7}
	if err := db.ReplaceMembership(ctx, core.SegmentKindStandard, m); err != nil {
		t.Fatalf("ReplaceMembership() error = %v", err)
	}

	got, err := db.MembershipFor(ctx, core.SegmentKindStandard, "user-1")
	if err != nil {
		t.Fatalf("MembershipFor() error = %v", err)
	}
	if len(got.Segments) != 2 || got.ChangeNumber != 7 {
		t.Fatalf("MembershipFor() = %+v, want 2 segments at change 7", got)
	}

	// The two kinds are separate tables.
	if _, err := db.MembershipFor(ctx, core.SegmentKindLarge, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MembershipFor(large) error = %v, want ErrNotFound", err)
	}

	// Replace overwrites the whole row.
	m.Segments = []string{"beta"}
	m.ChangeNumber = 9
	if err := db.ReplaceMembership(ctx, core.SegmentKindStandard, m); err != nil {
		t.Fatalf("ReplaceMembership() error = %v", err)
	}
	got, err = db.MembershipFor(ctx, core.SegmentKindStandard, "user-1")
	if err != nil {
		t.Fatalf("MembershipFor() error = %v", err)
	}
	if len(got.Segments) != 1 || got.ChangeNumber != 9 {
		t.Fatalf("MembershipFor() after replace = %+v, want 1 segment at change 9", got)
	}

	if err := db.UpdateMembershipKey(ctx, core.SegmentKindStandard, "user-1", "canonical-1"); err != nil {
		t.Fatalf("UpdateMembershipKey() error = %v", err)
	}
	if _, err := db.MembershipFor(ctx, core.SegmentKindStandard, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("former key still resolves after rename")
	}
	if _, err := db.MembershipFor(ctx, core.SegmentKindStandard, "canonical-1"); err != nil {
		t.Fatalf("MembershipFor(canonical-1) error = %v", err)
	}
}

func TestClaimRecordsDisjoint(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	bodies := make([]string, 10)
	for i := range bodies {
		bodies[i], _ = encodeTestBody(i)
	}
	if err := db.BulkInsertRecords(ctx, KindEvents, bodies); err != nil {
		t.Fatalf("BulkInsertRecords() error = %v", err)
	}

	first, err := db.ClaimRecords(ctx, KindEvents, 6, 0)
	if err != nil {
		t.Fatalf("ClaimRecords() error = %v", err)
	}
	second, err := db.ClaimRecords(ctx, KindEvents, 6, 0)
	if err != nil {
		t.Fatalf("ClaimRecords() error = %v", err)
	}
	if len(first) != 6 || len(second) != 4 {
		t.Fatalf("claims = %d + %d, want 6 + 4", len(first), len(second))
	}
	seen := make(map[int64]bool)
	for _, row := range append(first, second...) {
		if seen[row.ID] {
			t.Fatalf("record %d claimed twice", row.ID)
		}
		seen[row.ID] = true
	}

	// Nothing active remains; a third claim is empty.
	third, err := db.ClaimRecords(ctx, KindEvents, 6, 0)
	if err != nil {
		t.Fatalf("ClaimRecords() error = %v", err)
	}
	if len(third) != 0 {
		t.Fatalf("third claim = %d rows, want 0", len(third))
	}

	recovered, err := db.ReactivateClaimed(ctx, KindEvents)
	if err != nil {
		t.Fatalf("ReactivateClaimed() error = %v", err)
	}
	if recovered != 10 {
		t.Fatalf("ReactivateClaimed() = %d, want 10", recovered)
	}
	active, err := db.CountRecords(ctx, KindEvents, RecordActive)
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if active != 10 {
		t.Fatalf("active after recover = %d, want 10", active)
	}
}

func TestClaimRecordsHonorsIDCeiling(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.BulkInsertRecords(ctx, KindEvents, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("BulkInsertRecords() error = %v", err)
	}
	ceiling, err := db.MaxRecordID(ctx, KindEvents)
	if err != nil {
		t.Fatalf("MaxRecordID() error = %v", err)
	}
	// Rows landing after the ceiling snapshot stay out of the claim.
	if err := db.BulkInsertRecords(ctx, KindEvents, []string{"d", "e"}); err != nil {
		t.Fatalf("BulkInsertRecords() error = %v", err)
	}

	claimed, err := db.ClaimRecords(ctx, KindEvents, 10, ceiling)
	if err != nil {
		t.Fatalf("ClaimRecords() error = %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("ClaimRecords() with ceiling = %d rows, want 3", len(claimed))
	}
	for _, row := range claimed {
		if row.ID > ceiling {
			t.Fatalf("record %d claimed beyond ceiling %d", row.ID, ceiling)
		}
	}

	active, err := db.CountRecords(ctx, KindEvents, RecordActive)
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if active != 2 {
		t.Fatalf("active after bounded claim = %d, want 2", active)
	}
}

func TestClaimRecordsConcurrentDisjoint(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	const total = 40
	bodies := make([]string, total)
	for i := range bodies {
		bodies[i], _ = encodeTestBody(i)
	}
	if err := db.BulkInsertRecords(ctx, KindEvents, bodies); err != nil {
		t.Fatalf("BulkInsertRecords() error = %v", err)
	}

	const claimers = 4
	results := make([][]QueuedRow, claimers)
	errs := make([]error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = db.ClaimRecords(ctx, KindEvents, total/claimers, 0)
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	claimed := 0
	for i := 0; i < claimers; i++ {
		if errs[i] != nil {
			t.Fatalf("ClaimRecords() error = %v", errs[i])
		}
		for _, row := range results[i] {
			if seen[row.ID] {
				t.Fatalf("record %d claimed by two concurrent pops", row.ID)
			}
			seen[row.ID] = true
			claimed++
		}
	}
	if claimed != total {
		t.Fatalf("claimed %d records across concurrent pops, want %d", claimed, total)
	}
}

func TestFlagArchivalDelta(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	flags := make([]core.FeatureFlag, 10)
	for i := range flags {
		flags[i] = core.FeatureFlag{
			Name:         fmt.Sprintf("split-%d", i),
			Status:       core.StatusActive,
			ChangeNumber: 9999,
		}
	}
	if err := db.UpsertFlags(ctx, flags); err != nil {
		t.Fatalf("UpsertFlags() error = %v", err)
	}
	if err := db.SetLongValue(ctx, InfoFlagsChangeNumber, 9999); err != nil {
		t.Fatalf("SetLongValue() error = %v", err)
	}
	cn, err := db.ChangeNumber(ctx, InfoFlagsChangeNumber)
	if err != nil {
		t.Fatalf("ChangeNumber() error = %v", err)
	}
	if cn != 9999 {
		t.Fatalf("ChangeNumber() = %d, want 9999", cn)
	}

	archived := []string{"split-1", "split-3", "split-5", "split-7", "split-9"}
	if err := db.DeleteFlagsByNames(ctx, archived); err != nil {
		t.Fatalf("DeleteFlagsByNames() error = %v", err)
	}
	if err := db.SetLongValue(ctx, InfoFlagsChangeNumber, 1); err != nil {
		t.Fatalf("SetLongValue() error = %v", err)
	}

	all, err := db.AllFlags(ctx)
	if err != nil {
		t.Fatalf("AllFlags() error = %v", err)
	}
	want := []string{"split-0", "split-2", "split-4", "split-6", "split-8"}
	if len(all) != len(want) {
		t.Fatalf("AllFlags() has %d flags, want %d", len(all), len(want))
	}
	for _, name := range want {
		if _, ok := all[name]; !ok {
			t.Fatalf("AllFlags() missing %s", name)
		}
	}
	cn, err = db.ChangeNumber(ctx, InfoFlagsChangeNumber)
	if err != nil {
		t.Fatalf("ChangeNumber() error = %v", err)
	}
	if cn != 1 {
		t.Fatalf("ChangeNumber() after archival = %d, want 1", cn)
	}
}

func TestDeleteRecordsOlderThan(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.BulkInsertRecords(ctx, KindImpressions, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("BulkInsertRecords() error = %v", err)
	}

	// Cutoff in the past removes nothing; rows exactly at the cutoff stay.
	dropped, err := db.DeleteRecordsOlderThan(ctx, KindImpressions, time.Now().Add(-time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("DeleteRecordsOlderThan() error = %v", err)
	}
	if dropped != 0 {
		t.Fatalf("DeleteRecordsOlderThan(past) = %d, want 0", dropped)
	}

	dropped, err = db.DeleteRecordsOlderThan(ctx, KindImpressions, time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("DeleteRecordsOlderThan() error = %v", err)
	}
	if dropped != 3 {
		t.Fatalf("DeleteRecordsOlderThan(future) = %d, want 3", dropped)
	}
}

func TestClearAllStampsTimestamp(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.UpsertFlags(ctx, []core.FeatureFlag{{Name: "checkout", ChangeNumber: 1}}); err != nil {
		t.Fatalf("UpsertFlags() error = %v", err)
	}
	if err := db.InsertRecord(ctx, KindEvents, "event"); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}

	before := time.Now().UnixMilli()
	if err := db.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	all, err := db.AllFlags(ctx)
	if err != nil {
		t.Fatalf("AllFlags() error = %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("AllFlags() after clear = %v, want empty", all)
	}
	count, err := db.CountRecords(ctx, KindEvents, RecordActive)
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("events after clear = %d, want 0", count)
	}

	stamp, ok, err := db.LongValue(ctx, InfoLastCacheClearTimestamp)
	if err != nil || !ok {
		t.Fatalf("LongValue(lastCacheClear) = (_, %t, %v), want set", ok, err)
	}
	if stamp < before {
		t.Fatalf("clear timestamp %d predates the clear", stamp)
	}
}

func TestEncryptionModeChangeClearsCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	plain, err := Open(dir, "cache")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := plain.UpsertFlags(ctx, []core.FeatureFlag{{Name: "checkout", ChangeNumber: 5}}); err != nil {
		t.Fatalf("UpsertFlags() error = %v", err)
	}
	if err := plain.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	enc, err := cipher.NewChaCha20("secret")
	if err != nil {
		t.Fatalf("NewChaCha20() error = %v", err)
	}
	db, err := Open(dir, "cache", WithCipher(enc))
	if err != nil {
		t.Fatalf("Open() with cipher error = %v", err)
	}
	defer db.Close()

	all, err := db.AllFlags(ctx)
	if err != nil {
		t.Fatalf("AllFlags() error = %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("AllFlags() after mode change = %v, want cleared cache", all)
	}
	mode, ok, err := db.StringValue(ctx, InfoDatabaseEncryptionMode)
	if err != nil || !ok || mode != string(cipher.ModeChaCha20) {
		t.Fatalf("mode marker = (%q, %t, %v), want chacha20poly1305", mode, ok, err)
	}
}

func TestRegistrySharesHandles(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	a, err := reg.Get("shared")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	b, err := reg.Get("shared")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a != b {
		t.Fatal("same name returned distinct handles")
	}
	c, err := reg.Get("other")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a == c {
		t.Fatal("different names share a handle")
	}
	if err := reg.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
}

func encodeTestBody(i int) (string, error) {
	raw, err := json.Marshal(map[string]int{"i": i})
	return string(raw), err
}
