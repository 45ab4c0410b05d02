package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ipguard/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := SetupDB(WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		DB = nil
	})

	return db
}

func TestFunctionsRequireInitialisedDB(t *testing.T) {
	DB = nil

	if _, err := FindBlockedIP(context.Background(), "1.2.3.4"); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("FindBlockedIP error = %v, want ErrNotInitialised", err)
	}
	if err := InsertRequestRecord(context.Background(), domain.RequestRecord{IP: "1.2.3.4"}); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("InsertRequestRecord error = %v, want ErrNotInitialised", err)
	}
	if _, err := UpsertSuspiciousIfAbsent(context.Background(), "1.2.3.4", "x", time.Now()); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("UpsertSuspiciousIfAbsent error = %v, want ErrNotInitialised", err)
	}
}

func TestBlockLifecycle(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	found, err := FindBlockedIP(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("FindBlockedIP returned error: %v", err)
	}
	if found {
		t.Fatal("FindBlockedIP returned true for an empty block list")
	}

	if _, err := BlockIP(ctx, "203.0.113.7", "abuse"); err != nil {
		t.Fatalf("BlockIP returned error: %v", err)
	}
	entry, err := BlockIP(ctx, "203.0.113.7", "repeat abuse")
	if err != nil {
		t.Fatalf("BlockIP (refresh) returned error: %v", err)
	}
	if entry.Reason != "repeat abuse" {
		t.Fatalf("BlockIP reason = %q, want %q", entry.Reason, "repeat abuse")
	}

	entries, err := ListBlockedIPs(ctx)
	if err != nil {
		t.Fatalf("ListBlockedIPs returned error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListBlockedIPs returned %d entries, want 1", len(entries))
	}

	found, err = FindBlockedIP(ctx, "203.0.113.7")
	if err != nil || !found {
		t.Fatalf("FindBlockedIP = %v, %v; want true, nil", found, err)
	}

	removed, err := UnblockIP(ctx, "203.0.113.7")
	if err != nil || !removed {
		t.Fatalf("UnblockIP = %v, %v; want true, nil", removed, err)
	}
	removed, err = UnblockIP(ctx, "203.0.113.7")
	if err != nil || removed {
		t.Fatalf("second UnblockIP = %v, %v; want false, nil", removed, err)
	}
}

func TestQueryRequestsSinceIsInclusive(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-time.Hour)

	records := []domain.RequestRecord{
		{IP: "10.0.0.1", Path: "/old", Timestamp: windowStart.Add(-time.Second)},
		{IP: "10.0.0.1", Path: "/edge", Timestamp: windowStart},
		{IP: "10.0.0.2", Path: "/new", Timestamp: now.Add(-time.Minute)},
	}
	for _, record := range records {
		if err := InsertRequestRecord(ctx, record); err != nil {
			t.Fatalf("InsertRequestRecord returned error: %v", err)
		}
	}

	got, err := QueryRequestsSince(ctx, windowStart)
	if err != nil {
		t.Fatalf("QueryRequestsSince returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("QueryRequestsSince returned %d records, want 2", len(got))
	}
	for _, record := range got {
		if record.Path == "/old" {
			t.Fatalf("QueryRequestsSince returned record outside the window: %+v", record)
		}
	}
}

func TestInsertRequestRecordTruncatesLongPaths(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	long := "/" + strings.Repeat("a", domain.MaxPathLength+100)
	if err := InsertRequestRecord(ctx, domain.RequestRecord{IP: "10.0.0.1", Path: long}); err != nil {
		t.Fatalf("InsertRequestRecord returned error: %v", err)
	}

	got, err := QueryRequestsSince(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("QueryRequestsSince returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryRequestsSince returned %d records, want 1", len(got))
	}
	if len(got[0].Path) != domain.MaxPathLength {
		t.Fatalf("stored path length = %d, want %d", len(got[0].Path), domain.MaxPathLength)
	}
}

func TestUpsertSuspiciousIfAbsentKeepsFirstReason(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := UpsertSuspiciousIfAbsent(ctx, "198.51.100.4", "reasonA", now)
	if err != nil || !created {
		t.Fatalf("first UpsertSuspiciousIfAbsent = %v, %v; want true, nil", created, err)
	}

	created, err = UpsertSuspiciousIfAbsent(ctx, "198.51.100.4", "reasonB", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second UpsertSuspiciousIfAbsent returned error: %v", err)
	}
	if created {
		t.Fatal("second UpsertSuspiciousIfAbsent reported a new row")
	}

	entries, err := ListSuspiciousIPs(ctx, false)
	if err != nil {
		t.Fatalf("ListSuspiciousIPs returned error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListSuspiciousIPs returned %d entries, want 1", len(entries))
	}
	if entries[0].Reason != "reasonA" {
		t.Fatalf("reason = %q, want %q", entries[0].Reason, "reasonA")
	}
	if !entries[0].IsActive {
		t.Fatal("new suspicious entry is not active")
	}
}

func TestUpsertSuspiciousIfAbsentDoesNotReactivate(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := UpsertSuspiciousIfAbsent(ctx, "198.51.100.5", "first", now); err != nil {
		t.Fatalf("UpsertSuspiciousIfAbsent returned error: %v", err)
	}
	found, err := DeactivateSuspiciousIP(ctx, "198.51.100.5")
	if err != nil || !found {
		t.Fatalf("DeactivateSuspiciousIP = %v, %v; want true, nil", found, err)
	}
	if _, err := UpsertSuspiciousIfAbsent(ctx, "198.51.100.5", "second", now); err != nil {
		t.Fatalf("UpsertSuspiciousIfAbsent returned error: %v", err)
	}

	active, err := ListSuspiciousIPs(ctx, true)
	if err != nil {
		t.Fatalf("ListSuspiciousIPs returned error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("ListSuspiciousIPs(active) returned %d entries, want 0", len(active))
	}
}

func TestDeactivateSuspiciousIPMissing(t *testing.T) {
	setupTestDB(t)

	found, err := DeactivateSuspiciousIP(context.Background(), "192.0.2.1")
	if err != nil {
		t.Fatalf("DeactivateSuspiciousIP returned error: %v", err)
	}
	if found {
		t.Fatal("DeactivateSuspiciousIP reported a missing entry as found")
	}
}

func TestDeleteSuspiciousWhere(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cutoff := now.Add(-7 * 24 * time.Hour)

	seed := []struct {
		ip       string
		created  time.Time
		inactive bool
	}{
		{ip: "192.0.2.1", created: cutoff.Add(-24 * time.Hour), inactive: true},
		{ip: "192.0.2.2", created: cutoff.Add(-24 * time.Hour), inactive: false},
		{ip: "192.0.2.3", created: cutoff.Add(24 * time.Hour), inactive: true},
	}
	for _, s := range seed {
		if _, err := UpsertSuspiciousIfAbsent(ctx, s.ip, "seed", s.created); err != nil {
			t.Fatalf("UpsertSuspiciousIfAbsent returned error: %v", err)
		}
		if s.inactive {
			if _, err := DeactivateSuspiciousIP(ctx, s.ip); err != nil {
				t.Fatalf("DeactivateSuspiciousIP returned error: %v", err)
			}
		}
	}

	deleted, err := DeleteSuspiciousWhere(ctx, cutoff, true)
	if err != nil {
		t.Fatalf("DeleteSuspiciousWhere returned error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("DeleteSuspiciousWhere deleted %d rows, want 1", deleted)
	}

	remaining, err := ListSuspiciousIPs(ctx, false)
	if err != nil {
		t.Fatalf("ListSuspiciousIPs returned error: %v", err)
	}
	got := map[string]bool{}
	for _, entry := range remaining {
		got[entry.IP] = true
	}
	if got["192.0.2.1"] || !got["192.0.2.2"] || !got["192.0.2.3"] {
		t.Fatalf("remaining entries = %v, want 192.0.2.2 and 192.0.2.3", got)
	}
}

func TestBlockIPsIfAbsentKeepsExistingReasons(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	if _, err := BlockIP(ctx, "192.0.2.1", "manual"); err != nil {
		t.Fatalf("BlockIP returned error: %v", err)
	}

	created, err := BlockIPsIfAbsent(ctx, []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}, "feed")
	if err != nil {
		t.Fatalf("BlockIPsIfAbsent returned error: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}

	entries, err := ListBlockedIPs(ctx)
	if err != nil {
		t.Fatalf("ListBlockedIPs returned error: %v", err)
	}
	reasons := make(map[string]string, len(entries))
	for _, e := range entries {
		reasons[e.IP] = e.Reason
	}
	if reasons["192.0.2.1"] != "manual" || reasons["192.0.2.2"] != "feed" {
		t.Fatalf("unexpected reasons %v", reasons)
	}

	if created, err := BlockIPsIfAbsent(ctx, nil, "feed"); err != nil || created != 0 {
		t.Fatalf("empty import = (%d, %v), want (0, nil)", created, err)
	}
}
