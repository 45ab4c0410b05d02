package maintenance

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"

	"ipguard/internal/database"
	"ipguard/internal/jobs/runtime"
)

func setupTestDB(t *testing.T) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)
	db, err := database.SetupDB(database.WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		database.DB = nil
	})
}

func seedSuspicious(t *testing.T, ip string, created time.Time, active bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := database.UpsertSuspiciousIfAbsent(ctx, ip, "seed", created); err != nil {
		t.Fatalf("UpsertSuspiciousIfAbsent returned error: %v", err)
	}
	if !active {
		if _, err := database.DeactivateSuspiciousIP(ctx, ip); err != nil {
			t.Fatalf("DeactivateSuspiciousIP returned error: %v", err)
		}
	}
}

func remainingIPs(t *testing.T) map[string]bool {
	t.Helper()
	entries, err := database.ListSuspiciousIPs(context.Background(), false)
	if err != nil {
		t.Fatalf("ListSuspiciousIPs returned error: %v", err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.IP] = true
	}
	return out
}

func TestPurgeRemovesOnlyOldInactiveEntries(t *testing.T) {
	setupTestDB(t)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	seedSuspicious(t, "192.0.2.1", now.Add(-8*24*time.Hour), false)  // purged
	seedSuspicious(t, "192.0.2.2", now.Add(-30*24*time.Hour), true)  // active, kept
	seedSuspicious(t, "192.0.2.3", now.Add(-6*24*time.Hour), false)  // too young, kept

	deleted, err := NewPurger(database.Store{}).Purge(context.Background(), now)
	if err != nil {
		t.Fatalf("Purge returned error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Purge deleted %d rows, want 1", deleted)
	}

	remaining := remainingIPs(t)
	if remaining["192.0.2.1"] || !remaining["192.0.2.2"] || !remaining["192.0.2.3"] {
		t.Fatalf("remaining = %v, want 192.0.2.2 and 192.0.2.3", remaining)
	}
}

func TestPurgeCutoffIsExclusive(t *testing.T) {
	setupTestDB(t)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	seedSuspicious(t, "192.0.2.9", now.Add(-DefaultSuspiciousMaxAge), false)

	deleted, err := NewPurger(database.Store{}).Purge(context.Background(), now)
	if err != nil {
		t.Fatalf("Purge returned error: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("Purge deleted %d rows at the exact cutoff, want 0", deleted)
	}
}

func TestPurgeHonoursConfiguredAge(t *testing.T) {
	setupTestDB(t)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	seedSuspicious(t, "192.0.2.4", now.Add(-2*24*time.Hour), false)

	deleted, err := NewPurger(database.Store{}, WithMaxAge(24*time.Hour)).Purge(context.Background(), now)
	if err != nil {
		t.Fatalf("Purge returned error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Purge deleted %d rows, want 1", deleted)
	}
}

func TestRunSuspiciousCleanupUsesRunLock(t *testing.T) {
	setupTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	seedSuspicious(t, "192.0.2.5", time.Now().UTC().Add(-10*24*time.Hour), false)

	purger := NewPurger(database.Store{})
	task := SuspiciousCleanupTask(purger, nil)
	task.Client = client

	// Hold the run lock as if another instance were purging.
	if err := client.Set(context.Background(), suspiciousCleanupLockKey+":run", "other", time.Minute).Err(); err != nil {
		t.Fatalf("seed run lock: %v", err)
	}

	ran, err := runtimeExecute(task)
	if err != nil {
		t.Fatalf("ExecuteOnce returned error: %v", err)
	}
	if ran {
		t.Fatal("ExecuteOnce ran while another run held the lock")
	}

	mr.Del(suspiciousCleanupLockKey + ":run")

	ran, err = runtimeExecute(task)
	if err != nil || !ran {
		t.Fatalf("ExecuteOnce = %v, %v; want true, nil", ran, err)
	}
	if remainingIPs(t)["192.0.2.5"] {
		t.Fatal("old inactive entry survived the cleanup run")
	}
}

func runtimeExecute(task runtime.PeriodicTask) (bool, error) {
	return runtime.ExecuteOnce(context.Background(), task, "test")
}
