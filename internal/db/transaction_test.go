package db

import (
	"sync"
	"testing"
)

// TestMigrationCreatesTablesAndRecordsVersion verifies the initial
// migration applied cleanly: every table exists and goose recorded the
// version.
func TestMigrationCreatesTablesAndRecordsVersion(t *testing.T) {
	d := openTestDB(t)

	tables := []string{
		"accounts",
		"targets",
		"report_logs",
		"autoreply_config",
		"autoreply_state",
		"scheduled_tasks",
		"system_config",
		"goose_db_version",
	}
	for _, table := range tables {
		var name string
		err := d.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}

	var maxVersion int64
	err := d.Conn().QueryRow(
		`SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE version_id > 0`,
	).Scan(&maxVersion)
	if err != nil {
		t.Fatalf("query goose_db_version: %v", err)
	}
	if maxVersion != 1 {
		t.Fatalf("expected goose_db_version max version 1, got %d", maxVersion)
	}
}

// TestClaimTargetIsExclusive verifies that under concurrent claimants, at
// most one CAS claim on a single target succeeds.
func TestClaimTargetIsExclusive(t *testing.T) {
	d := openTestDB(t)

	id, err := d.InsertTarget(&Target{Type: "video", Identifier: "BV1", ReasonID: 4}, "2026-01-01T00:00:00.000Z")
	if err != nil {
		t.Fatalf("InsertTarget: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.ClaimTarget(id, "2026-01-01T00:00:01.000Z")
			if err != nil {
				t.Errorf("ClaimTarget: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}
}
