package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenAndMigrate(t *testing.T) {
	d := openTestDB(t)

	id, err := d.InsertAccount(&Account{
		Name:      "test",
		Sessdata:  "abc",
		BiliJCT:   "csrf",
		IsActive:  true,
		CreatedAt: "2026-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("InsertAccount: %v", err)
	}
	if id < 1 {
		t.Fatalf("expected positive id, got %d", id)
	}

	a, err := d.GetAccount(id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a == nil {
		t.Fatal("expected account, got nil")
	}
	if a.Sessdata != "abc" {
		t.Fatalf("expected sessdata abc, got %q", a.Sessdata)
	}
	if a.Status != "unknown" {
		t.Fatalf("expected initial status unknown, got %q", a.Status)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	d := openTestDB(t)

	a, err := d.GetAccount(9999)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil for non-existent account, got %+v", a)
	}
}

func TestAccountPublicProjectionStripsCredentials(t *testing.T) {
	d := openTestDB(t)

	id, err := d.InsertAccount(&Account{Name: "alice", Sessdata: "secret", BiliJCT: "secret2", IsActive: true, CreatedAt: "2026-01-01T00:00:00.000Z"})
	if err != nil {
		t.Fatalf("InsertAccount: %v", err)
	}

	accounts, err := d.ListAccounts(10, 0)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != id {
		t.Fatalf("expected one account with id %d, got %+v", id, accounts)
	}
	// PublicAccount has no Sessdata/BiliJCT field at all — the type itself
	// enforces the projection, nothing to assert beyond compiling.
}

func TestUpdateAccountCredentialsResetsStatus(t *testing.T) {
	d := openTestDB(t)

	id, err := d.InsertAccount(&Account{Name: "bob", Sessdata: "old", BiliJCT: "old", IsActive: true, CreatedAt: "2026-01-01T00:00:00.000Z"})
	if err != nil {
		t.Fatalf("InsertAccount: %v", err)
	}
	checkedAt := "2026-01-01T01:00:00.000Z"
	if err := d.MarkAccountStatus(id, "valid", checkedAt); err != nil {
		t.Fatalf("MarkAccountStatus: %v", err)
	}

	if err := d.UpdateAccountCredentials(id, "new", "new", "", "", "", ""); err != nil {
		t.Fatalf("UpdateAccountCredentials: %v", err)
	}

	a, err := d.GetAccount(id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Status != "unknown" {
		t.Fatalf("expected status reset to unknown, got %q", a.Status)
	}
	if a.LastCheckAt != nil {
		t.Fatalf("expected last_check_at cleared, got %v", a.LastCheckAt)
	}
}

func TestDefaultReplyUpsertIsSingleton(t *testing.T) {
	d := openTestDB(t)

	for i := 0; i < 5; i++ {
		if _, err := d.UpsertDefaultReply("reply", 0, true); err != nil {
			t.Fatalf("UpsertDefaultReply iteration %d: %v", i, err)
		}
	}

	rules, err := d.ListActiveRules()
	if err != nil {
		t.Fatalf("ListActiveRules: %v", err)
	}
	var nullCount int
	for _, r := range rules {
		if r.Keyword == nil {
			nullCount++
		}
	}
	if nullCount != 1 {
		t.Fatalf("expected exactly one default rule, got %d", nullCount)
	}
}

func TestRecoverOrphanedTargets(t *testing.T) {
	d := openTestDB(t)

	id, err := d.InsertTarget(&Target{Type: "video", Identifier: "BV1", ReasonID: 4}, "2026-01-01T00:00:00.000Z")
	if err != nil {
		t.Fatalf("InsertTarget: %v", err)
	}
	ok, err := d.ClaimTarget(id, "2026-01-01T00:00:01.000Z")
	if err != nil || !ok {
		t.Fatalf("ClaimTarget: ok=%v err=%v", ok, err)
	}

	n, err := d.RecoverOrphanedTargets("2026-01-01T00:00:02.000Z")
	if err != nil {
		t.Fatalf("RecoverOrphanedTargets: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}

	tgt, err := d.GetTarget(id)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if tgt.Status != "pending" {
		t.Fatalf("expected pending after recovery, got %q", tgt.Status)
	}
}

func TestAbortTargetDoesNotIncrementRetryCount(t *testing.T) {
	d := openTestDB(t)

	id, err := d.InsertTarget(&Target{Type: "video", Identifier: "BV1", ReasonID: 4}, "2026-01-01T00:00:00.000Z")
	if err != nil {
		t.Fatalf("InsertTarget: %v", err)
	}
	if err := d.SetTargetRetryCount(id, 3); err != nil {
		t.Fatalf("SetTargetRetryCount: %v", err)
	}

	if err := d.AbortTarget(id, "failed", "2026-01-01T00:00:01.000Z"); err != nil {
		t.Fatalf("AbortTarget: %v", err)
	}

	tgt, err := d.GetTarget(id)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if tgt.Status != "failed" {
		t.Fatalf("expected failed status, got %q", tgt.Status)
	}
	if tgt.RetryCount != 3 {
		t.Fatalf("expected retry_count unchanged at 3, got %d", tgt.RetryCount)
	}
}
