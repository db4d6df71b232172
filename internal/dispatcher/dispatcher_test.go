package dispatcher

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
	"github.com/bilisentinel/orchestrator/internal/events"
	"github.com/bilisentinel/orchestrator/internal/executor"
	"github.com/bilisentinel/orchestrator/internal/governor"
	"github.com/bilisentinel/orchestrator/internal/platform"
	"github.com/bilisentinel/orchestrator/internal/wbi"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func staticTunables(t Tunables) func() Tunables { return func() Tunables { return t } }

func clientFactoryFor(srv *httptest.Server, rng *rand.Rand, clk clock.Clock) ClientFactory {
	return func(account db.Account) *platform.Client {
		c := platform.New(platform.Credentials{Sessdata: account.Sessdata, BiliJCT: account.BiliJCT}, wbi.NewFingerprint(rng), nil, clk, rng)
		c.OverrideHostsForTest(srv.URL)
		return c
	}
}

func newHarness(t *testing.T, handler http.HandlerFunc, tunables Tunables) (*Dispatcher, *db.DB, *clock.Fake) {
	t.Helper()
	store := openTestDB(t)
	hub := events.New()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rng := rand.New(rand.NewSource(1))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gov := governor.New(fake, rng)
	ex := executor.New(store, hub, fake)
	d := New(store, gov, ex, hub, fake, rng, clientFactoryFor(srv, rng, fake), staticTunables(tunables))
	return d, store, fake
}

func insertAccount(t *testing.T, store *db.DB, name string) db.Account {
	t.Helper()
	id, err := store.InsertAccount(&db.Account{Name: name, Sessdata: "s", BiliJCT: "j", IsActive: true, CreatedAt: "2026-01-01T00:00:00.000Z"})
	if err != nil {
		t.Fatalf("InsertAccount: %v", err)
	}
	if err := store.SetAccountValid(id, "s", "j", "rt", nil, "2026-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("SetAccountValid: %v", err)
	}
	a, err := store.GetAccount(id)
	if err != nil || a == nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return *a
}

func insertVideoTarget(t *testing.T, store *db.DB) int64 {
	t.Helper()
	aid := int64(1)
	id, err := store.InsertTarget(&db.Target{Type: "video", Identifier: "BV1xx", AID: &aid, ReasonID: 1}, "2026-01-01T00:00:00.000Z")
	if err != nil {
		t.Fatalf("InsertTarget: %v", err)
	}
	return id
}

func defaultTunables() Tunables {
	return Tunables{MaxRetry: 3, CooldownFloor: 90 * time.Second, MinDelay: 1 * time.Second, MaxDelay: 10 * time.Second, BatchConcurrency: 5}
}

func TestSingleTargetSuccess(t *testing.T) {
	d, store, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0}`))
	}, defaultTunables())

	insertAccount(t, store, "acct-1")
	targetID := insertVideoTarget(t, store)

	results, err := d.SingleTarget(context.Background(), targetID, nil)
	if err != nil {
		t.Fatalf("SingleTarget: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one successful result, got %+v", results)
	}

	target, err := store.GetTarget(targetID)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if target.Status != "completed" {
		t.Fatalf("expected completed status, got %s", target.Status)
	}
	if target.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", target.RetryCount)
	}
}

func TestSingleTargetConflictOnDoubleClaim(t *testing.T) {
	d, store, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0}`))
	}, defaultTunables())

	insertAccount(t, store, "acct-1")
	targetID := insertVideoTarget(t, store)

	if _, err := store.ClaimTarget(targetID, "2026-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("ClaimTarget: %v", err)
	}

	_, err := d.SingleTarget(context.Background(), targetID, nil)
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSingleTargetNoEligibleAccountsReleasesTarget(t *testing.T) {
	d, store, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0}`))
	}, defaultTunables())

	targetID := insertVideoTarget(t, store)

	results, err := d.SingleTarget(context.Background(), targetID, nil)
	if err != nil {
		t.Fatalf("SingleTarget: %v", err)
	}
	if results != nil {
		t.Fatalf("expected no results, got %+v", results)
	}

	target, err := store.GetTarget(targetID)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if target.Status != "pending" {
		t.Fatalf("expected target released back to pending, got %s", target.Status)
	}
}

func TestSingleTargetAllAccountsFailMarksFailed(t *testing.T) {
	d, store, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-101}`))
	}, defaultTunables())

	insertAccount(t, store, "acct-1")
	insertAccount(t, store, "acct-2")
	targetID := insertVideoTarget(t, store)

	results, err := d.SingleTarget(context.Background(), targetID, nil)
	if err != nil {
		t.Fatalf("SingleTarget: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both accounts attempted, got %d results", len(results))
	}

	target, err := store.GetTarget(targetID)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if target.Status != "failed" {
		t.Fatalf("expected failed status, got %s", target.Status)
	}
}

func TestSingleTargetRetryCapAbortsImmediately(t *testing.T) {
	var calls int
	d, store, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"code":0}`))
	}, defaultTunables())

	insertAccount(t, store, "acct-1")
	targetID := insertVideoTarget(t, store)

	if err := store.SetTargetRetryCount(targetID, 3); err != nil {
		t.Fatalf("bump retry count: %v", err)
	}

	results, err := d.SingleTarget(context.Background(), targetID, nil)
	if err != nil {
		t.Fatalf("SingleTarget: %v", err)
	}
	if results != nil {
		t.Fatalf("expected no attempts once retry cap reached, got %+v", results)
	}
	if calls != 0 {
		t.Fatalf("expected no outbound calls, got %d", calls)
	}

	target, err := store.GetTarget(targetID)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if target.Status != "failed" {
		t.Fatalf("expected failed status from retry cap, got %s", target.Status)
	}
	if target.RetryCount != 3 {
		t.Fatalf("expected retry_count to stay at 3 on a cap abort with no outbound call, got %d", target.RetryCount)
	}
}

func TestBatchRunsAllTargets(t *testing.T) {
	d, store, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0}`))
	}, defaultTunables())

	insertAccount(t, store, "acct-1")
	ids := []int64{insertVideoTarget(t, store), insertVideoTarget(t, store), insertVideoTarget(t, store)}

	summary := d.Batch(context.Background(), ids, nil)
	if len(summary) != 3 {
		t.Fatalf("expected 3 entries in summary, got %d", len(summary))
	}
	for _, id := range ids {
		target, err := store.GetTarget(id)
		if err != nil {
			t.Fatalf("GetTarget: %v", err)
		}
		if target.Status != "completed" {
			t.Fatalf("target %d: expected completed, got %s", id, target.Status)
		}
	}
}
