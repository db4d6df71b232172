package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
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

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestValidateTriggerRejectsBothOrNeither(t *testing.T) {
	if err := ValidateTrigger(&db.ScheduledTask{}); err == nil {
		t.Fatal("expected error when neither cron nor interval is set")
	}
	if err := ValidateTrigger(&db.ScheduledTask{CronExpression: strPtr("*/5 * * * *"), IntervalSeconds: intPtr(60)}); err == nil {
		t.Fatal("expected error when both are set")
	}
}

func TestValidateTriggerRejectsBadCron(t *testing.T) {
	if err := ValidateTrigger(&db.ScheduledTask{CronExpression: strPtr("not a cron")}); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}

func TestValidateTriggerEnforcesIntervalFloor(t *testing.T) {
	if err := ValidateTrigger(&db.ScheduledTask{IntervalSeconds: intPtr(5)}); err == nil {
		t.Fatal("expected error for interval below the floor")
	}
	if err := ValidateTrigger(&db.ScheduledTask{IntervalSeconds: intPtr(60)}); err != nil {
		t.Fatalf("expected valid interval to pass, got %v", err)
	}
}

func TestStartRepairsInvalidTriggerByDeactivating(t *testing.T) {
	store := openTestDB(t)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(store, fake, Handlers{})

	id, err := store.InsertTask(&db.ScheduledTask{Name: "broken", TaskType: KindLogCleanup, IntervalSeconds: intPtr(0), IsActive: true, ConfigJSON: "{}"})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	tasks, err := store.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, task := range tasks {
		if task.ID == id && task.IsActive {
			t.Fatalf("expected invalid-trigger task to be deactivated")
		}
	}
}

func TestStartCreatesBuiltinsOnlyOnce(t *testing.T) {
	store := openTestDB(t)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(store, fake, Handlers{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	s2 := New(store, fake, Handlers{})
	if err := s2.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer s2.Stop()

	tasks, err := store.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var cookieCount, cleanupCount int
	for _, task := range tasks {
		switch task.Name {
		case builtinCookieHealthCheck:
			cookieCount++
		case builtinLogCleanup:
			cleanupCount++
		}
	}
	if cookieCount != 1 || cleanupCount != 1 {
		t.Fatalf("expected exactly one of each builtin, got cookie=%d cleanup=%d", cookieCount, cleanupCount)
	}
}

func TestDispatchRoutesToCorrectHandler(t *testing.T) {
	store := openTestDB(t)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var reportCalled, autoreplyCalled, healthCalled, cleanupCalled bool
	s := New(store, fake, Handlers{
		ReportBatch:       func(ctx context.Context, cfg string) error { reportCalled = true; return nil },
		AutoreplyPoll:     func(ctx context.Context) error { autoreplyCalled = true; return nil },
		CookieHealthCheck: func(ctx context.Context) error { healthCalled = true; return nil },
		LogCleanup:        func(ctx context.Context) error { cleanupCalled = true; return nil },
	})

	for _, kind := range []string{KindReportBatch, KindAutoreplyPoll, KindCookieHealthCheck, KindLogCleanup} {
		if err := s.Dispatch(context.Background(), db.ScheduledTask{TaskType: kind}); err != nil {
			t.Fatalf("Dispatch(%s): %v", kind, err)
		}
	}
	if !reportCalled || !autoreplyCalled || !healthCalled || !cleanupCalled {
		t.Fatalf("expected every handler invoked, got report=%v autoreply=%v health=%v cleanup=%v",
			reportCalled, autoreplyCalled, healthCalled, cleanupCalled)
	}
}

func TestDispatchUnknownKindErrors(t *testing.T) {
	store := openTestDB(t)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(store, fake, Handlers{})

	if err := s.Dispatch(context.Background(), db.ScheduledTask{TaskType: "bogus"}); err == nil {
		t.Fatal("expected error for unknown task type")
	}
}

func TestFireCoalescesConcurrentFiringsOfSameTask(t *testing.T) {
	store := openTestDB(t)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	s := New(store, fake, Handlers{
		LogCleanup: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			close(started)
			<-release
			return nil
		},
	})

	id, err := store.InsertTask(&db.ScheduledTask{Name: "cleanup", TaskType: KindLogCleanup, IntervalSeconds: intPtr(60), IsActive: true, ConfigJSON: "{}"})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	go s.fire(context.Background(), id)
	<-started

	// Second firing while the first is still in flight must be skipped.
	s.fire(context.Background(), id)
	close(release)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one handler invocation, got %d", calls)
	}
}

func TestCreateTaskValidatesBeforePersisting(t *testing.T) {
	store := openTestDB(t)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(store, fake, Handlers{})

	_, err := s.CreateTask(context.Background(), &db.ScheduledTask{Name: "bad", TaskType: KindLogCleanup, IsActive: true, ConfigJSON: "{}"})
	if err == nil {
		t.Fatal("expected validation error for missing trigger")
	}

	tasks, err := store.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, task := range tasks {
		if task.Name == "bad" {
			t.Fatal("expected invalid task to never be persisted")
		}
	}
}

func TestCreateAndDeleteTaskRegistersAndUnregisters(t *testing.T) {
	store := openTestDB(t)
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(store, fake, Handlers{LogCleanup: func(ctx context.Context) error { return nil }})

	id, err := s.CreateTask(context.Background(), &db.ScheduledTask{
		Name: "cleanup-2", TaskType: KindLogCleanup, IntervalSeconds: intPtr(60), IsActive: true, ConfigJSON: "{}",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	s.mu.Lock()
	_, hasStop := s.stopChs[id]
	s.mu.Unlock()
	if !hasStop {
		t.Fatal("expected interval task to be registered with a stop channel")
	}

	if err := s.DeleteTask(id); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	s.mu.Lock()
	_, stillThere := s.stopChs[id]
	s.mu.Unlock()
	if stillThere {
		t.Fatal("expected stop channel removed after delete")
	}
}

func TestLoadLogRetentionConfigFallsBackToDefaults(t *testing.T) {
	store := openTestDB(t)
	cfg, err := LoadLogRetentionConfig(store, 30, true)
	if err != nil {
		t.Fatalf("LoadLogRetentionConfig: %v", err)
	}
	if cfg.RetentionDays != 30 || !cfg.AutoClean {
		t.Fatalf("expected defaults to pass through, got %+v", cfg)
	}
}

func TestLoadLogRetentionConfigReadsOverrides(t *testing.T) {
	store := openTestDB(t)
	if err := store.SetSystemConfig("auto_clean_logs", "false", "2026-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("SetSystemConfig: %v", err)
	}
	if err := store.SetSystemConfig("log_retention_days", "7", "2026-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("SetSystemConfig: %v", err)
	}

	cfg, err := LoadLogRetentionConfig(store, 30, true)
	if err != nil {
		t.Fatalf("LoadLogRetentionConfig: %v", err)
	}
	if cfg.RetentionDays != 7 || cfg.AutoClean {
		t.Fatalf("expected overrides honored, got %+v", cfg)
	}
}
