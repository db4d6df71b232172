// Package scheduler is a process-wide cooperative job runner: cron or
// interval triggers fire task kinds that delegate into the dispatcher,
// inbox poller, credential lifecycle, and log retention.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
)

// Task kinds understood by Dispatch.
const (
	KindReportBatch        = "report_batch"
	KindAutoreplyPoll      = "autoreply_poll"
	KindCookieHealthCheck  = "cookie_health_check"
	KindLogCleanup         = "log_cleanup"
)

// minIntervalFloor is the smallest accepted interval trigger.
const minIntervalFloor = 10 * time.Second

const (
	builtinCookieHealthCheck = "cookie_health_check"
	builtinLogCleanup        = "log_cleanup"
)

// Handlers wires each task kind to the component that actually does the
// work, so this package stays free of dispatcher/inbox/credential-lifecycle
// imports.
type Handlers struct {
	ReportBatch       func(ctx context.Context, configJSON string) error
	AutoreplyPoll     func(ctx context.Context) error
	CookieHealthCheck func(ctx context.Context) error
	LogCleanup        func(ctx context.Context) error
}

// Scheduler owns the cron engine, a goroutine per interval-triggered task,
// and the max-instances=1/coalesce gate.
type Scheduler struct {
	store    *db.DB
	clk      clock.Clock
	handlers Handlers
	cronEng  *cron.Cron

	mu       sync.Mutex
	running  map[int64]bool
	entryIDs map[int64]cron.EntryID
	stopChs  map[int64]chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. Call Start to register built-ins, repair
// invalid stored triggers, and begin firing.
func New(store *db.DB, clk clock.Clock, handlers Handlers) *Scheduler {
	return &Scheduler{
		store:    store,
		clk:      clk,
		handlers: handlers,
		cronEng:  cron.New(),
		running:  make(map[int64]bool),
		entryIDs: make(map[int64]cron.EntryID),
		stopChs:  make(map[int64]chan struct{}),
	}
}

// ValidateTrigger enforces "cron xor interval, at least one, interval has
// a floor" on a task about to become (or stay) active.
func ValidateTrigger(t *db.ScheduledTask) error {
	hasCron := t.CronExpression != nil && *t.CronExpression != ""
	hasInterval := t.IntervalSeconds != nil
	if hasCron == hasInterval {
		return fmt.Errorf("exactly one of cron_expression or interval_seconds must be set")
	}
	if hasCron {
		if _, err := cron.ParseStandard(*t.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", *t.CronExpression, err)
		}
	}
	if hasInterval {
		if *t.IntervalSeconds <= 0 {
			return fmt.Errorf("interval_seconds must be positive")
		}
		if time.Duration(*t.IntervalSeconds)*time.Second < minIntervalFloor {
			return fmt.Errorf("interval_seconds must be >= %s", minIntervalFloor)
		}
	}
	return nil
}

// Start runs startup repair, ensures the built-in jobs exist, and
// registers every active task.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.repairInvalidTriggers(); err != nil {
		return err
	}
	if err := s.ensureBuiltins(); err != nil {
		return err
	}

	tasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if !t.IsActive {
			continue
		}
		if err := s.register(ctx, t); err != nil {
			return fmt.Errorf("register task %q: %w", t.Name, err)
		}
	}

	s.cronEng.Start()
	return nil
}

// Stop waits for any in-flight firing to finish, then stops every interval
// goroutine and the cron engine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, ch := range s.stopChs {
		close(ch)
	}
	s.mu.Unlock()

	cronCtx := s.cronEng.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
}

func (s *Scheduler) repairInvalidTriggers() error {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if !t.IsActive {
			continue
		}
		t := t
		if err := ValidateTrigger(&t); err != nil {
			if err := s.store.SetTaskActive(t.ID, false); err != nil {
				return fmt.Errorf("deactivate invalid task %q: %w", t.Name, err)
			}
		}
	}
	return nil
}

// ensureBuiltins creates the self-created jobs at startup if absent.
func (s *Scheduler) ensureBuiltins() error {
	if err := s.ensureBuiltin(builtinCookieHealthCheck, KindCookieHealthCheck, 6*time.Hour); err != nil {
		return err
	}
	return s.ensureBuiltin(builtinLogCleanup, KindLogCleanup, 24*time.Hour)
}

func (s *Scheduler) ensureBuiltin(name, taskType string, interval time.Duration) error {
	existing, err := s.store.GetTaskByName(name)
	if err != nil {
		return fmt.Errorf("get builtin task %q: %w", name, err)
	}
	if existing != nil {
		return nil
	}
	seconds := int(interval.Seconds())
	_, err = s.store.InsertTask(&db.ScheduledTask{
		Name:            name,
		TaskType:        taskType,
		IntervalSeconds: &seconds,
		IsActive:        true,
		ConfigJSON:      "{}",
	})
	if err != nil {
		return fmt.Errorf("insert builtin task %q: %w", name, err)
	}
	return nil
}

// CreateTask validates the trigger (when the task is to be active) before
// persisting, so a bad trigger never leaves an inconsistent DB/scheduler
// pair, then registers it if active.
func (s *Scheduler) CreateTask(ctx context.Context, t *db.ScheduledTask) (int64, error) {
	if t.IsActive {
		if err := ValidateTrigger(t); err != nil {
			return 0, err
		}
	}
	id, err := s.store.InsertTask(t)
	if err != nil {
		return 0, fmt.Errorf("insert task %q: %w", t.Name, err)
	}
	if t.IsActive {
		t.ID = id
		if err := s.register(ctx, *t); err != nil {
			return id, fmt.Errorf("register task %q: %w", t.Name, err)
		}
	}
	return id, nil
}

// UpdateTask validates before writing when the task is to remain/become
// active, then atomically unregisters the old job and registers the new
// trigger.
func (s *Scheduler) UpdateTask(ctx context.Context, id int64, cronExpr *string, intervalSeconds *int, active bool, configJSON string) error {
	candidate := db.ScheduledTask{ID: id, CronExpression: cronExpr, IntervalSeconds: intervalSeconds, IsActive: active}
	if active {
		if err := ValidateTrigger(&candidate); err != nil {
			return err
		}
	}

	s.unregister(id)

	if err := s.store.UpdateTask(id, cronExpr, intervalSeconds, active, configJSON); err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	if !active {
		return nil
	}

	// register needs the full row (name, task_type); UpdateTask only
	// touches the trigger/active/config columns.
	tasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, row := range tasks {
		if row.ID == id {
			return s.register(ctx, row)
		}
	}
	return fmt.Errorf("task %d vanished after update", id)
}

// DeleteTask unregisters any live job before removing the row.
func (s *Scheduler) DeleteTask(id int64) error {
	s.unregister(id)
	if err := s.store.DeleteTask(id); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

func (s *Scheduler) register(ctx context.Context, t db.ScheduledTask) error {
	if t.CronExpression != nil {
		id, err := s.cronEng.AddFunc(*t.CronExpression, func() { s.fire(ctx, t.ID) })
		if err != nil {
			return fmt.Errorf("add cron job: %w", err)
		}
		s.mu.Lock()
		s.entryIDs[t.ID] = id
		s.mu.Unlock()
		return nil
	}

	interval := time.Duration(*t.IntervalSeconds) * time.Second
	stop := make(chan struct{})
	s.mu.Lock()
	s.stopChs[t.ID] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.fire(ctx, t.ID)
			}
		}
	}()
	return nil
}

func (s *Scheduler) unregister(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entryIDs[id]; ok {
		s.cronEng.Remove(entryID)
		delete(s.entryIDs, id)
	}
	if stop, ok := s.stopChs[id]; ok {
		close(stop)
		delete(s.stopChs, id)
	}
}

// fire enforces max_instances=1 with coalesce: a firing that finds the
// previous run still in flight is simply skipped, not queued.
func (s *Scheduler) fire(ctx context.Context, taskID int64) {
	s.mu.Lock()
	if s.running[taskID] {
		s.mu.Unlock()
		return
	}
	s.running[taskID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[taskID] = false
		s.mu.Unlock()
	}()

	task, err := s.lookupTask(taskID)
	if err != nil || task == nil {
		return
	}

	_ = s.Dispatch(ctx, *task)
	_ = s.store.TouchTaskLastRun(taskID, clock.NowUTCMilli(s.clk))
}

func (s *Scheduler) lookupTask(id int64) (*db.ScheduledTask, error) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, nil
}

// Dispatch runs one task's kind-specific handler. Exported so RunNow-style
// manual triggers (and tests) can invoke a task's work without waiting on
// its trigger.
func (s *Scheduler) Dispatch(ctx context.Context, t db.ScheduledTask) error {
	switch t.TaskType {
	case KindReportBatch:
		if s.handlers.ReportBatch == nil {
			return nil
		}
		return s.handlers.ReportBatch(ctx, t.ConfigJSON)
	case KindAutoreplyPoll:
		if s.handlers.AutoreplyPoll == nil {
			return nil
		}
		return s.handlers.AutoreplyPoll(ctx)
	case KindCookieHealthCheck:
		if s.handlers.CookieHealthCheck == nil {
			return nil
		}
		return s.handlers.CookieHealthCheck(ctx)
	case KindLogCleanup:
		if s.handlers.LogCleanup == nil {
			return nil
		}
		return s.handlers.LogCleanup(ctx)
	default:
		return fmt.Errorf("unknown task type %q", t.TaskType)
	}
}

// LogRetentionConfig is the shape of log_cleanup's effective settings,
// read from system_config rather than config_json so a control-API edit
// takes effect on the next firing without a task update.
type LogRetentionConfig struct {
	RetentionDays int  `json:"retention_days"`
	AutoClean     bool `json:"auto_clean"`
}

// LoadLogRetentionConfig reads the live auto_clean_logs / log_retention_days
// system_config keys, falling back to the given defaults when unset.
func LoadLogRetentionConfig(store *db.DB, defaultDays int, defaultAutoClean bool) (LogRetentionConfig, error) {
	autoCleanRaw, err := store.GetSystemConfig("auto_clean_logs", boolJSON(defaultAutoClean))
	if err != nil {
		return LogRetentionConfig{}, err
	}
	daysRaw, err := store.GetSystemConfig("log_retention_days", fmt.Sprintf("%d", defaultDays))
	if err != nil {
		return LogRetentionConfig{}, err
	}

	var autoClean bool
	_ = json.Unmarshal([]byte(autoCleanRaw), &autoClean)
	var days int
	_ = json.Unmarshal([]byte(daysRaw), &days)
	if days <= 0 {
		days = defaultDays
	}
	return LogRetentionConfig{RetentionDays: days, AutoClean: autoClean}, nil
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
