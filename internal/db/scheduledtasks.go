package db

import (
	"database/sql"
	"fmt"
)

// ScheduledTask is one row of scheduled_tasks. Exactly one of
// CronExpression / IntervalSeconds is non-nil for an active row.
type ScheduledTask struct {
	ID              int64
	Name            string
	TaskType         string // report_batch, autoreply_poll, cookie_health_check, log_cleanup
	CronExpression  *string
	IntervalSeconds *int
	IsActive        bool
	LastRunAt       *string
	ConfigJSON      string
}

const taskColumns = `id, name, task_type, cron_expression, interval_seconds, is_active, last_run_at, config_json`

func scanTask(scanner interface{ Scan(...any) error }, t *ScheduledTask) error {
	var active int
	if err := scanner.Scan(&t.ID, &t.Name, &t.TaskType, &t.CronExpression, &t.IntervalSeconds, &active, &t.LastRunAt, &t.ConfigJSON); err != nil {
		return err
	}
	t.IsActive = active == 1
	return nil
}

// InsertTask creates a new scheduled task.
func (d *DB) InsertTask(t *ScheduledTask) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO scheduled_tasks (name, task_type, cron_expression, interval_seconds, is_active, last_run_at, config_json)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		t.Name, t.TaskType, t.CronExpression, t.IntervalSeconds, boolToInt(t.IsActive), t.ConfigJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

// GetTaskByName returns a task by its unique name, or nil if absent.
func (d *DB) GetTaskByName(name string) (*ScheduledTask, error) {
	t := &ScheduledTask{}
	row := d.conn.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE name = ?`, name)
	if err := scanTask(row, t); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get task by name %q: %w", name, err)
	}
	return t, nil
}

// ListTasks returns every scheduled task.
func (d *DB) ListTasks() ([]ScheduledTask, error) {
	rows, err := d.conn.Query(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		if err := scanTask(rows, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask overwrites a task's trigger and active flag.
func (d *DB) UpdateTask(id int64, cronExpr *string, intervalSeconds *int, active bool, configJSON string) error {
	_, err := d.conn.Exec(
		`UPDATE scheduled_tasks SET cron_expression = ?, interval_seconds = ?, is_active = ?, config_json = ? WHERE id = ?`,
		cronExpr, intervalSeconds, boolToInt(active), configJSON, id,
	)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return nil
}

// SetTaskActive toggles a task's active flag without touching its trigger.
func (d *DB) SetTaskActive(id int64, active bool) error {
	_, err := d.conn.Exec(`UPDATE scheduled_tasks SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set task active %d: %w", id, err)
	}
	return nil
}

// TouchTaskLastRun stamps last_run_at after a firing.
func (d *DB) TouchTaskLastRun(id int64, at string) error {
	_, err := d.conn.Exec(`UPDATE scheduled_tasks SET last_run_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touch task last run %d: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task by ID.
func (d *DB) DeleteTask(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}
