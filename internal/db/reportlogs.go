package db

import "fmt"

// ReportLog is an immutable audit record of one attempt: a report, an
// auto-reply send, or an internal event (e.g. background_task_crash).
type ReportLog struct {
	ID            int64
	TargetID      *int64
	AccountID     *int64
	Action        string
	RequestData   *string
	ResponseData  *string
	Success       bool
	ErrorMessage  *string
	ExecutedAt    string
}

// InsertReportLog appends an audit row and returns its ID. Report logs are
// append-only; no update/delete methods are exposed.
func (d *DB) InsertReportLog(l *ReportLog) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO report_logs (target_id, account_id, action, request_data, response_data, success, error_message, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.TargetID, l.AccountID, l.Action, l.RequestData, l.ResponseData, boolToInt(l.Success), l.ErrorMessage, l.ExecutedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert report log: %w", err)
	}
	return res.LastInsertId()
}

func scanReportLog(scanner interface{ Scan(...any) error }, l *ReportLog) error {
	var success int
	if err := scanner.Scan(&l.ID, &l.TargetID, &l.AccountID, &l.Action, &l.RequestData, &l.ResponseData, &success, &l.ErrorMessage, &l.ExecutedAt); err != nil {
		return err
	}
	l.Success = success == 1
	return nil
}

const reportLogColumns = `id, target_id, account_id, action, request_data, response_data, success, error_message, executed_at`

// ListReportLogsForTarget returns every audit row for a target, newest first.
func (d *DB) ListReportLogsForTarget(targetID int64, limit int) ([]ReportLog, error) {
	rows, err := d.conn.Query(`SELECT `+reportLogColumns+` FROM report_logs WHERE target_id = ? ORDER BY id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list report logs for target %d: %w", targetID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ReportLog
	for rows.Next() {
		var l ReportLog
		if err := scanReportLog(rows, &l); err != nil {
			return nil, fmt.Errorf("scan report log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListReportLogs returns a page of audit rows, newest first, with optional
// action filter.
func (d *DB) ListReportLogs(action *string, limit, offset int) ([]ReportLog, error) {
	query := `SELECT ` + reportLogColumns + ` FROM report_logs WHERE 1=1`
	var args []any
	if action != nil {
		query += ` AND action = ?`
		args = append(args, *action)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list report logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ReportLog
	for rows.Next() {
		var l ReportLog
		if err := scanReportLog(rows, &l); err != nil {
			return nil, fmt.Errorf("scan report log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteReportLogsOlderThan removes audit rows with executed_at before the
// given cutoff (both UTC ISO-8601 strings, lexicographically comparable).
// Used by the log_cleanup scheduled job.
func (d *DB) DeleteReportLogsOlderThan(cutoff string) (int64, error) {
	res, err := d.conn.Exec(`DELETE FROM report_logs WHERE executed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete report logs older than %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}
