package db

import (
	"database/sql"
	"fmt"
)

// Target is one unit of reporting work.
type Target struct {
	ID               int64
	Type             string // "video", "comment", "user"
	Identifier       string
	AID              *int64
	ReasonID         int
	ReasonContentID  *int
	ReasonText       *string
	DisplayText      *string
	Status           string // pending, processing, completed, failed
	RetryCount       int
	CreatedAt        string
	UpdatedAt        string
}

const targetColumns = `id, type, identifier, aid, reason_id, reason_content_id, reason_text, display_text, status, retry_count, created_at, updated_at`

func scanTarget(scanner interface{ Scan(...any) error }, t *Target) error {
	return scanner.Scan(&t.ID, &t.Type, &t.Identifier, &t.AID, &t.ReasonID, &t.ReasonContentID, &t.ReasonText, &t.DisplayText, &t.Status, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt)
}

// InsertTarget creates a new pending target and returns its ID.
func (d *DB) InsertTarget(t *Target, now string) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO targets (type, identifier, aid, reason_id, reason_content_id, reason_text, display_text, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		t.Type, t.Identifier, t.AID, t.ReasonID, t.ReasonContentID, t.ReasonText, t.DisplayText, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert target: %w", err)
	}
	return res.LastInsertId()
}

// GetTarget returns a single target by ID, or nil if absent.
func (d *DB) GetTarget(id int64) (*Target, error) {
	t := &Target{}
	row := d.conn.QueryRow(`SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	if err := scanTarget(row, t); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get target %d: %w", id, err)
	}
	return t, nil
}

// ClaimTarget performs the CAS pending->processing transition. It returns
// (true, nil) if this caller won the claim, (false, nil) if some other
// claimant already holds it (or it doesn't exist), and a non-nil error
// only for a genuine storage failure.
func (d *DB) ClaimTarget(id int64, now string) (bool, error) {
	res, err := d.conn.Exec(
		`UPDATE targets SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim target %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim target %d: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseTarget restores a claimed target back to pending without
// incrementing retry_count — used when account selection finds nothing
// to work with.
func (d *DB) ReleaseTarget(id int64, now string) error {
	_, err := d.conn.Exec(`UPDATE targets SET status = 'pending', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("release target %d: %w", id, err)
	}
	return nil
}

// FinishTarget sets the terminal status and increments retry_count by one,
// per the "retry cap counts calls to the target, not per-account attempts"
// rule.
func (d *DB) FinishTarget(id int64, status string, now string) error {
	_, err := d.conn.Exec(
		`UPDATE targets SET status = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		status, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish target %d: %w", id, err)
	}
	return nil
}

// AbortTarget sets a terminal status without touching retry_count — used
// when a target never reaches an outbound call at all (already at the
// retry cap), so aborting it doesn't push the counter past the cap.
func (d *DB) AbortTarget(id int64, status string, now string) error {
	_, err := d.conn.Exec(
		`UPDATE targets SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id,
	)
	if err != nil {
		return fmt.Errorf("abort target %d: %w", id, err)
	}
	return nil
}

// SetTargetRetryCount overwrites a target's retry counter directly. No
// control API route calls it.
func (d *DB) SetTargetRetryCount(id int64, count int) error {
	_, err := d.conn.Exec(`UPDATE targets SET retry_count = ? WHERE id = ?`, count, id)
	if err != nil {
		return fmt.Errorf("set target retry count %d: %w", id, err)
	}
	return nil
}

// SetTargetAID memoizes a resolved numeric aid for a video target that was
// only given a BV-style identifier.
func (d *DB) SetTargetAID(id int64, aid int64) error {
	_, err := d.conn.Exec(`UPDATE targets SET aid = ? WHERE id = ?`, aid, id)
	if err != nil {
		return fmt.Errorf("set target aid %d: %w", id, err)
	}
	return nil
}

// DeleteTarget removes a target row.
func (d *DB) DeleteTarget(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete target %d: %w", id, err)
	}
	return nil
}

// ListPendingTargets returns pending targets up to limit, oldest first —
// used by the batch dispatch path.
func (d *DB) ListPendingTargets(limit int) ([]Target, error) {
	rows, err := d.conn.Query(`SELECT `+targetColumns+` FROM targets WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending targets: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Target
	for rows.Next() {
		var t Target
		if err := scanTarget(rows, &t); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTargetsByIDs resolves an explicit id set, preserving no particular order.
func (d *DB) ListTargetsByIDs(ids []int64) ([]Target, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	rows, err := d.conn.Query(`SELECT `+targetColumns+` FROM targets WHERE id IN (`+string(placeholders)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list targets by ids: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Target
	for rows.Next() {
		var t Target
		if err := scanTarget(rows, &t); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecoverOrphanedTargets flips every row stuck in "processing" back to
// "pending" on process start — the previous claimant is by definition
// gone. Returns the number of rows recovered.
func (d *DB) RecoverOrphanedTargets(now string) (int64, error) {
	res, err := d.conn.Exec(`UPDATE targets SET status = 'pending', updated_at = ? WHERE status = 'processing'`, now)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned targets: %w", err)
	}
	return res.RowsAffected()
}
