package db

import (
	"database/sql"
	"fmt"
)

// AutoreplyRule is one row of autoreply_config. A nil Keyword marks the
// default reply — the rule used when no keyword rule matches.
type AutoreplyRule struct {
	ID       int64
	Keyword  *string
	Response string
	Priority int
	IsActive bool
}

func scanRule(scanner interface{ Scan(...any) error }, r *AutoreplyRule) error {
	var active int
	if err := scanner.Scan(&r.ID, &r.Keyword, &r.Response, &r.Priority, &active); err != nil {
		return err
	}
	r.IsActive = active == 1
	return nil
}

const ruleColumns = `id, keyword, response, priority, is_active`

// ListActiveRules returns active rules ordered (priority DESC, id ASC), the
// exact order the inbox poller scans them in.
func (d *DB) ListActiveRules() ([]AutoreplyRule, error) {
	rows, err := d.conn.Query(`SELECT ` + ruleColumns + ` FROM autoreply_config WHERE is_active = 1 ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []AutoreplyRule
	for rows.Next() {
		var r AutoreplyRule
		if err := scanRule(rows, &r); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertKeywordRule creates a non-default rule (keyword must be non-empty).
func (d *DB) InsertKeywordRule(keyword, response string, priority int, active bool) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO autoreply_config (keyword, response, priority, is_active) VALUES (?, ?, ?, ?)`,
		keyword, response, priority, boolToInt(active),
	)
	if err != nil {
		return 0, fmt.Errorf("insert keyword rule: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRule updates an existing rule's mutable fields.
func (d *DB) UpdateRule(id int64, response string, priority int, active bool) error {
	_, err := d.conn.Exec(
		`UPDATE autoreply_config SET response = ?, priority = ?, is_active = ? WHERE id = ?`,
		response, priority, boolToInt(active), id,
	)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", id, err)
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (d *DB) DeleteRule(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM autoreply_config WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return nil
}

// UpsertDefaultReply enforces the "exactly one null-keyword row" invariant
// even under concurrent callers: inside one transaction it finds every
// null-keyword row ordered by id, updates the smallest (creating one if
// none exist), and deletes any duplicates left over from a race, then
// returns the winning row.
func (d *DB) UpsertDefaultReply(response string, priority int, active bool) (*AutoreplyRule, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("upsert default reply: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`SELECT id FROM autoreply_config WHERE keyword IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("upsert default reply: select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			return nil, fmt.Errorf("upsert default reply: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upsert default reply: rows: %w", err)
	}

	var winnerID int64
	if len(ids) == 0 {
		res, err := tx.Exec(
			`INSERT INTO autoreply_config (keyword, response, priority, is_active) VALUES (NULL, ?, ?, ?)`,
			response, priority, boolToInt(active),
		)
		if err != nil {
			return nil, fmt.Errorf("upsert default reply: insert: %w", err)
		}
		winnerID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("upsert default reply: last insert id: %w", err)
		}
	} else {
		winnerID = ids[0]
		if _, err := tx.Exec(
			`UPDATE autoreply_config SET response = ?, priority = ?, is_active = ? WHERE id = ?`,
			response, priority, boolToInt(active), winnerID,
		); err != nil {
			return nil, fmt.Errorf("upsert default reply: update: %w", err)
		}
		for _, dupID := range ids[1:] {
			if _, err := tx.Exec(`DELETE FROM autoreply_config WHERE id = ?`, dupID); err != nil {
				return nil, fmt.Errorf("upsert default reply: delete duplicate %d: %w", dupID, err)
			}
		}
	}

	r := &AutoreplyRule{}
	row := tx.QueryRow(`SELECT `+ruleColumns+` FROM autoreply_config WHERE id = ?`, winnerID)
	if err := scanRule(row, r); err != nil {
		return nil, fmt.Errorf("upsert default reply: reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("upsert default reply: commit: %w", err)
	}
	return r, nil
}

// GetLastRepliedTS returns the last_msg_ts recorded for (account, peer),
// or (0, false) if no row exists yet.
func (d *DB) GetLastRepliedTS(accountID, talkerID int64) (int64, bool, error) {
	var ts int64
	err := d.conn.QueryRow(`SELECT last_msg_ts FROM autoreply_state WHERE account_id = ? AND talker_id = ?`, accountID, talkerID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last replied ts: %w", err)
	}
	return ts, true, nil
}

// UpsertAutoreplyState records the last-message timestamp seen for
// (account, peer), unconditionally overwriting any prior value — safe to
// call out of order because the poller only calls it after already
// confirming ts is newer than what's on record.
func (d *DB) UpsertAutoreplyState(accountID, talkerID, ts int64) error {
	_, err := d.conn.Exec(
		`INSERT INTO autoreply_state (account_id, talker_id, last_msg_ts) VALUES (?, ?, ?)
		 ON CONFLICT(account_id, talker_id) DO UPDATE SET last_msg_ts = excluded.last_msg_ts`,
		accountID, talkerID, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert autoreply state: %w", err)
	}
	return nil
}
