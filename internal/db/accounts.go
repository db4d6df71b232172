package db

import (
	"database/sql"
	"fmt"
)

// Account is the full row, including credential fields. Callers that must
// not leak credentials should use PublicAccount instead.
type Account struct {
	ID              int64
	Name            string
	Sessdata        string
	BiliJCT         string
	Buvid3          string
	Buvid4          string
	DedeUserIDCkMd5 string
	RefreshToken    string
	UID             *int64
	GroupTag        string
	IsActive        bool
	Status          string
	LastCheckAt     *string
	CreatedAt       string
}

// PublicAccount strips every credential-bearing field. This is the shape
// returned by read paths that aren't explicitly asking for credentials.
type PublicAccount struct {
	ID          int64
	Name        string
	UID         *int64
	GroupTag    string
	IsActive    bool
	Status      string
	LastCheckAt *string
	CreatedAt   string
}

func (a *Account) Public() PublicAccount {
	return PublicAccount{
		ID:          a.ID,
		Name:        a.Name,
		UID:         a.UID,
		GroupTag:    a.GroupTag,
		IsActive:    a.IsActive,
		Status:      a.Status,
		LastCheckAt: a.LastCheckAt,
		CreatedAt:   a.CreatedAt,
	}
}

const accountColumns = `id, name, sessdata, bili_jct, buvid3, buvid4, dedeuserid_ckmd5, refresh_token, uid, group_tag, is_active, status, last_check_at, created_at`

func scanAccount(scanner interface{ Scan(...any) error }, a *Account) error {
	var active int
	if err := scanner.Scan(&a.ID, &a.Name, &a.Sessdata, &a.BiliJCT, &a.Buvid3, &a.Buvid4, &a.DedeUserIDCkMd5, &a.RefreshToken, &a.UID, &a.GroupTag, &active, &a.Status, &a.LastCheckAt, &a.CreatedAt); err != nil {
		return err
	}
	a.IsActive = active == 1
	return nil
}

// InsertAccount creates a new account row with status "unknown" and returns its ID.
func (d *DB) InsertAccount(a *Account) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO accounts (name, sessdata, bili_jct, buvid3, buvid4, dedeuserid_ckmd5, refresh_token, uid, group_tag, is_active, status, last_check_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'unknown', NULL, ?)`,
		a.Name, a.Sessdata, a.BiliJCT, a.Buvid3, a.Buvid4, a.DedeUserIDCkMd5, a.RefreshToken, a.UID, a.GroupTag, boolToInt(a.IsActive), a.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

// GetAccount returns the full (credentialed) row, or nil if absent.
func (d *DB) GetAccount(id int64) (*Account, error) {
	a := &Account{}
	row := d.conn.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if err := scanAccount(row, a); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// GetAccountByUID looks an account up by its platform UID.
func (d *DB) GetAccountByUID(uid int64) (*Account, error) {
	a := &Account{}
	row := d.conn.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE uid = ?`, uid)
	if err := scanAccount(row, a); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get account by uid %d: %w", uid, err)
	}
	return a, nil
}

// ListAccounts returns a paginated, public (credential-free) projection.
func (d *DB) ListAccounts(limit, offset int) ([]PublicAccount, error) {
	rows, err := d.conn.Query(
		`SELECT id, name, uid, group_tag, is_active, status, last_check_at, created_at
		 FROM accounts ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []PublicAccount
	for rows.Next() {
		var p PublicAccount
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.UID, &p.GroupTag, &active, &p.Status, &p.LastCheckAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		p.IsActive = active == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActiveValidAccounts returns the full (credentialed) rows for every
// account eligible to place outbound calls: active and status in
// (valid, expiring) — an expiring account still has working credentials,
// it is merely due for a health-sweep refresh.
func (d *DB) ListActiveValidAccounts() ([]Account, error) {
	rows, err := d.conn.Query(
		`SELECT ` + accountColumns + ` FROM accounts WHERE is_active = 1 AND status IN ('valid', 'expiring') ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active valid accounts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Account
	for rows.Next() {
		var a Account
		if err := scanAccount(rows, &a); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountCredentials overwrites every credential field and, per the
// data-model invariant, resets status to "unknown" and clears last_check_at.
func (d *DB) UpdateAccountCredentials(id int64, sessdata, biliJCT, buvid3, buvid4, ckmd5, refreshToken string) error {
	_, err := d.conn.Exec(
		`UPDATE accounts SET sessdata = ?, bili_jct = ?, buvid3 = ?, buvid4 = ?, dedeuserid_ckmd5 = ?, refresh_token = ?,
		 status = 'unknown', last_check_at = NULL WHERE id = ?`,
		sessdata, biliJCT, buvid3, buvid4, ckmd5, refreshToken, id,
	)
	if err != nil {
		return fmt.Errorf("update account credentials %d: %w", id, err)
	}
	return nil
}

// SetAccountValid stamps an account's session as refreshed and working,
// optionally updating its UID and refresh token (used by QR login and
// cookie refresh, which both know the new session is good at the moment
// they write it, so the reset-to-unknown rule above doesn't apply here).
func (d *DB) SetAccountValid(id int64, sessdata, biliJCT, refreshToken string, uid *int64, checkedAt string) error {
	_, err := d.conn.Exec(
		`UPDATE accounts SET sessdata = ?, bili_jct = ?, refresh_token = ?, uid = COALESCE(?, uid),
		 status = 'valid', last_check_at = ? WHERE id = ?`,
		sessdata, biliJCT, refreshToken, uid, checkedAt, id,
	)
	if err != nil {
		return fmt.Errorf("set account valid %d: %w", id, err)
	}
	return nil
}

// SetAccountBuvid persists buvid3/buvid4 captured from the finger endpoint.
func (d *DB) SetAccountBuvid(id int64, buvid3, buvid4 string) error {
	_, err := d.conn.Exec(`UPDATE accounts SET buvid3 = ?, buvid4 = ? WHERE id = ?`, buvid3, buvid4, id)
	if err != nil {
		return fmt.Errorf("set account buvid %d: %w", id, err)
	}
	return nil
}

// MarkAccountStatus updates only the status + last_check_at fields, used
// by the health sweep and by terminal auth failures.
func (d *DB) MarkAccountStatus(id int64, status string, checkedAt string) error {
	_, err := d.conn.Exec(`UPDATE accounts SET status = ?, last_check_at = ? WHERE id = ?`, status, checkedAt, id)
	if err != nil {
		return fmt.Errorf("mark account status %d: %w", id, err)
	}
	return nil
}

// RenameAccount updates the human name of an account (used by QR login's
// name-preservation heuristic).
func (d *DB) RenameAccount(id int64, name string) error {
	_, err := d.conn.Exec(`UPDATE accounts SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename account %d: %w", id, err)
	}
	return nil
}

// DeleteAccount removes an account row. No cascade: callers needing one
// coordinate through report_logs' nullable account_id FK.
func (d *DB) DeleteAccount(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	return nil
}
