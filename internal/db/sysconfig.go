package db

import (
	"database/sql"
	"fmt"
)

// GetSystemConfig returns the raw JSON value for a key, or the fallback if unset.
func (d *DB) GetSystemConfig(key, fallback string) (string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("get system config %q: %w", key, err)
	}
	return value, nil
}

// SetSystemConfig upserts a key's JSON value, stamping updated_at.
func (d *DB) SetSystemConfig(key, value, updatedAt string) error {
	_, err := d.conn.Exec(
		`INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("set system config %q: %w", key, err)
	}
	return nil
}

// ListSystemConfig returns every key/value pair, ordered by key.
func (d *DB) ListSystemConfig() (map[string]string, error) {
	rows, err := d.conn.Query(`SELECT key, value FROM system_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list system config: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan system config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
