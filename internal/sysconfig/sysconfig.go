// Package sysconfig layers validated access onto the system_config table:
// every known key has a constraint from the config-keys contract, checked
// by Set before its write reaches the database. SeedDefaults writes the
// startup defaults without running the checks. Reads fall back to the
// defaults the process booted with, so an unconfigured key behaves as if
// the operator had set it to whatever the CLI/env supplied.
package sysconfig

import (
	"encoding/json"
	"fmt"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/db"
)

// Known keys, matching the config-keys table.
const (
	KeyMinDelay                     = "min_delay"
	KeyMaxDelay                     = "max_delay"
	KeyAccountCooldown              = "account_cooldown"
	KeyLogRetentionDays             = "log_retention_days"
	KeyAutoCleanLogs                = "auto_clean_logs"
	KeyAutoreplyPollInterval        = "autoreply_poll_interval_seconds"
	KeyAutoreplyPollMinInterval     = "autoreply_poll_min_interval_seconds"
	KeyAutoreplyAccountBatchSize    = "autoreply_account_batch_size"
	KeyAutoreplySessionBatchSize    = "autoreply_session_batch_size"
)

// validator checks a candidate JSON value against a key's constraint,
// given the store to consult cross-key constraints (poll interval vs its
// floor).
type validator func(store *db.DB, raw string) error

var validators = map[string]validator{
	KeyMinDelay:                  intRange(1, 10),
	KeyMaxDelay:                  intRange(10, 60),
	KeyAccountCooldown:           intMin(1),
	KeyLogRetentionDays:          intMin(1),
	KeyAutoCleanLogs:             boolean,
	KeyAutoreplyPollMinInterval:  intMin(1),
	KeyAutoreplyPollInterval:     validatePollInterval,
	KeyAutoreplyAccountBatchSize: intMin(0),
	KeyAutoreplySessionBatchSize: intMin(0),
}

// Store wraps *db.DB with key validation. Callers still use db.DB
// directly for keys sysconfig doesn't know about (there are none today,
// but nothing stops the table from growing one).
type Store struct {
	db  *db.DB
	clk clock.Clock
}

func New(store *db.DB, clk clock.Clock) *Store {
	return &Store{db: store, clk: clk}
}

// Get returns a key's current JSON value, or fallback if unset.
func (s *Store) Get(key, fallback string) (string, error) {
	return s.db.GetSystemConfig(key, fallback)
}

// GetInt reads a key as an integer, falling back on any parse failure.
func (s *Store) GetInt(key string, fallback int) int {
	raw, err := s.db.GetSystemConfig(key, "")
	if err != nil || raw == "" {
		return fallback
	}
	var v int
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fallback
	}
	return v
}

// GetBool reads a key as a boolean, falling back on any parse failure.
func (s *Store) GetBool(key string, fallback bool) bool {
	raw, err := s.db.GetSystemConfig(key, "")
	if err != nil || raw == "" {
		return fallback
	}
	var v bool
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fallback
	}
	return v
}

// List returns every persisted key/value pair.
func (s *Store) List() (map[string]string, error) {
	return s.db.ListSystemConfig()
}

// Set validates raw (a JSON-encoded scalar) against key's constraint, then
// upserts it. Unknown keys are rejected — the config surface is closed,
// not an arbitrary key/value store.
func (s *Store) Set(key, raw string) error {
	v, ok := validators[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := v(s.db, raw); err != nil {
		return fmt.Errorf("invalid value for %q: %w", key, err)
	}
	return s.db.SetSystemConfig(key, raw, clock.NowUTCMilli(s.clk))
}

// SeedDefaults writes every key in defaults that isn't already present,
// called once at startup so the CLI/env-supplied values become the
// live, mutable baseline in system_config.
func (s *Store) SeedDefaults(defaults map[string]string) error {
	existing, err := s.db.ListSystemConfig()
	if err != nil {
		return fmt.Errorf("list system config: %w", err)
	}
	now := clock.NowUTCMilli(s.clk)
	for key, raw := range defaults {
		if _, ok := existing[key]; ok {
			continue
		}
		if err := s.db.SetSystemConfig(key, raw, now); err != nil {
			return fmt.Errorf("seed %q: %w", key, err)
		}
	}
	return nil
}

func intMin(min int) validator {
	return func(_ *db.DB, raw string) error {
		var v int
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		if v < min {
			return fmt.Errorf("must be >= %d", min)
		}
		return nil
	}
}

func intRange(min, max int) validator {
	return func(_ *db.DB, raw string) error {
		var v int
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		if v < min || v > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

func boolean(_ *db.DB, raw string) error {
	var v bool
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fmt.Errorf("not a boolean: %w", err)
	}
	return nil
}

// validatePollInterval enforces "integer >= 1 and >= the configured
// floor", the one cross-key constraint in the table.
func validatePollInterval(store *db.DB, raw string) error {
	var v int
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fmt.Errorf("not an integer: %w", err)
	}
	if v < 1 {
		return fmt.Errorf("must be >= 1")
	}
	floorRaw, err := store.GetSystemConfig(KeyAutoreplyPollMinInterval, "1")
	if err != nil {
		return fmt.Errorf("read floor: %w", err)
	}
	var floor int
	_ = json.Unmarshal([]byte(floorRaw), &floor)
	if floor > 0 && v < floor {
		return fmt.Errorf("must be >= the configured floor (%d)", floor)
	}
	return nil
}
