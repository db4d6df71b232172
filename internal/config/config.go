package config

import "github.com/spf13/viper"

// Config holds startup-time runtime configuration for the orchestrator.
// Tunables that can change while the process is running (delay bounds,
// cooldown floor, retention days, ...) live in sysconfig instead; Config
// only seeds their defaults on first boot.
type Config struct {
	DBPath   string
	HTTPPort int
	StateDir string

	MinDelay                  int
	MaxDelay                  int
	AccountCooldown           int
	LogRetentionDays          int
	AutoCleanLogs             bool
	AutoreplyPollInterval     int
	AutoreplyPollMinInterval  int
	AutoreplyAccountBatchSize int
	AutoreplySessionBatchSize int
	BatchConcurrency          int
	DispatchMaxRetry          int
	AutoreplyStandalone       bool
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/orchestrator).
func Load() Config {
	return Config{
		DBPath:   viper.GetString("db_path"),
		HTTPPort: viper.GetInt("http_port"),
		StateDir: viper.GetString("state_dir"),

		MinDelay:                  viper.GetInt("min_delay"),
		MaxDelay:                  viper.GetInt("max_delay"),
		AccountCooldown:           viper.GetInt("account_cooldown"),
		LogRetentionDays:          viper.GetInt("log_retention_days"),
		AutoCleanLogs:             viper.GetBool("auto_clean_logs"),
		AutoreplyPollInterval:     viper.GetInt("autoreply_poll_interval"),
		AutoreplyPollMinInterval:  viper.GetInt("autoreply_poll_min_interval"),
		AutoreplyAccountBatchSize: viper.GetInt("autoreply_account_batch_size"),
		AutoreplySessionBatchSize: viper.GetInt("autoreply_session_batch_size"),
		BatchConcurrency:          viper.GetInt("batch_concurrency"),
		DispatchMaxRetry:          viper.GetInt("dispatch_max_retry"),
		AutoreplyStandalone:       viper.GetBool("autoreply_standalone"),
	}
}
