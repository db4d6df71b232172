package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bilisentinel/orchestrator/internal/clock"
	"github.com/bilisentinel/orchestrator/internal/config"
	"github.com/bilisentinel/orchestrator/internal/credlifecycle"
	"github.com/bilisentinel/orchestrator/internal/db"
	"github.com/bilisentinel/orchestrator/internal/dispatcher"
	"github.com/bilisentinel/orchestrator/internal/events"
	"github.com/bilisentinel/orchestrator/internal/executor"
	"github.com/bilisentinel/orchestrator/internal/governor"
	"github.com/bilisentinel/orchestrator/internal/inbox"
	"github.com/bilisentinel/orchestrator/internal/platform"
	"github.com/bilisentinel/orchestrator/internal/scheduler"
	"github.com/bilisentinel/orchestrator/internal/sysconfig"
	"github.com/bilisentinel/orchestrator/internal/wbi"
	"github.com/bilisentinel/orchestrator/internal/wbikeys"
	"github.com/bilisentinel/orchestrator/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Multi-account action orchestrator: reporting, autoreply, and credential lifecycle",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("db-path", "./state/orchestrator.db", "path to the sqlite database file")
	f.String("state-dir", "./state", "directory for persistent state")
	f.Int("http-port", 8080, "HTTP port for the control API")
	f.Int("min-delay", 2, "minimum seconds of human-like delay between actions")
	f.Int("max-delay", 10, "maximum seconds of human-like delay between actions")
	f.Int("account-cooldown", 30, "seconds an account rests after use")
	f.Int("log-retention-days", 30, "days to keep report logs before cleanup")
	f.Bool("auto-clean-logs", true, "whether log_cleanup deletes logs past retention")
	f.Int("autoreply-poll-interval", 60, "seconds between autoreply inbox polls")
	f.Int("autoreply-poll-min-interval", 20, "floor below which the poll interval cannot be configured")
	f.Int("autoreply-account-batch-size", 0, "max accounts swept per autoreply cycle (0 = all)")
	f.Int("autoreply-session-batch-size", 0, "max sessions swept per account per cycle (0 = all)")
	f.Int("batch-concurrency", 5, "max targets dispatched concurrently in a report batch")
	f.Int("dispatch-max-retry", 3, "max dispatch runs per target before it is marked failed")
	f.Bool("autoreply-standalone", false, "run only the autoreply poller, skipping the report scheduler")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("db_path", "db-path")
	bindFlag("state_dir", "state-dir")
	bindFlag("http_port", "http-port")
	bindFlag("min_delay", "min-delay")
	bindFlag("max_delay", "max-delay")
	bindFlag("account_cooldown", "account-cooldown")
	bindFlag("log_retention_days", "log-retention-days")
	bindFlag("auto_clean_logs", "auto-clean-logs")
	bindFlag("autoreply_poll_interval", "autoreply-poll-interval")
	bindFlag("autoreply_poll_min_interval", "autoreply-poll-min-interval")
	bindFlag("autoreply_account_batch_size", "autoreply-account-batch-size")
	bindFlag("autoreply_session_batch_size", "autoreply-session-batch-size")
	bindFlag("batch_concurrency", "batch-concurrency")
	bindFlag("dispatch_max_retry", "dispatch-max-retry")
	bindFlag("autoreply_standalone", "autoreply-standalone")

	viper.SetEnvPrefix("ORCHESTRATOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	fmt.Println("orchestrator starting")
	fmt.Printf("  db: %s\n", cfg.DBPath)
	fmt.Printf("  control API: :%d\n", cfg.HTTPPort)
	fmt.Printf("  delay window: %d-%ds, cooldown: %ds\n", cfg.MinDelay, cfg.MaxDelay, cfg.AccountCooldown)
	fmt.Printf("  autoreply poll: %ds (floor %ds)\n", cfg.AutoreplyPollInterval, cfg.AutoreplyPollMinInterval)
	fmt.Printf("  standalone autoreply: %t\n", cfg.AutoreplyStandalone)
	fmt.Println()

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close() //nolint:errcheck

	clk := clock.Real{}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	cfgStore := sysconfig.New(store, clk)
	if err := cfgStore.SeedDefaults(defaultsFromConfig(cfg)); err != nil {
		return fmt.Errorf("seed system config: %w", err)
	}

	hub := events.New()

	// clientFor is shared by every component that needs to act as an
	// account; it is filled in once the WBI key cache exists, since the
	// cache itself is bootstrapped via an unauthenticated client built
	// from this same factory shape.
	var keys *wbiKeyCache
	clientFor := func(account db.Account) *platform.Client {
		return platform.New(credsFromAccount(account), wbi.NewFingerprint(rng), keys.cache, clk, rng)
	}

	unauthClient := platform.New(platform.Credentials{}, wbi.NewFingerprint(rng), nil, clk, rng)
	keys = &wbiKeyCache{cache: credlifecycle.NewWBICache(clk, unauthClient)}

	lifecycle := credlifecycle.New(store, clk, unauthClient, clientFor)

	gov := governor.New(clk, rng)
	ex := executor.New(store, hub, clk)

	tunables := func() dispatcher.Tunables {
		return dispatcher.Tunables{
			MaxRetry:         cfg.DispatchMaxRetry,
			CooldownFloor:    time.Duration(cfgStore.GetInt(sysconfig.KeyAccountCooldown, cfg.AccountCooldown)) * time.Second,
			MinDelay:         time.Duration(cfgStore.GetInt(sysconfig.KeyMinDelay, cfg.MinDelay)) * time.Second,
			MaxDelay:         time.Duration(cfgStore.GetInt(sysconfig.KeyMaxDelay, cfg.MaxDelay)) * time.Second,
			BatchConcurrency: cfg.BatchConcurrency,
		}
	}
	dispatch := dispatcher.New(store, gov, ex, hub, clk, rng, clientFor, tunables)

	sendDelay := time.Duration(cfg.MinDelay) * time.Second
	batchFor := func() inbox.BatchSizes {
		return inbox.BatchSizes{
			Account: cfgStore.GetInt(sysconfig.KeyAutoreplyAccountBatchSize, cfg.AutoreplyAccountBatchSize),
			Session: cfgStore.GetInt(sysconfig.KeyAutoreplySessionBatchSize, cfg.AutoreplySessionBatchSize),
		}
	}
	poller := inbox.New(store, hub, clk, clientFor, sendDelay, batchFor)

	pollIntervalFor := func() time.Duration {
		interval := cfgStore.GetInt(sysconfig.KeyAutoreplyPollInterval, cfg.AutoreplyPollInterval)
		floor := cfgStore.GetInt(sysconfig.KeyAutoreplyPollMinInterval, cfg.AutoreplyPollMinInterval)
		if interval < floor {
			interval = floor
		}
		return time.Duration(interval) * time.Second
	}

	handlers := scheduler.Handlers{
		ReportBatch:       reportBatchHandler(store, dispatch),
		AutoreplyPoll:     poller.RunScheduledCycle,
		CookieHealthCheck: lifecycle.HealthSweep,
		LogCleanup:        logCleanupHandler(store, clk, cfg),
	}
	sched := scheduler.New(store, clk, handlers)

	webServer := web.New(cfg.HTTPPort, cfgStore, hub)
	go func() {
		if err := webServer.Start(); err != nil {
			log.Printf("control API error: %v", err)
		}
	}()

	if n, err := dispatch.RecoverOrphans(); err != nil {
		log.Printf("recover orphaned targets: %v", err)
	} else if n > 0 {
		log.Printf("recovered %d orphaned target(s)", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	if cfg.AutoreplyStandalone {
		if err := poller.StandaloneLoop(ctx, pollIntervalFor); err != nil {
			return fmt.Errorf("standalone autoreply loop: %w", err)
		}
	} else {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-ctx.Done()
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("control API shutdown: %v", err)
	}

	return nil
}

// wbiKeyCache breaks the chicken-and-egg dependency between clientFor and
// the WBI key cache it feeds: clientFor is constructed before the cache
// exists (the cache's own fetch function needs a client), so clientFor
// closes over this indirection cell instead of the cache directly.
type wbiKeyCache struct {
	cache *wbikeys.Cache
}

func credsFromAccount(a db.Account) platform.Credentials {
	return platform.Credentials{
		Sessdata: a.Sessdata,
		BiliJCT:  a.BiliJCT,
		Buvid3:   a.Buvid3,
	}
}

// defaultsFromConfig maps the startup-time Config onto the system_config
// keys sysconfig seeds on first boot. Subsequent runs leave an
// operator-edited value untouched.
func defaultsFromConfig(cfg config.Config) map[string]string {
	return map[string]string{
		sysconfig.KeyMinDelay:                  strconv.Itoa(cfg.MinDelay),
		sysconfig.KeyMaxDelay:                  strconv.Itoa(cfg.MaxDelay),
		sysconfig.KeyAccountCooldown:           strconv.Itoa(cfg.AccountCooldown),
		sysconfig.KeyLogRetentionDays:          strconv.Itoa(cfg.LogRetentionDays),
		sysconfig.KeyAutoCleanLogs:             strconv.FormatBool(cfg.AutoCleanLogs),
		sysconfig.KeyAutoreplyPollInterval:     strconv.Itoa(cfg.AutoreplyPollInterval),
		sysconfig.KeyAutoreplyPollMinInterval:  strconv.Itoa(cfg.AutoreplyPollMinInterval),
		sysconfig.KeyAutoreplyAccountBatchSize: strconv.Itoa(cfg.AutoreplyAccountBatchSize),
		sysconfig.KeyAutoreplySessionBatchSize: strconv.Itoa(cfg.AutoreplySessionBatchSize),
	}
}

// reportBatchConfig is the shape of a report_batch scheduled task's
// config_json: an optional cap on how many pending targets one firing
// claims, so a single slow sweep can't starve the next tick.
type reportBatchConfig struct {
	Limit int `json:"limit"`
}

func reportBatchHandler(store *db.DB, dispatch *dispatcher.Dispatcher) func(ctx context.Context, configJSON string) error {
	return func(ctx context.Context, configJSON string) error {
		limit := 50
		if configJSON != "" {
			var cfg reportBatchConfig
			if err := json.Unmarshal([]byte(configJSON), &cfg); err == nil && cfg.Limit > 0 {
				limit = cfg.Limit
			}
		}

		targets, err := store.ListPendingTargets(limit)
		if err != nil {
			return fmt.Errorf("list pending targets: %w", err)
		}
		if len(targets) == 0 {
			return nil
		}

		ids := make([]int64, len(targets))
		for i, t := range targets {
			ids[i] = t.ID
		}
		dispatch.Batch(ctx, ids, nil)
		return nil
	}
}

func logCleanupHandler(store *db.DB, clk clock.Clock, cfg config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		retention, err := scheduler.LoadLogRetentionConfig(store, cfg.LogRetentionDays, cfg.AutoCleanLogs)
		if err != nil {
			return fmt.Errorf("load log retention config: %w", err)
		}
		if !retention.AutoClean {
			return nil
		}
		cutoff := clk.Now().UTC().AddDate(0, 0, -retention.RetentionDays).Format("2006-01-02T15:04:05.000Z")
		n, err := store.DeleteReportLogsOlderThan(cutoff)
		if err != nil {
			return fmt.Errorf("delete report logs older than %s: %w", cutoff, err)
		}
		if n > 0 {
			log.Printf("log_cleanup: deleted %d report log(s) older than %d day(s)", n, retention.RetentionDays)
		}
		return nil
	}
}
