package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AceyAdapter/dopplersky-workers/internal/bluesky"
	"github.com/AceyAdapter/dopplersky-workers/internal/config"
	"github.com/AceyAdapter/dopplersky-workers/internal/database"
	"github.com/AceyAdapter/dopplersky-workers/internal/logging"
	"github.com/AceyAdapter/dopplersky-workers/internal/monitoring"
	"github.com/AceyAdapter/dopplersky-workers/internal/reconciler"
	"github.com/AceyAdapter/dopplersky-workers/internal/snapshot"
	"github.com/AceyAdapter/dopplersky-workers/internal/store"
	"github.com/AceyAdapter/dopplersky-workers/internal/version"
)

const serviceName = "spyglass"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile     string
		allUsers    bool
		healthCheck bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:           "spyglass",
		Short:         "DopplerSky snapshot worker — daily Bluesky analytics roll-up",
		Long:          "Spyglass fetches Bluesky profiles and posts for tracked users, reconciles stored engagement data and writes one analytics snapshot per user per day.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerWithService(serviceName)
			if err := config.LoadEnv(logger, cfgFile); err != nil {
				return err
			}
			applyLogLevel(logger, verbose)

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			return run(cmd.Context(), logger, cfg, allUsers, healthCheck)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "path to an alternate environment file")
	cmd.Flags().BoolVar(&allUsers, "all-users", false, "process every tracked user instead of only recently viewed ones")
	cmd.Flags().BoolVar(&healthCheck, "health-check", false, "probe database and Bluesky API connectivity and exit")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	return cmd
}

func run(ctx context.Context, logger logging.Logger, cfg config.Config, allUsers, healthCheck bool) error {
	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GitCommit,
	}).Info("Starting Spyglass (Snapshot Collection Worker)")

	dbConfig := database.DefaultConfig()
	dbConfig.URL = database.URLFromParts(cfg.Database)
	db, err := database.Connect(dbConfig, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.NewStore(db)
	client := bluesky.NewClient(cfg.BlueskyBaseURL)
	client.SetTimeout(cfg.HTTPTimeout)

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("bluesky", monitoring.BlueskyHealthCheck(client, config.GetEnv("HEALTH_PROBE_ACTOR", "bsky.app")))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DB_HOST": cfg.Database.Host,
		"DB_NAME": cfg.Database.Name,
	}))

	if healthCheck {
		return runHealthCheck(healthChecker)
	}

	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	metrics := &snapshot.Metrics{
		UsersProcessed: metricsCollector.NewCounter("users_processed_total", "Users processed per run", []string{"status"}),
		ProfileBatches: metricsCollector.NewCounter("profile_batches_total", "Profile batch fetches", []string{"status"}),
		RunDuration:    metricsCollector.NewHistogram("run_duration_seconds", "Snapshot run duration", []string{"mode"}, nil),
	}

	if config.GetEnvBool("ENABLE_HEALTH_ENDPOINT", false) {
		go startHealthServer(healthChecker, metricsCollector, logger)
	}

	rec := reconciler.New(client, st, logger, cfg.TimeRangeDays)
	orchestrator := snapshot.NewOrchestrator(client, rec, st, logger, metrics)

	mode := store.SelectActive
	if allUsers {
		mode = store.SelectAll
	}

	summary, err := orchestrator.RunBatch(ctx, snapshot.Options{
		Mode:       mode,
		MaxWorkers: cfg.MaxWorkers,
		WindowDays: cfg.TimeRangeDays,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Snapshot collection completed: %d succeeded, %d failed, %d skipped in %s\n",
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Duration.Round(time.Millisecond))
	return nil
}

// applyLogLevel re-reads the level after env loading so env files take
// effect; the verbose flag beats whatever the environment says.
func applyLogLevel(logger logging.Logger, verbose bool) {
	logger.SetLevel(config.GetLogLevel())
	if verbose {
		logger.SetLevel(logging.DebugLevel)
	}
}

func runHealthCheck(healthChecker *monitoring.HealthChecker) error {
	health := healthChecker.CheckHealth()
	out, _ := json.MarshalIndent(health, "", "  ")
	fmt.Println(string(out))
	if health.Status == monitoring.StatusUnhealthy {
		return fmt.Errorf("health check failed")
	}
	return nil
}

func startHealthServer(healthChecker *monitoring.HealthChecker, metricsCollector *monitoring.MetricsCollector, logger logging.Logger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", healthChecker.Handler())
	router.GET("/metrics", metricsCollector.Handler())

	port := config.GetEnv("HEALTH_PORT", "18080")
	if err := router.Run(":" + port); err != nil {
		logger.WithError(err).Error("Health server error")
	}
}
