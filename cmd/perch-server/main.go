package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/pkg/api"
	"github.com/perchlabs/perch/pkg/auth"
	"github.com/perchlabs/perch/pkg/command"
	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/ingest"
	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/metrics"
	"github.com/perchlabs/perch/pkg/query"
	"github.com/perchlabs/perch/pkg/scheduler"
	"github.com/perchlabs/perch/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownGrace = 15 * time.Second

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perch-server",
	Short: "Perch - datacenter telemetry and remote control plane",
	Long: `Perch server receives metrics and logs from edge agents over HTTPS,
stores them in SQLite, and dispatches remote commands back to the fleet.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		code := run()
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"perch-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/perch-server/config.yml", "Path to server config")
}

// run boots the control plane. Exit codes: 0 clean shutdown, 1 startup
// or config error, 2 unrecoverable runtime error.
func run() int {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Init(log.Config{
		Level:      log.Level(strings.ToLower(cfg.LogLevel)),
		JSONOutput: true,
	})
	logger := log.WithComponent("server")

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open store")
		return 1
	}
	defer store.Close()

	adminToken, err := auth.LoadOrCreateAdminToken(cfg.AdminTokenPath())
	if err != nil {
		logger.Error().Err(err).Msg("failed to load admin token")
		return 1
	}
	if cfg.UseTLS {
		if err := auth.EnsureTLSMaterial(cfg.TLSCertPath(), cfg.TLSKeyPath(), cfg.Host); err != nil {
			logger.Error().Err(err).Msg("failed to prepare TLS material")
			return 1
		}
	}
	audit, err := auth.OpenAuditLogger(cfg.AuditLogPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open audit log")
		return 1
	}
	defer audit.Close()

	hub := command.NewHub()
	commands := command.NewManager(store, hub)

	sweeper := scheduler.New(store, commands, scheduler.Config{
		Interval:         time.Duration(cfg.CleanupIntervalSec) * time.Second,
		MetricsRetention: time.Duration(cfg.MetricsRetentionDays) * 24 * time.Hour,
		LogsRetention:    time.Duration(cfg.LogsRetentionDays) * 24 * time.Hour,
		CommandTTL:       command.DefaultTTL,
	})
	sweeper.Start()
	defer sweeper.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(cfg, api.Deps{
		Store:      store,
		Pipeline:   ingest.New(store),
		Engine:     query.New(store),
		Commands:   commands,
		Hub:        hub,
		AdminToken: adminToken,
		Audit:      audit,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
			return 2
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not drain cleanly")
		return 2
	}
	logger.Info().Msg("shutdown complete")
	return 0
}
