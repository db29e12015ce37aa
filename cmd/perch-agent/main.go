package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/pkg/agent"
	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	runOnce    bool
	register   bool
	adminToken string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perch-agent",
	Short: "Perch edge agent - host telemetry collector",
	Long: `Perch agent collects hardware and OS telemetry from this host,
ships it to the perch server, and executes remote commands.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(strings.ToLower(cfg.LogLevel)),
			JSONOutput: true,
		})

		a, err := agent.New(cfg, configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		if register {
			if adminToken == "" {
				adminToken = os.Getenv("PERCH_ADMIN_TOKEN")
			}
			if adminToken == "" {
				return fmt.Errorf("--register needs --admin-token or PERCH_ADMIN_TOKEN")
			}
			if err := a.Register(ctx, adminToken); err != nil {
				return err
			}
			fmt.Printf("Registered as %s\n", a.AgentID())
			if !runOnce {
				return nil
			}
		}

		if runOnce {
			return a.Once(ctx)
		}
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"perch-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/perch/config.yml", "Path to agent config")
	rootCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single collection cycle and exit")
	rootCmd.Flags().BoolVar(&register, "register", false, "Register this agent with the server")
	rootCmd.Flags().StringVar(&adminToken, "admin-token", "", "Admin token for registration")
}
