package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tallyworks/gatekeeper/internal/api"
	"github.com/tallyworks/gatekeeper/internal/config"
	"github.com/tallyworks/gatekeeper/internal/logging"
	"github.com/tallyworks/gatekeeper/internal/profile"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "gatekeeper",
	Short:   "Gatekeeper - entitlement, throttling and billing reconciliation service",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return api.Run(cmd.Context(), Version)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return api.Run(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Gatekeeper %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the profile store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := profile.Open(cfg.DatabaseURL, cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("dialect", store.Dialect()).Msg("Schema up to date")
		return nil
	},
}

var syncTimeout time.Duration

// syncCmd re-reads a subscription from Stripe and applies it locally, for
// repairing state after missed webhooks.
var syncCmd = &cobra.Command{
	Use:   "sync <subscription_id>...",
	Short: "Reconcile local tier state with Stripe for the given subscriptions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
		defer cancel()

		app, err := api.Build(ctx, cfg, Version)
		if err != nil {
			return err
		}
		defer app.Close()

		var failed int
		for _, id := range args {
			if err := app.Reconciler.SyncSubscription(ctx, id); err != nil {
				log.Error().Err(err).Str("subscription_id", id).Msg("Sync failed")
				failed++
				continue
			}
			log.Info().Str("subscription_id", id).Msg("Subscription synced")
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d subscriptions failed to sync", failed, len(args))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "overall deadline for the sync run")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
}

func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "gatekeeper"})
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "gatekeeper"})
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
