package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soroux/jobpulse"
)

// createSyncCommand creates the sync subcommand
func createSyncCommand(globalFlags *GlobalFlags, syncFlags *SyncFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [config.toml]",
		Short: "Run one sync pass",
		Long: `Fold the transient correlation state into the durable metric store once
and print a report.

Examples:
  jobpulse sync --config=config.toml
  jobpulse sync --dry-run                  # Report without writing
  jobpulse sync --cleanup                  # Also delete stale correlation keys
  jobpulse sync --force                    # Run even when sync is disabled in config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			syncFlags.ConfigPath = globalFlags.ConfigPath
			return runSync(syncFlags, args)
		},
	}

	cmd.Flags().BoolVar(&syncFlags.DryRun, "dry-run", false, "report what would be synced without writing")
	cmd.Flags().IntVar(&syncFlags.BatchSize, "batch-size", 0, "override configured batch size")
	cmd.Flags().BoolVar(&syncFlags.Cleanup, "cleanup", false, "delete stale correlation keys after syncing")
	cmd.Flags().BoolVar(&syncFlags.Force, "force", false, "run even when sync is disabled in config")
	return cmd
}

func runSync(flags *SyncFlags, args []string) error {
	path, err := configPath(flags.ConfigPath, args)
	if err != nil {
		return err
	}
	cfg, err := jobpulse.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if !cfg.Sync.Enabled && !flags.Force {
		return fmt.Errorf("sync is disabled in config; use --force to run anyway")
	}

	kvStore, err := jobpulse.NewKVStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open correlation store: %w", err)
	}
	defer func() { _ = kvStore.Close() }()

	store, err := jobpulse.NewMetricStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open metric store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare metric store schema: %w", err)
	}

	rep, err := jobpulse.NewSyncer(kvStore, store, cfg).Run(ctx, jobpulse.SyncOptions{
		DryRun:         flags.DryRun,
		BatchSize:      flags.BatchSize,
		CleanupEnabled: flags.Cleanup,
	})
	printJSON(rep)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
