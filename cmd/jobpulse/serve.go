package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soroux/jobpulse"
)

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the collector daemon",
		Long: `Run the jobpulse daemon: the read API plus the periodic sync and
analyze loops defined in the config.

Examples:
  jobpulse serve --config=config.toml
  jobpulse serve config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(serveFlags, args)
		},
	}
	return cmd
}

func runServe(flags *ServeFlags, args []string) error {
	path, err := configPath(flags.ConfigPath, args)
	if err != nil {
		return err
	}
	cfg, err := jobpulse.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
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

	if err := jobpulse.RegisterMetricsDefault(); err != nil {
		fmt.Printf("Warning: failed to register metrics: %v\n", err)
	}

	var sink jobpulse.AnomalySink
	if cfg.Notify.WebhookURL != "" {
		sink = jobpulse.NewWebhookSink(cfg.Notify.WebhookURL)
	}

	sch := jobpulse.NewCronScheduler(cfg)
	if cfg.Sync.Enabled {
		syncer := jobpulse.NewSyncer(kvStore, store, cfg)
		task := jobpulse.CronTask{
			Name:     "sync",
			Schedule: fmt.Sprintf("@every %dm", cfg.Sync.IntervalMinutes),
			Fn: func(ctx context.Context) error {
				_, err := syncer.Run(ctx, jobpulse.SyncOptions{CleanupEnabled: cfg.Sync.CleanupEnabled})
				return err
			},
		}
		if err := sch.Add(&task); err != nil {
			return fmt.Errorf("failed to add sync task: %w", err)
		}
	}
	if cfg.Analyze.Enabled {
		analyzer := jobpulse.NewAnalyzer(store, sink, cfg)
		task := jobpulse.CronTask{
			Name:     "analyze",
			Schedule: fmt.Sprintf("@every %dm", cfg.Analyze.IntervalMinutes),
			Fn: func(ctx context.Context) error {
				_, err := analyzer.AnalyzeAll(ctx)
				return err
			},
		}
		if err := sch.Add(&task); err != nil {
			return fmt.Errorf("failed to add analyze task: %w", err)
		}
	}
	if err := sch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	server, err := jobpulse.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, store, kvStore)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	fmt.Printf("Starting jobpulse server on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	sch.Stop()
	return server.Close()
}
