package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soroux/jobpulse"
)

// createAnalyzeCommand creates the analyze subcommand
func createAnalyzeCommand(globalFlags *GlobalFlags, analyzeFlags *AnalyzeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [config.toml]",
		Short: "Analyze command history for anomalies",
		Long: `Compare each command's latest run against its recent history and report
anomalies. Findings are also delivered to the configured webhook.

Examples:
  jobpulse analyze --config=config.toml
  jobpulse analyze --command=report:daily   # Analyze a single command`,
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzeFlags.ConfigPath = globalFlags.ConfigPath
			return runAnalyze(analyzeFlags, args)
		},
	}

	cmd.Flags().StringVar(&analyzeFlags.Command, "command", "", "analyze only this command")
	return cmd
}

func runAnalyze(flags *AnalyzeFlags, args []string) error {
	path, err := configPath(flags.ConfigPath, args)
	if err != nil {
		return err
	}
	cfg, err := jobpulse.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	store, err := jobpulse.NewMetricStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open metric store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare metric store schema: %w", err)
	}

	var sink jobpulse.AnomalySink
	if cfg.Notify.WebhookURL != "" {
		sink = jobpulse.NewWebhookSink(cfg.Notify.WebhookURL)
	}
	analyzer := jobpulse.NewAnalyzer(store, sink, cfg)

	if flags.Command != "" {
		an, err := analyzer.AnalyzeCommand(ctx, flags.Command)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		printJSON(an)
		return nil
	}

	summary, err := analyzer.AnalyzeAll(ctx)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	printJSON(summary)
	return nil
}
