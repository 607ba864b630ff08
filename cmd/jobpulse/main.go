package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	syncFlags := &SyncFlags{}
	analyzeFlags := &AnalyzeFlags{}
	serveFlags := &ServeFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createSyncCommand(globalFlags, syncFlags),
		createAnalyzeCommand(globalFlags, analyzeFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "jobpulse",
		Short: "Job and command telemetry collector",
		Long: `Jobpulse records queue-job and command lifecycle telemetry into a fast
correlation store, periodically syncs it into a durable metric store, and
analyzes command history for anomalies.

Examples:
  jobpulse serve --config=config.toml        # Run collector daemon
  jobpulse sync --config=config.toml         # One sync run
  jobpulse sync --dry-run                    # Report without writing
  jobpulse analyze --command=report:daily    # Analyze one command`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

// configPath resolves the effective config file: a positional argument wins
// over the persistent --config flag.
func configPath(flagPath string, args []string) (string, error) {
	p := flagPath
	if len(args) > 0 {
		p = args[0]
	}
	if p == "" {
		return "", fmt.Errorf("config file required. Use --config=config.toml or provide as argument")
	}
	return p, nil
}
