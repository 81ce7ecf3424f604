// Package main is the entry point for the jobwatch CLI.
//
// Usage:
//
//	jobwatch watch -c config.yaml    # Poll the configured jobs until they finish
//	jobwatch validate -c config.yaml # Validate configuration
//	jobwatch status -c config.yaml   # Read statuses mirrored to Redis
//	jobwatch version                 # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "jobwatch",
	Short: "Track marketplace inference jobs and model builds",
	Long: `jobwatch polls the model marketplace API until inference jobs and
model version builds reach a terminal status.

Quick start:
  1. Create a config file (jobwatch.yaml)
  2. Run: jobwatch watch -c jobwatch.yaml

Example config:
  api:
    base_url: ${JOBWATCH_API_URL:-http://localhost:8000}
    token: ${JOBWATCH_TOKEN:-}
  poll_interval: 5s
  exit_on_complete: true
  jobs:
    - 0b6f6a52-2a4e-4a8b-9d0c-3c1f4e5a6b70`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// newLogger creates a JSON logger on stderr so stdout stays readable.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this jobwatch binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "jobwatch %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
