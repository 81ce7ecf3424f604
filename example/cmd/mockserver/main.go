// Standalone mock marketplace API for trying the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver --jobs 3 --versions 1
//
// Then paste the printed targets into example/config.yaml and run:
//
//	go run ./cmd/jobwatch watch -c example/config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/example/mockapi"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "mockserver",
	Short:        "Serve a mock marketplace API with self-advancing jobs",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("addr", ":9999", "listen address")
	rootCmd.Flags().Int("jobs", 3, "number of jobs to seed; every third one fails")
	rootCmd.Flags().Int("versions", 1, "number of model versions to seed")
	rootCmd.Flags().Duration("step", mockapi.DefaultStep, "time spent in each non-terminal status")
	rootCmd.Flags().Int("rate-limit", 0, "requests allowed per minute, 0 for unlimited")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	jobs, _ := cmd.Flags().GetInt("jobs")
	versions, _ := cmd.Flags().GetInt("versions")
	step, _ := cmd.Flags().GetDuration("step")
	limit, _ := cmd.Flags().GetInt("rate-limit")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	api := mockapi.New(mockapi.Config{
		Step:      step,
		RateLimit: limit,
		Logger:    logger,
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mock marketplace API on %s (step %s)\n\n", addr, step)
	fmt.Fprintln(out, "jobs:")
	for i := 0; i < jobs; i++ {
		final := jobwatch.JobSucceeded
		if i%3 == 2 {
			final = jobwatch.JobFailed
		}
		fmt.Fprintf(out, "  - %s  # ends %s\n", api.AddJob(final), final)
	}
	fmt.Fprintln(out, "versions:")
	for i := 0; i < versions; i++ {
		fmt.Fprintf(out, "  - %s\n", api.AddVersion(jobwatch.VersionReady))
	}
	fmt.Fprintln(out)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
