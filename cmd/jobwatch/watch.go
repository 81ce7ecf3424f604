package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jpalmerr/jobwatch/config"
	"github.com/jpalmerr/jobwatch/internal/cache"
	"github.com/jpalmerr/jobwatch/internal/server"
	"github.com/jpalmerr/jobwatch/internal/store"
	"github.com/jpalmerr/jobwatch/internal/watch"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisPingTimeout = 5 * time.Second
)

// watchCmd polls the configured targets.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the configured jobs and model versions",
	Long: `Poll the configured jobs, model versions and batches.

The command will:
  - Load configuration from the specified YAML file
  - Refuse to start if the API token has expired
  - Poll every target, printing a line to stdout whenever a status changes
  - Mirror statuses to Redis and serve them over HTTP, if configured

With exit_on_complete the command returns once every target is terminal or
errored. Otherwise it runs until interrupted (Ctrl+C) or receives SIGTERM.
The exit code is 1 if any target ended in error.

Example:
  jobwatch watch -c config.yaml
  jobwatch watch --config /etc/jobwatch/config.yaml --verbose`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	watchCmd.Flags().BoolP("verbose", "v", false, "log every poll, not only status changes")
	_ = watchCmd.MarkFlagRequired("config")
}

func runWatch(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)
	out := cmd.OutOrStdout()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	counts := config.TargetCount(cfg)
	logger.Info("config loaded",
		"jobs", counts.Jobs,
		"versions", counts.Versions,
		"batches", counts.Batches,
		"poll_interval", cfg.PollInterval.Duration().String(),
	)

	client, err := config.BuildClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}
	defer client.Close()

	now := time.Now()
	token, err := client.CheckToken(now)
	if err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}
	if !token.ExpiresAt.IsZero() {
		logger.Info("token checked",
			"subject", token.Subject,
			"expires_in", token.Remaining(now).Round(time.Second).String(),
		)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemoryStore()
	printer := newStatusPrinter(out)
	opts := []watch.Option{
		watch.WithInterval(cfg.PollInterval.Duration()),
		watch.WithLogger(logger),
		watch.WithStore(st),
		watch.WithExitOnComplete(cfg.ExitOnComplete),
		watch.WithStatusCallback(printer.Print),
	}

	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.TTL.Duration())
		if err != nil {
			return fmt.Errorf("failed to create redis mirror: %w", err)
		}
		defer func() { _ = rc.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err = rc.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis mirror unreachable: %w", err)
		}
		opts = append(opts, watch.WithRecorder(rc))
		logger.Info("redis mirror enabled", "ttl", cfg.Redis.TTL.Duration().String())
	}

	w, err := watch.New(client, config.BuildTargets(cfg), opts...)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.Server.Port > 0 {
		srv := server.NewServer(st, w, cfg.Server.Port, logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	type outcome struct {
		result watch.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := w.Run(ctx)
		done <- outcome{res, err}
	}()

	var res watch.Result
	select {
	case o := <-done:
		if o.err != nil {
			return fmt.Errorf("watch failed: %w", o.err)
		}
		res = o.result

	case <-ctx.Done():
		// signal received, wait for sessions to stop with timeout
		select {
		case o := <-done:
			if o.err != nil {
				return fmt.Errorf("watch failed: %w", o.err)
			}
			res = o.result
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}

	printSummary(out, res)
	if res.Errored > 0 {
		return fmt.Errorf("%d target(s) ended in error", res.Errored)
	}
	return nil
}

// statusPrinter writes one line per status change.
type statusPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last map[string]string
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{out: out, last: make(map[string]string)}
}

// Print is registered as a watcher status callback.
func (p *statusPrinter) Print(r store.StatusRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := formatRecord(r)
	if p.last[r.Key()] == line {
		return
	}
	p.last[r.Key()] = line
	fmt.Fprintf(p.out, "%s  %s\n", r.CheckedAt.UTC().Format(time.RFC3339), line)
}

func formatRecord(r store.StatusRecord) string {
	var b strings.Builder
	b.WriteString(r.Key())
	b.WriteString("  ")
	if r.Status == "" {
		b.WriteString("-")
	} else {
		b.WriteString(r.Status)
	}
	if r.Batch != "" {
		fmt.Fprintf(&b, "  [%s]", r.Batch)
	}
	if r.Error != nil {
		fmt.Fprintf(&b, "  error: %s", *r.Error)
	}
	return b.String()
}

func printSummary(out io.Writer, res watch.Result) {
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATUS\tSTATE\tBATCH")
	for _, r := range res.Records {
		status := r.Status
		if status == "" {
			status = "-"
		}
		batch := r.Batch
		if batch == "" {
			batch = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Key(), status, r.State, batch)
	}
	_ = tw.Flush()

	names := make([]string, 0, len(res.Batches))
	for name := range res.Batches {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := res.Batches[name]
		fmt.Fprintf(out, "batch %s: %d total, %d succeeded, %d failed, %d in progress\n",
			name, s.Total, s.Succeeded, s.Failed, s.InProgress)
		if len(s.FailedIDs) > 0 {
			fmt.Fprintf(out, "  failed: %s\n", strings.Join(s.FailedIDs, ", "))
		}
	}
}
