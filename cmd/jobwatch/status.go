package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jpalmerr/jobwatch/config"
	"github.com/jpalmerr/jobwatch/internal/cache"
	"github.com/jpalmerr/jobwatch/internal/store"
	"github.com/jpalmerr/jobwatch/internal/watch"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// statusCmd reads the Redis mirror written by a running watch.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mirrored statuses from Redis",
	Long: `Show the latest statuses that a running "jobwatch watch" mirrored to Redis.

The command reads redis.url and the targets from the config file and never
contacts the marketplace API. Resources the watcher has not reported yet
are shown as "unseen". With --follow it keeps printing updates for the
configured resources until interrupted.

Example:
  jobwatch status -c config.yaml
  jobwatch status -c config.yaml --follow`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	statusCmd.Flags().BoolP("follow", "f", false, "keep printing mirrored updates")
	_ = statusCmd.MarkFlagRequired("config")
}

// mirrorReader is the read side of the Redis mirror.
type mirrorReader interface {
	Status(ctx context.Context, kind, id string) (store.StatusRecord, bool, error)
}

// resourceRef names one record the watcher writes.
type resourceRef struct {
	kind  string
	id    string
	batch string
}

func (r resourceRef) key() string {
	return store.Key(r.kind, r.id)
}

func runStatus(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Redis.URL == "" {
		return errors.New("redis.url is not configured, nothing to read")
	}

	rc, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.TTL.Duration())
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer func() { _ = rc.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refs := resourceRefs(config.BuildTargets(cfg))
	out := cmd.OutOrStdout()

	// subscribe before reading so no update falls between snapshot and stream
	var sub *redis.PubSub
	if follow {
		sub = rc.Subscribe(ctx)
		defer func() { _ = sub.Close() }()
		if _, err := sub.Receive(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to redis mirror: %w", err)
		}
	}

	if err := printMirror(ctx, out, rc, refs); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	fmt.Fprintln(out)
	followMirror(ctx, out, sub.Channel(), refs)
	return nil
}

// resourceRefs expands targets into the records they produce. Batch members
// are recorded as jobs.
func resourceRefs(targets []watch.Target) []resourceRef {
	var refs []resourceRef
	for _, t := range targets {
		if t.Kind != watch.KindBatch {
			refs = append(refs, resourceRef{kind: t.Kind, id: t.ID})
			continue
		}
		for _, id := range t.Jobs {
			refs = append(refs, resourceRef{kind: store.KindJob, id: id, batch: t.ID})
		}
	}
	return refs
}

func printMirror(ctx context.Context, out io.Writer, reader mirrorReader, refs []resourceRef) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATUS\tSTATE\tBATCH\tCHECKED")
	for _, ref := range refs {
		r, found, err := reader.Status(ctx, ref.kind, ref.id)
		if err != nil {
			return fmt.Errorf("failed to read %s from redis: %w", ref.key(), err)
		}

		batch := ref.batch
		if batch == "" {
			batch = "-"
		}
		if !found {
			fmt.Fprintf(tw, "%s\t-\tunseen\t%s\t-\n", ref.key(), batch)
			continue
		}
		status := r.Status
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ref.key(), status, r.State, batch, r.CheckedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

// followMirror prints updates for the configured resources until ctx is
// cancelled or the subscription closes.
func followMirror(ctx context.Context, out io.Writer, messages <-chan *redis.Message, refs []resourceRef) {
	watched := make(map[string]bool, len(refs))
	for _, ref := range refs {
		watched[ref.key()] = true
	}

	printer := newStatusPrinter(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var r store.StatusRecord
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				continue
			}
			if watched[r.Key()] {
				printer.Print(r)
			}
		}
	}
}
