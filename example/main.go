// Command example drives the polling SDK against an in-process mock API:
// one Poller follows a single job while a MultiPoller tracks a batch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/example/mockapi"
	"github.com/jpalmerr/jobwatch/marketplace"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// statuses advance every 2s; both pollers together stay under the limit
	api := mockapi.New(mockapi.Config{
		Step:      2 * time.Second,
		RateLimit: 20,
		Window:    5 * time.Second,
		Logger:    logger,
	})
	single := api.AddJob(jobwatch.JobSucceeded)
	batch := []string{
		api.AddJob(jobwatch.JobSucceeded).String(),
		api.AddJob(jobwatch.JobFailed).String(),
		api.AddJob(jobwatch.JobSucceeded).String(),
	}

	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	client, err := marketplace.NewClient(ts.URL)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller, err := jobwatch.NewPoller(
		func(ctx context.Context) (jobwatch.Job, error) { return client.GetJob(ctx, single) },
		jobwatch.JobInProgress,
		jobwatch.WithInterval(500*time.Millisecond),
		jobwatch.WithLogger(logger),
		jobwatch.WithName("job/"+single.String()),
	)
	if err != nil {
		logger.Error("failed to create poller", "error", err)
		os.Exit(1)
	}

	multi, err := jobwatch.NewMultiPoller(batch, client.BatchJobStatus, jobwatch.JobKey, jobwatch.JobDone,
		jobwatch.WithInterval(time.Second),
		jobwatch.WithLogger(logger),
		jobwatch.WithName("batch"),
	)
	if err != nil {
		logger.Error("failed to create multi poller", "error", err)
		os.Exit(1)
	}

	poller.Start(ctx)
	multi.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for u := range poller.Updates() {
			if u.Err != nil {
				fmt.Printf("job   %s  %-8s error: %v\n", single, u.State, u.Err)
				continue
			}
			fmt.Printf("job   %s  %-8s %s\n", single, u.State, u.Resource.Status)
			if u.State.Settled() {
				poller.Stop()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for u := range multi.Updates() {
			if u.Err != nil {
				fmt.Printf("batch error: %v\n", u.Err)
				continue
			}
			s := jobwatch.SummarizeJobs(u.Statuses)
			fmt.Printf("batch %d/%d done (%d failed) complete=%t\n",
				s.Succeeded+s.Failed, s.Total, s.Failed, u.Complete)
		}
	}()
	wg.Wait()

	fmt.Println()
	session := poller.Session()
	fmt.Printf("job %s finished as %s\n", single, session.Resource.Status)
	if err := multi.Err(); err != nil {
		fmt.Printf("batch failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("batch complete: %t\n", multi.Complete())
}
