// Package jobwatch tracks long-running marketplace resources, such as
// inference jobs and model version builds, by polling their status until
// they settle.
//
// The package provides two schema-agnostic polling state machines:
//
//   - [Poller]: follows one resource, fetching it immediately and then one
//     interval after each fetch completes, until a continuation predicate
//     says the resource is done.
//   - [MultiPoller]: follows a batch of resources with one status request
//     per tick, until every returned snapshot is terminal.
//
// Neither knows the status schema. Callers pass predicates such as
// [JobInProgress], [VersionInProgress] and [JobDone], so the same pollers
// work for any resource exposing a status.
//
// # Quick Start
//
//	client, _ := marketplace.NewClient("https://api.example.com",
//	    marketplace.WithToken(token),
//	)
//
//	p, _ := jobwatch.NewPoller(
//	    func(ctx context.Context) (jobwatch.Job, error) {
//	        return client.GetJob(ctx, jobID)
//	    },
//	    jobwatch.JobInProgress,
//	    jobwatch.WithInterval(5*time.Second),
//	)
//	p.Start(ctx)
//	defer p.Stop()
//
//	for update := range p.Updates() {
//	    if update.State.Settled() {
//	        break
//	    }
//	}
//
// # Rate Limiting
//
// Fetch errors that wrap a [TransportError] with HTTP 429 are handled inside
// the poller: once a snapshot exists, the session waits until the server's
// Retry-After hint (or one interval) before fetching again, without
// surfacing an error. [Poller.Refetch] bypasses the wait.
//
// # Teardown
//
// [Poller.Stop] and [MultiPoller.Stop] clear pending timers and cancel the
// in-flight request. A request that resolves after teardown never changes
// the session.
//
// # Architecture
//
// The repository also ships a command-line watcher built on these pollers:
//
//   - marketplace: REST client for the marketplace API
//   - config: YAML configuration for the CLI
//   - internal/watch: runs pollers for configured targets
//   - internal/store: latest-status store with pub/sub
//   - internal/server: JSON and Server-Sent Events status API
//   - internal/cache: optional Redis mirror of latest statuses
package jobwatch
