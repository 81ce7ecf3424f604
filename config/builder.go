package config

import (
	"github.com/jpalmerr/jobwatch/internal/watch"
	"github.com/jpalmerr/jobwatch/marketplace"
)

// TargetCounts summarizes what a configuration watches.
type TargetCounts struct {
	Jobs      int
	Versions  int
	Batches   int
	BatchJobs int
}

// Total returns the number of individual resources watched.
func (c TargetCounts) Total() int {
	return c.Jobs + c.Versions + c.BatchJobs
}

// BuildClient creates the marketplace client described by cfg.API.
func BuildClient(cfg *Config) (*marketplace.Client, error) {
	return marketplace.NewClient(cfg.API.BaseURL,
		marketplace.WithToken(cfg.API.Token),
		marketplace.WithTimeout(cfg.API.Timeout.Duration()),
	)
}

// BuildTargets converts parsed configuration into watch targets, in the
// order jobs, versions, batches.
func BuildTargets(cfg *Config) []watch.Target {
	targets := make([]watch.Target, 0, len(cfg.Jobs)+len(cfg.Versions)+len(cfg.Batches))

	for _, id := range cfg.Jobs {
		targets = append(targets, watch.JobTarget(id))
	}
	for _, id := range cfg.Versions {
		targets = append(targets, watch.VersionTarget(id))
	}
	for _, b := range cfg.Batches {
		targets = append(targets, watch.BatchTarget(b.Name, append([]string(nil), b.Jobs...)))
	}

	return targets
}

// TargetCount counts the targets in cfg.
func TargetCount(cfg *Config) TargetCounts {
	counts := TargetCounts{
		Jobs:     len(cfg.Jobs),
		Versions: len(cfg.Versions),
		Batches:  len(cfg.Batches),
	}
	for _, b := range cfg.Batches {
		counts.BatchJobs += len(b.Jobs)
	}
	return counts
}
