package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/jobwatch/config"
	"github.com/jpalmerr/jobwatch/marketplace"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without polling anything.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a jobwatch configuration file without contacting the API.

This command parses the YAML, expands environment variables, validates all
fields and reports when the API token expires. It's useful for CI/CD
pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid or the token has expired (details printed to stderr)

Example:
  jobwatch validate -c config.yaml
  jobwatch validate --config /etc/jobwatch/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	token, err := describeToken(cfg.API.Token, time.Now())
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	counts := config.TargetCount(cfg)
	server := "disabled"
	if cfg.Server.Port > 0 {
		server = fmt.Sprintf("port %d", cfg.Server.Port)
	}
	redis := "disabled"
	if cfg.Redis.URL != "" {
		redis = fmt.Sprintf("enabled (ttl %s)", cfg.Redis.TTL.Duration())
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  API:           %s\n", cfg.API.BaseURL)
	fmt.Fprintf(out, "  Token:         %s\n", token)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Fprintf(out, "  Targets:       %d jobs, %d versions, %d batches (%d jobs) = %d resources\n",
		counts.Jobs, counts.Versions, counts.Batches, counts.BatchJobs, counts.Total())
	fmt.Fprintf(out, "  Status server: %s\n", server)
	fmt.Fprintf(out, "  Redis mirror:  %s\n", redis)

	return nil
}

// describeToken summarizes the API token for display. Expired tokens are
// an error; opaque tokens cannot be checked and are reported as such.
func describeToken(token string, now time.Time) (string, error) {
	if token == "" {
		return "none", nil
	}

	info, err := marketplace.InspectToken(token)
	if errors.Is(err, marketplace.ErrMalformedToken) {
		return "opaque (expiry unknown)", nil
	}
	if err != nil {
		return "", err
	}

	if info.ExpiresAt.IsZero() {
		return "no expiry", nil
	}
	if info.Expired(now) {
		return "", fmt.Errorf("api.token: %w at %s", marketplace.ErrTokenExpired, info.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("expires in %s", info.Remaining(now).Round(time.Minute)), nil
}
