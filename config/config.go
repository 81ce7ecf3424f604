// Package config provides YAML configuration parsing for jobwatch.
//
// Example configuration:
//
//	api:
//	  base_url: ${JOBWATCH_API_URL:-http://localhost:8000}
//	  token: ${JOBWATCH_TOKEN:-}
//	  timeout: 10s
//
//	poll_interval: 5s
//	exit_on_complete: true
//
//	server:
//	  port: 8090
//
//	redis:
//	  url: redis://localhost:6379/0
//	  ttl: 24h
//
//	jobs:
//	  - 0b6f6a52-2a4e-4a8b-9d0c-3c1f4e5a6b70
//	versions:
//	  - 6f1c2a9e-8d4b-4c3a-9f2e-1b7d5e8a0c41
//	batches:
//	  - name: chest-xray
//	    jobs:
//	      - 1c7e7b63-3b5f-4b9c-8e1d-4d2a5f6b7c81
//	      - 2d8f8c74-4c6a-4cad-9f2e-5e3b6a7c8d92
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/jobwatch"
	"gopkg.in/yaml.v3"
)

const (
	// minPollInterval keeps a misconfigured watch from hammering the API.
	minPollInterval = 1 * time.Second
	maxPollInterval = 1 * time.Hour

	defaultTimeout  = 10 * time.Second
	defaultRedisTTL = 24 * time.Hour
)

// Config is the root configuration structure for jobwatch.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	API APIConfig `yaml:"api"`

	// PollInterval is the delay between the end of one fetch and the start
	// of the next, for every target. Defaults to 5s.
	PollInterval Duration `yaml:"poll_interval"`

	// ExitOnComplete stops the watch once every target is terminal or errored.
	ExitOnComplete bool `yaml:"exit_on_complete"`

	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`

	// Jobs are inference job IDs watched one request per job.
	Jobs []string `yaml:"jobs"`

	// Versions are model version IDs whose builds are watched.
	Versions []string `yaml:"versions"`

	// Batches are named groups of jobs watched with one batch status request.
	Batches []BatchConfig `yaml:"batches"`
}

// APIConfig locates the marketplace API.
type APIConfig struct {
	// BaseURL is the API root, e.g. https://marketplace.example.com.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	BaseURL string `yaml:"base_url"`

	// Token is sent as a bearer token. Supports environment variable substitution.
	Token string `yaml:"token"`

	// Timeout bounds each request. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`
}

// ServerConfig configures the optional status server.
type ServerConfig struct {
	// Port is the HTTP port. 0 disables the server.
	Port int `yaml:"port"`
}

// RedisConfig configures the optional Redis status mirror.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables the mirror.
	URL string `yaml:"url"`

	// TTL is how long mirrored statuses are kept. Defaults to 24h.
	TTL Duration `yaml:"ttl"`
}

// BatchConfig is a named set of jobs.
type BatchConfig struct {
	Name string   `yaml:"name"`
	Jobs []string `yaml:"jobs"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in api.base_url, api.token and
// redis.url. Defaults are applied for PollInterval (5s), API timeout (10s)
// and Redis TTL (24h). Resource IDs are rewritten in canonical UUID form.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(jobwatch.DefaultInterval)
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = Duration(defaultTimeout)
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = Duration(defaultRedisTTL)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}

	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	if c.PollInterval.Duration() > maxPollInterval {
		return fmt.Errorf("poll_interval must not exceed %s, got %s", maxPollInterval, c.PollInterval.Duration())
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	if err := c.validateRedis(); err != nil {
		return err
	}

	return c.validateTargets()
}

func (c *Config) validateAPI() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	expanded, err := expandEnvVars(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	c.API.BaseURL = expanded

	parsedURL, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: invalid url: %w", err)
	}
	if parsedURL.Scheme == "" {
		return errors.New("api.base_url must have a scheme (http:// or https://)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("api.base_url scheme must be http or https, got %q", parsedURL.Scheme)
	}

	token, err := expandEnvVars(c.API.Token)
	if err != nil {
		return fmt.Errorf("api.token: %w", err)
	}
	c.API.Token = token

	if c.API.Timeout.Duration() < time.Second {
		return fmt.Errorf("api.timeout must be at least 1s, got %s", c.API.Timeout.Duration())
	}
	return nil
}

func (c *Config) validateRedis() error {
	expanded, err := expandEnvVars(c.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis.url: %w", err)
	}
	c.Redis.URL = expanded

	if c.Redis.URL != "" {
		parsedURL, err := url.Parse(c.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis.url: invalid url: %w", err)
		}
		if parsedURL.Scheme != "redis" && parsedURL.Scheme != "rediss" {
			return fmt.Errorf("redis.url scheme must be redis or rediss, got %q", parsedURL.Scheme)
		}
	}

	if c.Redis.TTL.Duration() < 0 {
		return fmt.Errorf("redis.ttl cannot be negative, got %s", c.Redis.TTL.Duration())
	}
	return nil
}

// validateTargets checks every ID and rejects a job watched twice, whether
// listed twice, in two batches, or both on its own and in a batch.
func (c *Config) validateTargets() error {
	seenJobs := make(map[string]string)

	for i, raw := range c.Jobs {
		id, err := canonicalID(raw)
		if err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if where, exists := seenJobs[id]; exists {
			return fmt.Errorf("jobs[%d]: duplicate job id %s (already in %s)", i, id, where)
		}
		seenJobs[id] = "jobs"
		c.Jobs[i] = id
	}

	seenVersions := make(map[string]struct{}, len(c.Versions))
	for i, raw := range c.Versions {
		id, err := canonicalID(raw)
		if err != nil {
			return fmt.Errorf("versions[%d]: %w", i, err)
		}
		if _, exists := seenVersions[id]; exists {
			return fmt.Errorf("versions[%d]: duplicate version id %s", i, id)
		}
		seenVersions[id] = struct{}{}
		c.Versions[i] = id
	}

	seenBatches := make(map[string]struct{}, len(c.Batches))
	for i := range c.Batches {
		b := &c.Batches[i]

		if b.Name == "" {
			return fmt.Errorf("batches[%d]: name is required", i)
		}
		if _, exists := seenBatches[b.Name]; exists {
			return fmt.Errorf("batches[%d]: duplicate batch name %q", i, b.Name)
		}
		seenBatches[b.Name] = struct{}{}

		owner := fmt.Sprintf("batch %q", b.Name)
		for j, raw := range b.Jobs {
			id, err := canonicalID(raw)
			if err != nil {
				return fmt.Errorf("batches[%d] (%s): jobs[%d]: %w", i, b.Name, j, err)
			}
			if where, exists := seenJobs[id]; exists {
				return fmt.Errorf("batches[%d] (%s): duplicate job id %s (already in %s)", i, b.Name, id, where)
			}
			seenJobs[id] = owner
			b.Jobs[j] = id
		}
	}

	if len(c.Jobs) == 0 && len(c.Versions) == 0 && len(c.Batches) == 0 {
		return errors.New("at least one job, version or batch must be defined")
	}

	return nil
}

func canonicalID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: must be a UUID", raw)
	}
	return id.String(), nil
}
