package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/jobwatch"
)

const maxResponseBodySize = 1 << 20 // 1MB

// DefaultTimeout bounds each request when no timeout option is given.
const DefaultTimeout = 10 * time.Second

// connection pooling limits; a watcher holds one connection per active session at most
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// Client is a read-only client for the marketplace REST API.
//
// Client uses per-request timeouts via context rather than a global timeout.
// Every failed request, whether it failed in transit, returned a non-2xx
// status, or carried an undecodable body, is reported as a
// *jobwatch.TransportError so pollers can classify rate limiting.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	timeout    time.Duration
	userAgent  string
}

// Option configures a [Client].
type Option func(*Client) error

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = strings.TrimSpace(token)
		return nil
	}
}

// WithTimeout sets the per-request timeout. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithHTTPClient replaces the pooled HTTP client, e.g. with one from
// httptest.Server.Client().
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client cannot be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// NewClient creates a [Client] for the API rooted at baseURL.
//
// The default transport is configured with connection pooling limits:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base URL must have a host")
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			// no default timeout - we use per-request timeouts via context
			Transport: &http.Transport{
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
		timeout:   DefaultTimeout,
		userAgent: "jobwatch",
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// GetJob fetches one inference job.
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (jobwatch.Job, error) {
	var job jobwatch.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+id.String(), nil, &job); err != nil {
		return jobwatch.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// GetModelVersion fetches one model version.
func (c *Client) GetModelVersion(ctx context.Context, id uuid.UUID) (jobwatch.ModelVersion, error) {
	var version jobwatch.ModelVersion
	if err := c.do(ctx, http.MethodGet, "/api/models/versions/"+id.String(), nil, &version); err != nil {
		return jobwatch.ModelVersion{}, fmt.Errorf("get model version %s: %w", id, err)
	}
	return version, nil
}

type batchStatusRequest struct {
	JobIDs []string `json:"job_ids"`
}

// BatchJobStatus fetches the status of several jobs in one request.
//
// The server omits jobs that do not exist or belong to another user, so the
// result may be shorter than ids. BatchJobStatus has the shape of a
// [jobwatch.BatchFetchFunc] and can be passed to [jobwatch.NewMultiPoller]
// directly.
func (c *Client) BatchJobStatus(ctx context.Context, ids []string) ([]jobwatch.Job, error) {
	if ids == nil {
		ids = []string{}
	}
	var jobs []jobwatch.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs/batch-status", batchStatusRequest{JobIDs: ids}, &jobs); err != nil {
		return nil, fmt.Errorf("batch job status: %w", err)
	}
	return jobs, nil
}

// ListJobs fetches the caller's jobs.
func (c *Client) ListJobs(ctx context.Context) ([]jobwatch.Job, error) {
	var jobs []jobwatch.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/", nil, &jobs); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times. After Close, the client remains usable but
// new connections will be established as needed.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &jobwatch.TransportError{Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return &jobwatch.TransportError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &jobwatch.TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	// read body with size limit
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return &jobwatch.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read response body: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp, data, time.Now())
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &jobwatch.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}

// errorBody is the error envelope returned by the API. detail is usually a
// string but validation errors carry a list.
type errorBody struct {
	Detail     json.RawMessage `json:"detail"`
	RetryAfter *float64        `json:"retry_after"`
}

func errorFromResponse(resp *http.Response, data []byte, now time.Time) *jobwatch.TransportError {
	te := &jobwatch.TransportError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
	}

	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil {
		te.Detail = detailText(eb.Detail)
		if eb.RetryAfter != nil && *eb.RetryAfter > 0 {
			te.BodyRetryAfter = time.Duration(*eb.RetryAfter * float64(time.Second))
		}
	}
	if te.Detail == "" {
		te.Detail = http.StatusText(resp.StatusCode)
	}
	return te
}

func detailText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseRetryAfter accepts delay-seconds or an HTTP-date. Returns zero when
// the header is missing, malformed, or in the past.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
