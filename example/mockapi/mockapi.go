// Package mockapi is an in-memory stand-in for the marketplace API, for
// local runs and tests.
//
// Seeded jobs and model versions advance through their status sequence on a
// fixed step. A global fixed-window rate limiter answers excess requests
// with 429, a Retry-After header and a retry_after body field, so the
// backoff path can be exercised end to end.
package mockapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jpalmerr/jobwatch"
	"k8s.io/utils/clock"
)

// DefaultStep is how long a resource stays in each non-terminal status.
const DefaultStep = 10 * time.Second

var (
	jobSequence     = []string{string(jobwatch.JobUploading), string(jobwatch.JobQueued), string(jobwatch.JobRunning)}
	versionSequence = []string{string(jobwatch.VersionUploading), string(jobwatch.VersionBuilding)}
)

// Config configures a [Server]. Zero values select the defaults.
type Config struct {
	// Step is the time spent in each non-terminal status. Defaults to [DefaultStep].
	Step time.Duration

	// RateLimit is the number of requests allowed per Window. 0 disables limiting.
	RateLimit int

	// Window is the rate limit window. Defaults to 1 minute.
	Window time.Duration

	// Clock drives status progression and the limiter. Defaults to the real clock.
	Clock clock.PassiveClock

	Logger *slog.Logger
}

type resource struct {
	id       uuid.UUID
	created  time.Time
	sequence []string
	final    string
}

// statusAt returns the resource's status after elapsed time.
func (r *resource) statusAt(now time.Time, step time.Duration) string {
	idx := int(now.Sub(r.created) / step)
	if idx < len(r.sequence) {
		return r.sequence[idx]
	}
	return r.final
}

// Server serves the mock API. Create one with [New].
type Server struct {
	cfg Config

	mu       sync.Mutex
	jobs     map[uuid.UUID]*resource
	versions map[uuid.UUID]*resource

	windowStart time.Time
	windowCount int
}

// New creates an empty mock API.
func New(cfg Config) *Server {
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		jobs:     make(map[uuid.UUID]*resource),
		versions: make(map[uuid.UUID]*resource),
	}
}

// AddJob seeds a job that ends in final.
func (s *Server) AddJob(final jobwatch.JobStatus) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.jobs[id] = &resource{id: id, created: s.cfg.Clock.Now(), sequence: jobSequence, final: string(final)}
	return id
}

// AddVersion seeds a model version whose build ends in final.
func (s *Server) AddVersion(final jobwatch.VersionStatus) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.versions[id] = &resource{id: id, created: s.cfg.Clock.Now(), sequence: versionSequence, final: string(final)}
	return id
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.rateLimit)

	r.Get("/api/jobs/", s.handleListJobs)
	r.Get("/api/jobs/{id}", s.handleGetJob)
	r.Post("/api/jobs/batch-status", s.handleBatchStatus)
	r.Get("/api/models/versions/{id}", s.handleGetVersion)

	return r
}

// rateLimit is a global fixed-window limiter.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		now := s.cfg.Clock.Now()
		s.mu.Lock()
		if now.Sub(s.windowStart) >= s.cfg.Window {
			s.windowStart = now
			s.windowCount = 0
		}
		s.windowCount++
		over := s.windowCount > s.cfg.RateLimit
		wait := s.windowStart.Add(s.cfg.Window).Sub(now)
		s.mu.Unlock()

		if over {
			seconds := int(math.Ceil(wait.Seconds()))
			s.cfg.Logger.Info("rate limited", "path", r.URL.Path, "retry_after", seconds)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"detail":      "Rate limit exceeded",
				"retry_after": seconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	jobs := make([]jobwatch.Job, 0, len(s.jobs))
	for _, res := range s.jobs {
		jobs = append(jobs, s.job(res, now))
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	res, exists := s.jobs[id]
	var job jobwatch.Job
	if exists {
		job = s.job(res, s.cfg.Clock.Now())
	}
	s.mu.Unlock()

	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	res, exists := s.versions[id]
	var v jobwatch.ModelVersion
	if exists {
		v = s.version(res, s.cfg.Clock.Now())
	}
	s.mu.Unlock()

	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Model version not found"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleBatchStatus omits unknown IDs and rejects malformed ones with a
// validation error list.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "invalid request body: " + err.Error()}},
		})
		return
	}

	ids := make([]uuid.UUID, 0, len(req.JobIDs))
	for i, raw := range req.JobIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"detail": []map[string]string{{"msg": fmt.Sprintf("job_ids[%d]: invalid UUID %q", i, raw)}},
			})
			return
		}
		ids = append(ids, id)
	}

	now := s.cfg.Clock.Now()
	s.mu.Lock()
	jobs := make([]jobwatch.Job, 0, len(ids))
	for _, id := range ids {
		if res, ok := s.jobs[id]; ok {
			jobs = append(jobs, s.job(res, now))
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) job(res *resource, now time.Time) jobwatch.Job {
	status := jobwatch.JobStatus(res.statusAt(now, s.cfg.Step))
	job := jobwatch.Job{
		ID:        res.id,
		Status:    status,
		InputPath: "inputs/" + res.id.String() + ".dcm",
		CreatedAt: res.created,
		UpdatedAt: now,
	}
	switch status {
	case jobwatch.JobSucceeded:
		job.OutputPaths = "outputs/" + res.id.String() + "/mask.nii.gz"
	case jobwatch.JobFailed:
		job.ErrorMessage = "inference container exited with code 137"
	}
	return job
}

func (s *Server) version(res *resource, now time.Time) jobwatch.ModelVersion {
	status := jobwatch.VersionStatus(res.statusAt(now, s.cfg.Step))
	v := jobwatch.ModelVersion{
		ID:            res.id,
		VersionNumber: "1.0.0",
		Status:        status,
		PackagePath:   "packages/" + res.id.String() + ".zip",
		CreatedAt:     res.created,
		UpdatedAt:     now,
	}
	switch status {
	case jobwatch.VersionReady:
		v.DockerImage = "registry.local/models/" + res.id.String() + ":1.0.0"
	case jobwatch.VersionFailed:
		v.ErrorMessage = "docker build failed"
	}
	return v
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": fmt.Sprintf("invalid UUID %q", raw)}},
		})
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
