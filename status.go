package jobwatch

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an inference job.
//
// JobStatus is a string type so that it decodes directly from the
// marketplace API and logs in a human-readable form. Values outside the
// predefined constants are accepted and treated as non-terminal.
type JobStatus string

const (
	// JobUploading indicates the job was created and its inputs are being uploaded.
	JobUploading JobStatus = "UPLOADING"

	// JobQueued indicates the job is waiting for a runner.
	JobQueued JobStatus = "QUEUED"

	// JobRunning indicates inference is in progress.
	JobRunning JobStatus = "RUNNING"

	// JobSucceeded indicates the job finished and its outputs are available.
	JobSucceeded JobStatus = "SUCCEEDED"

	// JobFailed indicates the job finished with an error.
	JobFailed JobStatus = "FAILED"
)

// IsTerminal reports whether the job will never change status again.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// VersionStatus is the lifecycle state of a model version.
type VersionStatus string

const (
	// VersionUploading indicates the model package is being uploaded.
	VersionUploading VersionStatus = "UPLOADING"

	// VersionBuilding indicates the container image is being built.
	VersionBuilding VersionStatus = "BUILDING"

	// VersionReady indicates the version can serve inference jobs.
	VersionReady VersionStatus = "READY"

	// VersionFailed indicates the upload or build failed.
	VersionFailed VersionStatus = "FAILED"
)

// IsTerminal reports whether the version will never change status again.
func (s VersionStatus) IsTerminal() bool {
	return s == VersionReady || s == VersionFailed
}

// String returns the string representation of the status.
func (s VersionStatus) String() string {
	return string(s)
}

// Job is an inference job as returned by the marketplace API.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	VersionID    uuid.UUID  `json:"version_id"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	Status       JobStatus  `json:"status"`
	InputPath    string     `json:"input_path,omitempty"`
	OutputPaths  string     `json:"output_paths,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ModelVersion is a model version as returned by the marketplace API.
type ModelVersion struct {
	ID                uuid.UUID     `json:"id"`
	ModelID           uuid.UUID     `json:"model_id"`
	VersionNumber     string        `json:"version_number"`
	Status            VersionStatus `json:"status"`
	PackagePath       string        `json:"package_path,omitempty"`
	DockerImage       string        `json:"docker_image,omitempty"`
	DockerImageDigest string        `json:"docker_image_digest,omitempty"`
	BuildLogs         string        `json:"build_logs,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// JobInProgress is a continuation predicate for [NewPoller] that keeps
// polling while the job has not reached a terminal status.
func JobInProgress(j Job) bool {
	return !j.Status.IsTerminal()
}

// JobDone is a terminal predicate for [NewMultiPoller].
func JobDone(j Job) bool {
	return j.Status.IsTerminal()
}

// JobKey returns the identifier [NewMultiPoller] uses to key job snapshots.
func JobKey(j Job) string {
	return j.ID.String()
}

// VersionInProgress is a continuation predicate for [NewPoller] that keeps
// polling while the model version is uploading or building.
func VersionInProgress(v ModelVersion) bool {
	return !v.Status.IsTerminal()
}

// JobSummary aggregates the statuses of a batch of jobs.
type JobSummary struct {
	Total      int
	Succeeded  int
	Failed     int
	InProgress int

	// FailedIDs lists the failed jobs in ascending order, ready to be
	// resubmitted as a retry batch.
	FailedIDs []string
}

// SummarizeJobs counts job statuses in a map produced by [MultiPoller.Statuses].
func SummarizeJobs(jobs map[string]Job) JobSummary {
	summary := JobSummary{Total: len(jobs)}
	for id, j := range jobs {
		switch j.Status {
		case JobSucceeded:
			summary.Succeeded++
		case JobFailed:
			summary.Failed++
			summary.FailedIDs = append(summary.FailedIDs, id)
		default:
			summary.InProgress++
		}
	}
	sort.Strings(summary.FailedIDs)
	return summary
}
