// Package marketplace is a read-only REST client for the model marketplace
// API: inference jobs, batched job status and model versions.
//
// Failed requests are reported as *jobwatch.TransportError. A 429 response
// carries the server's retry hint from the Retry-After header and the
// retry_after body field, which the pollers in package jobwatch use to back
// off.
package marketplace
