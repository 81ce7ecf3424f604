package store

import "time"

// Resource kinds tracked by the watcher.
const (
	KindJob     = "job"
	KindVersion = "version"
)

// StatusRecord is the latest known status of one tracked resource.
//
// StatusRecord is the storage representation shared by the status API, the
// SSE stream and the Redis mirror. It is decoupled from the poller types so
// that resources of different kinds fit in one store.
type StatusRecord struct {
	// Kind is the resource kind: "job" or "version".
	Kind string `json:"kind"`

	// ID is the resource's UUID in canonical form.
	ID string `json:"id"`

	// Batch is the name of the configured batch the job belongs to, if any.
	Batch string `json:"batch,omitempty"`

	// Status is the resource status as reported by the API (e.g. "RUNNING").
	// Empty until the first successful fetch.
	Status string `json:"status"`

	// State is the polling session state (e.g. "polling", "backoff").
	State string `json:"state"`

	// Terminal is true once the resource will never change status again.
	Terminal bool `json:"terminal"`

	// CheckedAt is when the status was last applied.
	CheckedAt time.Time `json:"checked_at"`

	// Error contains the surfaced polling error, if any.
	Error *string `json:"error"`
}

// Key returns the store key for the record, "<kind>/<id>".
func (r StatusRecord) Key() string {
	return Key(r.Kind, r.ID)
}

// Key builds a store key from a resource kind and ID.
func Key(kind, id string) string {
	return kind + "/" + id
}

// Store defines the interface for storing and subscribing to status updates.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism lets status changes be pushed to connected clients (e.g. via
// Server-Sent Events).
type Store interface {
	// Update stores a record and notifies all subscribers.
	// Records are keyed by kind and ID, so later updates replace earlier ones.
	Update(record StatusRecord)

	// Get returns the record for one resource.
	Get(kind, id string) (StatusRecord, bool)

	// GetAll returns all currently stored records ordered by key.
	// The returned slice is a snapshot; modifications do not affect the store.
	GetAll() []StatusRecord

	// Subscribe returns a channel that receives status updates.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan StatusRecord

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan StatusRecord)
}
