package store

import (
	"sort"
	"sync"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Records are keyed by "<kind>/<id>", with new records replacing previous
// values. Subscribers receive updates via buffered channels (buffer size
// 100). Updates are sent non-blocking; if a subscriber's buffer is full, the
// update is dropped for that subscriber.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]StatusRecord
	subscribers map[chan StatusRecord]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory [Store] implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]StatusRecord),
		subscribers: make(map[chan StatusRecord]struct{}),
	}
}

// Update stores a [StatusRecord] and notifies all subscribers.
func (m *MemoryStore) Update(record StatusRecord) {
	m.mu.Lock()
	m.records[record.Key()] = record
	m.mu.Unlock()

	m.notifySubscribers(record)
}

// Get returns the record stored for kind and id.
func (m *MemoryStore) Get(kind, id string) (StatusRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[Key(kind, id)]
	return r, ok
}

// GetAll returns a snapshot of all stored records, ordered by key.
func (m *MemoryStore) GetAll() []StatusRecord {
	m.mu.RLock()
	records := make([]StatusRecord, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key() < records[j].Key()
	})
	return records
}

// Subscribe creates a new subscription and returns a channel for receiving updates.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan StatusRecord {
	ch := make(chan StatusRecord, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan StatusRecord) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

func (m *MemoryStore) notifySubscribers(record StatusRecord) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- record:
		default:
			// subscriber is slow, drop the message
		}
	}
}
