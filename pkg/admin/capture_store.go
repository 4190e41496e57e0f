package admin

import (
	"sync"

	"github.com/jnovack/snimap/pkg/session"
)

// CaptureStore is a concurrency-safe ring of recent session records.
type CaptureStore struct {
	mu      sync.Mutex
	entries []session.Record
	max     int
}

// NewCaptureStore creates a CaptureStore with capacity maxEntries.
func NewCaptureStore(maxEntries int) *CaptureStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CaptureStore{max: maxEntries}
}

// Add adds a record, evicting the oldest when full. Its signature matches
// session.Observer.
func (c *CaptureStore) Add(r session.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, r)
}

// List returns a snapshot copy of entries, oldest first.
func (c *CaptureStore) List() []session.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Record, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clear empties the store.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}
