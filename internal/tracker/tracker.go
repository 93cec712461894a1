package tracker

import (
	"sync"

	"github.com/ircmux/identd/internal/spec"
)

// Tracker is the daemon's registry of open outbound connections.
// Snapshot enumeration order is insertion order: the resolver's fallback
// tie-break keeps the first match it sees, so the order is load-bearing.

type entry struct {
	id  spec.ConsumerID
	rec spec.ConnRecord
}

type Tracker struct {
	mu      sync.Mutex
	entries []entry
}

var _ spec.Registry = &Tracker{}

func New() *Tracker {
	return &Tracker{}
}

// Add tracks a connection record under a consumer id.
// Re-adding an id replaces its record in place, keeping its position.
func (t *Tracker) Add(id spec.ConsumerID, rec spec.ConnRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].id == id {
			t.entries[i].rec = rec
			return
		}
	}
	t.entries = append(t.entries, entry{id: id, rec: rec})
}

// Remove forgets a consumer's record. Safe to call on absent ids.
func (t *Tracker) Remove(id spec.ConsumerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].id == id {
			// ordered splice: the remaining records must keep their order
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time copy of all records, in insertion order.
func (t *Tracker) Snapshot() []spec.ConnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := make([]spec.ConnRecord, len(t.entries))
	for i, e := range t.entries {
		recs[i] = e.rec
	}
	return recs
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TrackedConn pairs a record with its owning consumer id, for status reporting.
type TrackedConn struct {
	ID spec.ConsumerID `json:"id"`
	spec.ConnRecord
}

// List returns id+record pairs in insertion order.
func (t *Tracker) List() []TrackedConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]TrackedConn, len(t.entries))
	for i, e := range t.entries {
		res[i] = TrackedConn{ID: e.id, ConnRecord: e.rec}
	}
	return res
}
