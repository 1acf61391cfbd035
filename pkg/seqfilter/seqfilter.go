// Package seqfilter implements the per-sender monotonic sequence
// gate: drops duplicate or reordered datagrams, with an explicit
// reset path for detecting a sender restart.
package seqfilter

import (
	"sync"

	"github.com/google/uuid"
)

// Filter tracks the last accepted sequence number per sender id.
type Filter struct {
	mu   sync.Mutex
	last map[uuid.UUID]uint32
	seen map[uuid.UUID]bool
}

func New() *Filter {
	return &Filter{
		last: make(map[uuid.UUID]uint32),
		seen: make(map[uuid.UUID]bool),
	}
}

// Check reports whether seq is acceptable from sender id: strictly greater
// than the last accepted sequence number, or the first message ever seen
// from that id. On acceptance, it records seq as the new baseline.
func (f *Filter) Check(id uuid.UUID, seq uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.seen[id] || seq > f.last[id] {
		f.last[id] = seq
		f.seen[id] = true
		return true
	}
	return false
}

// Reset forces the baseline for id to seq regardless of ordering, used
// when a sender's embedded uptime goes backwards (restart detected).
func (f *Filter) Reset(id uuid.UUID, seq uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[id] = seq
	f.seen[id] = true
}

// Forget drops all state for id, e.g. when its ClusterNode/RunnerRecord is
// pruned.
func (f *Filter) Forget(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.last, id)
	delete(f.seen, id)
}
