package build

import (
	"sync"
)

// Registry is the in-memory index of all known build records. It is the
// one shared mutable resource touched by the scheduler, the worker, and
// the request handlers; a single lock keeps every read consistent.
//
// The registry is constructed once at server start and passed by handle
// to the queue, worker, and handlers. There is no ambient global state.
type Registry struct {
	mu       sync.RWMutex
	byNumber map[uint64]*Record
	ordered  []*Record // ascending build number, i.e. submission order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byNumber: make(map[uint64]*Record, 32),
	}
}

// register adds a record. Build numbers are allocated monotonically by
// the queue, so appending preserves submission order.
func (reg *Registry) register(rec *Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.byNumber[rec.Number()] = rec
	reg.ordered = append(reg.ordered, rec)
}

// Get returns the record for a build number, or ErrBuildNotFound. An
// evicted build is indistinguishable from one that never existed.
func (reg *Registry) Get(number uint64) (*Record, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rec, ok := reg.byNumber[number]
	if !ok {
		return nil, ErrBuildNotFound
	}

	return rec, nil
}

// All returns a snapshot of all records in submission order. The slice
// is safe to iterate while the scheduler mutates record state.
func (reg *Registry) All() []*Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*Record, len(reg.ordered))
	copy(out, reg.ordered)

	return out
}

// Remove deletes a record from the index.
func (reg *Registry) Remove(number uint64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.byNumber[number]; !ok {
		return
	}

	delete(reg.byNumber, number)

	for i, rec := range reg.ordered {
		if rec.Number() == number {
			reg.ordered = append(reg.ordered[:i], reg.ordered[i+1:]...)

			break
		}
	}
}

// Len returns the number of known records.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.ordered)
}

// CountActive returns the number of queued and building records, the
// quantity admission control is measured against.
func (reg *Registry) CountActive() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var n int

	for _, rec := range reg.ordered {
		switch rec.Status() {
		case StatusQueued, StatusBuilding:
			n++
		case StatusInvalid, StatusComplete, StatusError:
		}
	}

	return n
}

// Terminal returns all terminal records in submission order, i.e. the
// eviction candidates oldest first.
func (reg *Registry) Terminal() []*Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*Record, 0, len(reg.ordered))

	for _, rec := range reg.ordered {
		if rec.Status().Terminal() {
			out = append(out, rec)
		}
	}

	return out
}
