package manifest

import "sync"

// RefCounter tracks how many retained snapshots reference each manifest file
// or list. Snapshots only reference manifests written before them, so the
// references form a DAG and plain counting is enough to find garbage.
type RefCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRefCounter returns an empty counter.
func NewRefCounter() *RefCounter {
	return &RefCounter{counts: make(map[string]int)}
}

// Acquire adds one reference to each name.
func (r *RefCounter) Acquire(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.counts[n]++
	}
}

// Release drops one reference and reports whether name is now unreferenced.
func (r *RefCounter) Release(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[name] <= 1 {
		delete(r.counts, name)
		return true
	}
	r.counts[name]--
	return false
}

// Count returns the current references of name.
func (r *RefCounter) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Referenced reports whether name has any reference.
func (r *RefCounter) Referenced(name string) bool {
	return r.Count(name) > 0
}
