// Package fdset tracks which file descriptors were opened for in-scope
// paths, so that descriptor-only calls (close, fstat) can be attributed
// to the audit trail without re-deriving a path.
package fdset

import "sync"

// Registry is a process-wide set of descriptors of interest. A descriptor
// is a member exactly while it refers to a successful in-scope open that
// has not since been closed; removal on close is mandatory because the
// kernel reuses descriptor values.
type Registry struct {
	mu  sync.RWMutex
	fds map[int]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fds: make(map[int]struct{})}
}

// Mark records fd as referring to an in-scope open.
func (r *Registry) Mark(fd int) {
	r.mu.Lock()
	r.fds[fd] = struct{}{}
	r.mu.Unlock()
}

// Unmark removes fd from the registry and reports whether it was present.
func (r *Registry) Unmark(fd int) bool {
	r.mu.Lock()
	_, ok := r.fds[fd]
	delete(r.fds, fd)
	r.mu.Unlock()
	return ok
}

// IsMarked reports whether fd currently refers to an in-scope open.
func (r *Registry) IsMarked(fd int) bool {
	r.mu.RLock()
	_, ok := r.fds[fd]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of marked descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fds)
}
