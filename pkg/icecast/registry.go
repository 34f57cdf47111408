package icecast

import (
	"sort"
	"sync"
)

// Registry maps mount identifiers to live mounts. It is safe for concurrent
// use; Snapshot and Drain see a consistent view.
type Registry struct {
	mu      sync.RWMutex
	mounts  map[string]*Mount
	metrics *metrics
}

func NewRegistry() *Registry {
	return &Registry{mounts: make(map[string]*Mount)}
}

// Put registers m under id and returns the mount it replaced, if any. The
// replaced mount is left running; closing it is the caller's decision.
func (r *Registry) Put(id string, m *Mount) *Mount {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.mounts[id]
	r.mounts[id] = m
	r.metrics.setActiveMounts(len(r.mounts))
	return prev
}

// PutIfAbsent registers m under id unless id is taken.
func (r *Registry) PutIfAbsent(id string, m *Mount) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mounts[id]; ok {
		return false
	}
	r.mounts[id] = m
	r.metrics.setActiveMounts(len(r.mounts))
	return true
}

func (r *Registry) Get(id string) (*Mount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.mounts[id]
	return m, ok
}

// Remove deletes id only while it still maps to m, so a finished mount
// cannot evict the mount that superseded it.
func (r *Registry) Remove(id string, m *Mount) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.mounts[id]; !ok || cur != m {
		return false
	}
	delete(r.mounts, id)
	r.metrics.setActiveMounts(len(r.mounts))
	return true
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.mounts))
	for id := range r.mounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the registered mounts ordered by identifier.
func (r *Registry) Snapshot() []*Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Drain empties the registry and returns what it held, ordered by identifier.
func (r *Registry) Drain() []*Mount {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.sortedLocked()
	r.mounts = make(map[string]*Mount)
	r.metrics.setActiveMounts(0)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mounts)
}

func (r *Registry) sortedLocked() []*Mount {
	out := make([]*Mount, 0, len(r.mounts))
	for _, m := range r.mounts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
