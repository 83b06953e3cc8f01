package core

import (
	"slices"
	"strings"
	"sync"
)

// Registry maps set names to descriptors. Implementations must be safe for
// concurrent use; lookups run in parallel with each other.
type Registry interface {
	// Insert registers d under its name. It fails with ErrAlreadyExists when a
	// live set holds the name and ErrDeletionInProgress when a dropped set
	// still awaits reclamation.
	Insert(d *Descriptor) error
	// Lookup returns the descriptor registered under name.
	Lookup(name string) (*Descriptor, bool)
	// Remove unregisters name only while it still maps to d.
	Remove(name string, d *Descriptor) bool
	// Snapshot returns the descriptors whose names start with prefix, sorted
	// by name.
	Snapshot(prefix string) []*Descriptor
	// Len returns the number of registered descriptors.
	Len() int
}

type mapRegistry struct {
	mu   sync.RWMutex
	sets map[string]*Descriptor
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() Registry {
	return &mapRegistry{sets: make(map[string]*Descriptor)}
}

func (r *mapRegistry) Insert(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sets[d.name]; ok {
		if existing.State().gone() {
			return ErrDeletionInProgress
		}
		return ErrAlreadyExists
	}
	r.sets[d.name] = d
	return nil
}

func (r *mapRegistry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	d, ok := r.sets[name]
	r.mu.RUnlock()
	return d, ok
}

func (r *mapRegistry) Remove(name string, d *Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sets[name]; ok && current == d {
		delete(r.sets, name)
		return true
	}
	return false
}

func (r *mapRegistry) Snapshot(prefix string) []*Descriptor {
	r.mu.RLock()
	out := make([]*Descriptor, 0, len(r.sets))
	for name, d := range r.sets {
		if strings.HasPrefix(name, prefix) {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Descriptor) int { return strings.Compare(a.name, b.name) })
	return out
}

func (r *mapRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}
