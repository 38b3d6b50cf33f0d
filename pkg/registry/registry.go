// Package registry holds the executors available for dispatch together with
// their declared capability profiles.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zen-systems/flowdispatch/pkg/executor"
)

var (
	// ErrDuplicateID is returned when an executor id is already registered.
	ErrDuplicateID = errors.New("duplicate executor id")

	// ErrNotFound is returned when an executor id is not registered.
	ErrNotFound = errors.New("executor not found")

	// ErrInvalidProfile is returned for registrations missing an id or executor.
	ErrInvalidProfile = errors.New("invalid executor registration")
)

// Entry is a registered executor.
type Entry struct {
	ID       string
	Executor executor.Executor
	Profile  Profile
	// Order is the registration position, used to break scoring ties.
	Order int
}

// Registry manages executors in registration order. It is safe for
// concurrent use; registration is expected to finish before dispatch starts.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ordered []*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an executor. The profile id is forced to match id.
func (r *Registry) Register(id string, exec executor.Executor, profile Profile) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProfile)
	}
	if exec == nil {
		return fmt.Errorf("%w: executor %s is nil", ErrInvalidProfile, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	profile.ID = id
	profile.Tags = normalizeTags(profile.Tags)
	entry := &Entry{ID: id, Executor: exec, Profile: profile, Order: len(r.ordered)}
	r.entries[id] = entry
	r.ordered = append(r.ordered, entry)
	return nil
}

// Get returns the entry registered under id.
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *entry, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// All returns a snapshot of entries in registration order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.ordered))
	for i, e := range r.ordered {
		out[i] = *e
	}
	return out
}

// Profiles returns the registered profiles in registration order.
func (r *Registry) Profiles() []Profile {
	entries := r.All()
	out := make([]Profile, len(entries))
	for i, e := range entries {
		out[i] = e.Profile
	}
	return out
}

// Len returns the number of registered executors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
