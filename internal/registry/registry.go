// Package registry provides the thread-safe versioned spec registry used for
// workflows, policies, capabilities and the other keyed spec stores.
package registry

import (
	"sort"
	"sync"

	"github.com/tenantry/loom/pkg/schema"
)

// Versioned is satisfied by every registrable spec type.
type Versioned interface {
	SpecKey() string
	SpecVersion() int
}

// Registry stores immutable specs keyed by (key, version). Lookups without a
// version resolve to the highest registered version for the key via a
// per-key sorted index, so latest lookups stay cheap as versions accumulate.
type Registry[T Versioned] struct {
	mu      sync.RWMutex
	entries map[string][]T // key -> specs sorted ascending by version
}

// New creates an empty Registry.
func New[T Versioned]() *Registry[T] {
	return &Registry[T]{entries: make(map[string][]T)}
}

// Register adds a spec. Returns a CONFLICT error when the (key, version)
// pair is already registered, and a VALIDATION error on an empty key or a
// non-positive version.
func (r *Registry[T]) Register(spec T) error {
	key := spec.SpecKey()
	version := spec.SpecVersion()
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "spec key is empty")
	}
	if version <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "spec %q version must be positive, got %d", key, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.entries[key]
	idx := sort.Search(len(versions), func(i int) bool {
		return versions[i].SpecVersion() >= version
	})
	if idx < len(versions) && versions[idx].SpecVersion() == version {
		return schema.NewErrorf(schema.ErrCodeConflict, "spec %q version %d already registered", key, version)
	}

	versions = append(versions, spec)
	copy(versions[idx+1:], versions[idx:])
	versions[idx] = spec
	r.entries[key] = versions
	return nil
}

// Get retrieves a spec by key. With no version argument (or version <= 0)
// it returns the highest registered version for the key.
func (r *Registry[T]) Get(key string, version ...int) (T, bool) {
	var zero T

	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.entries[key]
	if !ok || len(versions) == 0 {
		return zero, false
	}

	if len(version) == 0 || version[0] <= 0 {
		return versions[len(versions)-1], true
	}

	want := version[0]
	idx := sort.Search(len(versions), func(i int) bool {
		return versions[i].SpecVersion() >= want
	})
	if idx < len(versions) && versions[idx].SpecVersion() == want {
		return versions[idx], true
	}
	return zero, false
}

// List returns every registered spec, ordered by key then version.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []T
	for _, k := range keys {
		out = append(out, r.entries[k]...)
	}
	return out
}

// Keys returns the distinct registered keys, sorted.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
