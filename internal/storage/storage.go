// Package storage defines the object store capability consumed by the
// upload stages. Both cloud backends (S3 and the OSS-compatible store)
// expose the same shape, so the upload stage is written once and
// parameterized by store.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Object is one payload headed for an object store.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
}

// ObjectInfo describes an object found by Head.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is the capability interface every storage backend implements.
// Put must be idempotent for a given key (deterministic overwrite); Head is
// used both for verify-after-write and for skip-if-present checks.
type ObjectStore interface {
	// Name returns the registry id of this store (e.g. "s3", "oss").
	Name() string

	// Put uploads the object, overwriting any existing object at the key.
	Put(ctx context.Context, obj Object) error

	// Head reports whether an object exists at the key. A missing object
	// returns ok=false with a nil error; only transport or auth problems
	// return an error.
	Head(ctx context.Context, key string) (ObjectInfo, bool, error)

	// Delete removes the object at the key. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, key string) error
}

// Registry holds the configured object stores keyed by name.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]ObjectStore
}

// NewRegistry creates an empty store registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]ObjectStore)}
}

// Register adds a store. Duplicate names are a wiring error.
func (r *Registry) Register(s ObjectStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[s.Name()]; exists {
		return fmt.Errorf("storage: store %q already registered", s.Name())
	}
	r.stores[s.Name()] = s
	return nil
}

// Get returns a store by name.
func (r *Registry) Get(name string) (ObjectStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stores[name]
	return s, ok
}

// All returns every registered store.
func (r *Registry) All() []ObjectStore {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ObjectStore, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	return out
}
