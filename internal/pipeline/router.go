package pipeline

import (
	"fmt"
	"slices"
)

// Router maps backend names to implementations, falling back to a default
// when the requested name is empty or unknown.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router over backends with fallback as the default name.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend registered under name, or the fallback.
func (r *Router[T]) Route(name string) (T, error) {
	if backend, ok := r.backends[name]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("no backend for %q", name)
}

// Has reports whether name is registered.
func (r *Router[T]) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}

// Names returns the registered names sorted.
func (r *Router[T]) Names() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Default is the fallback name.
func (r *Router[T]) Default() string { return r.fallback }
