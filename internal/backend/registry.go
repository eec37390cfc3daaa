package backend

import (
	"net/url"
	"sort"
	"sync"
)

// Registry lazily creates and caches one Backend per target URL.
type Registry struct {
	mutex    sync.RWMutex
	backends map[string]*Backend
	factory  func(*url.URL) *Backend
}

// NewRegistry returns a registry that builds missing backends with factory.
func NewRegistry(factory func(*url.URL) *Backend) *Registry {
	return &Registry{
		backends: make(map[string]*Backend),
		factory:  factory,
	}
}

// Get returns the backend for target, creating it on first use.
func (r *Registry) Get(target *url.URL) *Backend {
	key := target.String()

	r.mutex.RLock()
	b, ok := r.backends[key]
	r.mutex.RUnlock()

	if ok {
		return b
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if b, ok = r.backends[key]; ok {
		return b
	}

	b = r.factory(target)
	r.backends[key] = b
	return b
}

// All returns the known backends ordered by URL.
func (r *Registry) All() []*Backend {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].URL().String() < out[j].URL().String()
	})

	return out
}
