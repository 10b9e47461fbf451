package breaker

import (
	"slices"
	"sync"
)

// Registry lazily creates one breaker per operation, all sharing a config.
type Registry struct {
	config Config
	opts   []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(config Config, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for operation, creating it on first use.
func (r *Registry) Get(operation string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[operation]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[operation]; ok {
		return b
	}
	b = New(operation, r.config, r.opts...)
	r.breakers[operation] = b
	return b
}

// All returns metrics for every known operation, sorted by name.
func (r *Registry) All() []Metrics {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)

	out := make([]Metrics, 0, len(names))
	for _, name := range names {
		out = append(out, r.Get(name).Metrics())
	}
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
