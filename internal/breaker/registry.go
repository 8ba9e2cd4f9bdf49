package breaker

import (
	"sort"
	"sync"
)

// Well-known dependency names
const (
	NameBreachLookup = "pwned-passwords"
	NameAIProvider   = "ai-provider"
)

// Registry hands out one independent breaker per dependency name
type Registry struct {
	mu       sync.Mutex
	defaults Options
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share defaults
func NewRegistry(defaults Options) *Registry {
	return &Registry{defaults: defaults, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults)
	r.breakers[name] = b
	return b
}

// Names lists registered dependencies in sorted order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stats snapshots every registered breaker
func (r *Registry) Stats() []Stats {
	names := r.Names()
	out := make([]Stats, 0, len(names))
	for _, n := range names {
		out = append(out, r.Get(n).Stats())
	}
	return out
}

// ResetAll closes every circuit
func (r *Registry) ResetAll() {
	for _, n := range r.Names() {
		r.Get(n).Reset()
	}
}
