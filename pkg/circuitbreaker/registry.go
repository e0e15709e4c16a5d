package circuitbreaker

import "sync"

// Registry holds one breaker per key, creating them on demand. Keys are
// typically destination hosts.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// RegistryStats summarizes the registry's breakers.
type RegistryStats struct {
	Total int
	Open  int
}

// Stats counts how many breakers exist and how many are open.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := RegistryStats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			stats.Open++
		}
	}
	return stats
}
