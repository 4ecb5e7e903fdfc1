// Package exchange resolves venue names to their adapter implementations.
package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"arbridge/internal/domain"
)

// Registry is a thread-safe venue -> adapter map. It satisfies
// domain.AdapterResolver.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.ExchangeAdapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...domain.ExchangeAdapter) *Registry {
	r := &Registry{adapters: make(map[string]domain.ExchangeAdapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its venue.
func (r *Registry) Register(a domain.ExchangeAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

// AdapterFor returns the adapter for a venue. Unknown venues fail with
// domain.ErrVenueNotSupported; there is no silent fallback.
func (r *Registry) AdapterFor(venue string) (domain.ExchangeAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(venue)]
	if !ok {
		return nil, fmt.Errorf("exchange: %q: %w", venue, domain.ErrVenueNotSupported)
	}
	return a, nil
}

// Venues returns the registered venue names, sorted.
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
