package channels

import (
	"context"
	"sort"
	"sync"

	"github.com/praxisworks/praxis/pkg/models"
)

// Registry holds the adapters the gateway drives. Registration order is not
// preserved; lookups and iteration are keyed by channel name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.ChannelType]Adapter),
	}
}

// Register adds an adapter. A second adapter with the same name replaces
// the first; channel names are globally unique.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	r.adapters[adapter.Name()] = adapter
	r.mu.Unlock()
}

// Get returns the adapter registered under the given channel name.
func (r *Registry) Get(channel models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channel]
	return adapter, ok
}

// All returns the registered adapters in channel-name order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	sort.Slice(adapters, func(i, j int) bool {
		return adapters[i].Name() < adapters[j].Name()
	})
	return adapters
}

// Names returns the registered channel names in order.
func (r *Registry) Names() []models.ChannelType {
	all := r.All()
	names := make([]models.ChannelType, len(all))
	for i, a := range all {
		names[i] = a.Name()
	}
	return names
}

// StartAll starts every adapter that is not already running. Adapters that
// fail to start are reported but do not stop the rest from starting; the
// first error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	var firstErr error
	for _, adapter := range r.All() {
		if adapter.Running() {
			continue
		}
		if err := adapter.Start(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every running adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.All() {
		if !adapter.Running() {
			continue
		}
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
