package builder

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultName is the builder used when a pipeline does not name one.
const DefaultName = "docker"

// Info pairs a builder name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered builders and resolves which one to use for a
// given pipeline run.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
	}
}

// Register adds a builder to the registry under the given name.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// Resolve returns the builder with the given name, defaulting to DefaultName
// when name is empty. Returns an error if the builder is not registered.
func (r *Registry) Resolve(name string) (Builder, error) {
	target := name
	if target == "" {
		target = DefaultName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.builders[target]
	if !ok {
		return nil, fmt.Errorf("builder %q is not registered", target)
	}
	return b, nil
}

// List returns information about all registered builders, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.builders))
	for name, b := range r.builders {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
