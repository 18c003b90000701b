package agentdriver

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Strob0t/AgentForge/internal/domain"
)

// Registry resolves drivers by name. It is built once at startup and passed to
// the services that need it.
type Registry struct {
	mu          sync.RWMutex
	drivers     map[string]Driver
	defaultName string
}

// NewRegistry creates an empty registry. defaultName is used when a task does
// not name an agent type.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		drivers:     make(map[string]Driver),
		defaultName: defaultName,
	}
}

// Register adds a driver under its Name. Registering a name twice is an error.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("agentdriver: duplicate registration for %q", name)
	}
	r.drivers[name] = d
	return nil
}

// Resolve returns the driver registered under name, or the default driver when
// name is empty.
func (r *Registry) Resolve(name string) (Driver, error) {
	if name == "" {
		name = r.defaultName
	}

	r.mu.RLock()
	d, ok := r.drivers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agentdriver %q: %w", name, domain.ErrDriverNotFound)
	}
	return d, nil
}

// DefaultName returns the name used for tasks without an agent type.
func (r *Registry) DefaultName() string { return r.defaultName }

// Names returns the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
