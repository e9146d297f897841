package runtime

import (
	"fmt"
	"sort"
	"sync"

	"phobos.org.uk/harness/internal/config"
	"phobos.org.uk/harness/internal/logging"
)

// Factory constructs an uninitialized runtime from configuration.
type Factory func(cfg *config.Config, log *logging.Logger) (AgentRuntime, error)

// Registry maps runtime kind names to factories. It is owned by the
// composition root; there is no package-level default registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given kind name. Registration fails
// on an empty name, a nil factory, or a duplicate name.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("registering runtime factory: kind is empty")
	}
	if factory == nil {
		return fmt.Errorf("registering runtime factory %q: factory is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("registering runtime factory %q: already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Get returns the factory for a kind.
func (r *Registry) Get(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown runtime kind %q (registered: %v)", kind, r.listLocked())
	}
	return f, nil
}

// New constructs a runtime of the given kind.
func (r *Registry) New(kind string, cfg *config.Config, log *logging.Logger) (AgentRuntime, error) {
	f, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return f(cfg, log)
}

// List returns the registered kind names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultRegistry returns a registry with the built-in runtimes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(config.RuntimeKindLocal, func(cfg *config.Config, log *logging.Logger) (AgentRuntime, error) {
		return NewLocal(cfg.Local, detectorFromConfig(cfg.Detect), log), nil
	})
	r.Register(config.RuntimeKindRemote, func(cfg *config.Config, log *logging.Logger) (AgentRuntime, error) {
		return NewRemote(cfg.Remote, detectorFromConfig(cfg.Detect), log), nil
	})
	return r
}
