package strategy

import "fmt"

// Registry maps strategy names to instances. Registering a duplicate name
// is an error rather than a silent overwrite.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds s under its own Name(). Returns an error if that name is
// already registered.
func (r *Registry) Register(s Strategy) error {
	name := s.Name()
	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("strategy registry: duplicate registration for %q", name)
	}
	r.strategies[name] = s
	return nil
}

// Get looks up a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns the registered strategy names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	return names
}
