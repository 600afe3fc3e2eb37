package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/najoast/entitycore/identity"
)

// ComponentSpec registers one component type.
type ComponentSpec struct {
	// Name is the component name. It is also the agent binding name and, for
	// state components, the document kind.
	Name string

	// Kind is the entity kind the component belongs to.
	Kind identity.Kind

	// New creates an empty component.
	New func() Component
}

// Registry is the explicit component registration table.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]ComponentSpec
}

// NewRegistry creates a registry holding specs.
func NewRegistry(specs ...ComponentSpec) (*Registry, error) {
	r := &Registry{specs: make(map[string]ComponentSpec)}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds spec. Duplicate names and missing kinds are rejected.
func (r *Registry) Register(spec ComponentSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: component without a name", ErrRegistration)
	}
	if spec.Kind == identity.KindNone || spec.Kind == identity.KindSeparator {
		return fmt.Errorf("%w: component %s declares no entity kind", ErrRegistration, spec.Name)
	}
	if spec.New == nil {
		return fmt.Errorf("%w: component %s has no constructor", ErrRegistration, spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("%w: component %s registered twice", ErrRegistration, spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Spec returns the registration of name.
func (r *Registry) Spec(name string) (ComponentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns the registered component names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that agents bind exactly the registered components.
func (r *Registry) Validate(agents []string) error {
	bound := make(map[string]int, len(agents))
	for _, name := range agents {
		bound[name]++
	}

	var errs []error
	for _, name := range r.Names() {
		switch bound[name] {
		case 0:
			errs = append(errs, fmt.Errorf("%w: component %s has no agent", ErrRegistration, name))
		case 1:
		default:
			errs = append(errs, fmt.Errorf("%w: component %s has %d agents", ErrRegistration, name, bound[name]))
		}
		delete(bound, name)
	}
	for name := range bound {
		errs = append(errs, fmt.Errorf("%w: agent %s has no component", ErrRegistration, name))
	}
	return errors.Join(errs...)
}
