// Package logic holds the behavior side of entity components.
//
// A Module is a versioned set of agent factories (one per component name) and
// named instance factories (timer and event handlers). A Table keeps the
// current module plus recently replaced ones, so components keep their state
// while the code operating on it is swapped.
package logic

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Logic errors
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrDuplicateBinding = errors.New("duplicate binding")
	ErrVersionNotNewer  = errors.New("module version is not newer than the current one")
	ErrNoModule         = errors.New("no logic module installed")
)

// AgentFactory creates the behavior object for one component instance.
type AgentFactory func() any

// InstanceFactory creates a named handler object.
type InstanceFactory func() any

// Module is one version of the game logic.
type Module struct {
	name      string
	version   *semver.Version
	agents    map[string]AgentFactory
	instances map[string]InstanceFactory
	errs      []error
}

// NewModule creates an empty module. The version must be a semantic version.
func NewModule(name, version string) (*Module, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("module %s: invalid version %q: %w", name, version, err)
	}
	return &Module{
		name:      name,
		version:   v,
		agents:    make(map[string]AgentFactory),
		instances: make(map[string]InstanceFactory),
	}, nil
}

// MustModule is NewModule for versions known to be valid.
func MustModule(name, version string) *Module {
	m, err := NewModule(name, version)
	if err != nil {
		panic(err)
	}
	return m
}

// Agent binds the agent factory for a component. Binding the same component
// twice is recorded and reported by Err and by Table.Install.
func (m *Module) Agent(component string, factory AgentFactory) *Module {
	if _, exists := m.agents[component]; exists {
		m.errs = append(m.errs, fmt.Errorf("%w: component %s in module %s", ErrDuplicateBinding, component, m.name))
		return m
	}
	if factory == nil {
		m.errs = append(m.errs, fmt.Errorf("module %s: nil agent factory for %s", m.name, component))
		return m
	}
	m.agents[component] = factory
	return m
}

// Instance binds a named instance factory.
func (m *Module) Instance(name string, factory InstanceFactory) *Module {
	if _, exists := m.instances[name]; exists {
		m.errs = append(m.errs, fmt.Errorf("%w: instance %s in module %s", ErrDuplicateBinding, name, m.name))
		return m
	}
	if factory == nil {
		m.errs = append(m.errs, fmt.Errorf("module %s: nil instance factory for %s", m.name, name))
		return m
	}
	m.instances[name] = factory
	return m
}

// Err returns the binding errors collected so far.
func (m *Module) Err() error {
	return errors.Join(m.errs...)
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Version returns the module version.
func (m *Module) Version() *semver.Version { return m.version }

// Components returns the component names the module has agents for, sorted.
func (m *Module) Components() []string {
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Module) newAgent(component string) (any, error) {
	factory, ok := m.agents[component]
	if !ok {
		return nil, fmt.Errorf("%w: %s in module %s@%s", ErrAgentNotFound, component, m.name, m.version)
	}
	return factory(), nil
}

func (m *Module) newInstance(name string) (any, error) {
	factory, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in module %s@%s", ErrInstanceNotFound, name, m.name, m.version)
	}
	return factory(), nil
}
