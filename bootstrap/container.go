package bootstrap

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultContainer is a name keyed instance container
type DefaultContainer struct {
	// factories for instances not created yet
	factories map[string]ServiceFactory

	// created or registered instances
	instances map[string]any

	// names being created, for cycle detection
	resolving map[string]bool

	mutex sync.Mutex
}

// NewContainer creates an empty container
func NewContainer() Container {
	return &DefaultContainer{
		factories: make(map[string]ServiceFactory),
		instances: make(map[string]any),
		resolving: make(map[string]bool),
	}
}

// Register registers a factory run on first Resolve
func (c *DefaultContainer) Register(name string, factory ServiceFactory) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("service factory cannot be nil")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.hasLocked(name) {
		return fmt.Errorf("service %s is already registered", name)
	}
	c.factories[name] = factory
	return nil
}

// RegisterInstance registers a ready instance
func (c *DefaultContainer) RegisterInstance(name string, instance any) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if instance == nil {
		return fmt.Errorf("service instance cannot be nil")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.hasLocked(name) {
		return fmt.Errorf("service %s is already registered", name)
	}
	c.instances[name] = instance
	return nil
}

// Resolve returns the instance for name. Factories run without the lock held
// so they can resolve their own dependencies.
func (c *DefaultContainer) Resolve(name string) (any, error) {
	c.mutex.Lock()
	if instance, ok := c.instances[name]; ok {
		c.mutex.Unlock()
		return instance, nil
	}
	factory, ok := c.factories[name]
	if !ok {
		c.mutex.Unlock()
		return nil, fmt.Errorf("service %s is not registered", name)
	}
	if c.resolving[name] {
		c.mutex.Unlock()
		return nil, fmt.Errorf("service %s depends on itself", name)
	}
	c.resolving[name] = true
	c.mutex.Unlock()

	instance, err := factory(c)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.resolving, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", name, err)
	}
	if existing, ok := c.instances[name]; ok {
		return existing, nil
	}
	c.instances[name] = instance
	delete(c.factories, name)
	return instance, nil
}

// Has checks if a name is registered
func (c *DefaultContainer) Has(name string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.hasLocked(name)
}

func (c *DefaultContainer) hasLocked(name string) bool {
	_, hasFactory := c.factories[name]
	_, hasInstance := c.instances[name]
	return hasFactory || hasInstance
}

// Names returns all registered names, sorted
func (c *DefaultContainer) Names() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	names := make([]string, 0, len(c.factories)+len(c.instances))
	for name := range c.factories {
		names = append(names, name)
	}
	for name := range c.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveAs resolves name and asserts it to T.
func ResolveAs[T any](c Container, name string) (T, error) {
	var zero T
	instance, err := c.Resolve(name)
	if err != nil {
		return zero, err
	}
	v, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("service %s of type %T is not a %T", name, instance, zero)
	}
	return v, nil
}
