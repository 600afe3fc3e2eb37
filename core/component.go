package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/entitycore/logic"
)

// Component is a typed slice of an entity's state. It holds no behavior; the
// code operating on it is its agent, resolved through the logic provider.
//
// Implementations embed ComponentBase or StateComponent.
type Component interface {
	base() *ComponentBase

	// load runs first during activation. agent is the freshly resolved agent.
	load(ctx context.Context, agent any) error

	// unload runs last during deactivation.
	unload(ctx context.Context)

	// IsModified reports an unsaved mutation.
	IsModified() bool
}

// Agent hooks. Agents implement the ones they need.
type (
	BeforeActivator   interface{ BeforeActivate(ctx context.Context) error }
	Activator         interface{ OnActivate(ctx context.Context) error }
	AfterActivator    interface{ AfterActivate(ctx context.Context) error }
	BeforeDeactivator interface{ BeforeDeactivate(ctx context.Context) error }
	Deactivator       interface{ OnDeactivate(ctx context.Context) error }
	AfterDeactivator  interface{ AfterDeactivate(ctx context.Context) error }

	// CrossDayer is called once per day boundary with the start of the new day.
	CrossDayer interface {
		CrossDay(ctx context.Context, day time.Time) error
	}
)

// Binder is implemented by agents that keep a reference to their component.
type Binder interface {
	Bind(c Component)
}

// ComponentBase carries the lifecycle bookkeeping shared by all components.
type ComponentBase struct {
	name   string
	entity *Entity
	state  atomic.Int32

	mu       sync.Mutex
	agent    any
	agentGen uint64
}

func (c *ComponentBase) base() *ComponentBase { return c }

func (c *ComponentBase) load(context.Context, any) error { return nil }

func (c *ComponentBase) unload(context.Context) {}

// IsModified implements Component. Components without state never are.
func (c *ComponentBase) IsModified() bool { return false }

// Name returns the registered component name.
func (c *ComponentBase) Name() string { return c.name }

// Entity returns the owning entity.
func (c *ComponentBase) Entity() *Entity { return c.entity }

// State returns the lifecycle state.
func (c *ComponentBase) State() ComponentState {
	return ComponentState(c.state.Load())
}

func (c *ComponentBase) setState(s ComponentState) {
	c.state.Store(int32(s))
}

func (c *ComponentBase) attach(name string, e *Entity) {
	c.name = name
	c.entity = e
}

// resolve returns the agent for the caller. The cached agent is reused while
// its generation is current; a caller pinned to an older draining generation
// is served from that generation without touching the cache.
func (c *ComponentBase) resolve(ctx context.Context, self Component, p logic.Provider) (any, error) {
	pinned := logic.GenerationFrom(ctx)
	current := p.Generation()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.agent != nil && c.agentGen == current && (pinned == 0 || pinned == current) {
		return c.agent, nil
	}

	agent, gen, err := p.Agent(c.name, pinned)
	if err != nil {
		return nil, err
	}
	if b, ok := agent.(Binder); ok {
		b.Bind(self)
	}
	if pinned == 0 || gen == current {
		c.agent, c.agentGen = agent, gen
	}
	return agent, nil
}

// cachedAgent returns the last resolved agent without consulting the provider.
func (c *ComponentBase) cachedAgent() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// BaseAgent is embedded by agents to reach their component.
type BaseAgent[C Component] struct {
	component C
}

// Bind implements Binder.
func (a *BaseAgent[C]) Bind(c Component) {
	a.component = c.(C)
}

// Component returns the bound component.
func (a *BaseAgent[C]) Component() C {
	return a.component
}

// Key names a component and the agent type callers expect for it.
type Key[A any] struct {
	name string
}

// NewKey declares a typed component key.
func NewKey[A any](name string) Key[A] {
	return Key[A]{name: name}
}

// Name returns the component name.
func (k Key[A]) Name() string { return k.name }

// Get returns the agent of key's component on e, creating and activating the
// component first when it does not exist yet.
func Get[A any](ctx context.Context, e *Entity, key Key[A]) (A, error) {
	var zero A
	agent, err := e.Agent(ctx, key.name, true)
	if err != nil {
		return zero, err
	}
	typed, ok := agent.(A)
	if !ok {
		return zero, fmt.Errorf("%w: agent of %s is %T", ErrRegistration, key.name, agent)
	}
	return typed, nil
}

// Lookup returns the agent of key's component when it exists and is active.
// Absence is reported by the boolean, never as an error.
func Lookup[A any](ctx context.Context, e *Entity, key Key[A]) (A, bool) {
	var zero A
	agent, err := e.Agent(ctx, key.name, false)
	if err != nil {
		return zero, false
	}
	typed, ok := agent.(A)
	return typed, ok
}
