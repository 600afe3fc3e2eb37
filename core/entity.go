package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/entitycore/identity"
	"github.com/najoast/entitycore/logic"
)

// TimerHandler is a named logic instance invoked when an entity schedule
// fires. It runs on the entity's worker.
type TimerHandler interface {
	OnTimer(ctx context.Context, e *Entity, param any) error
}

// ScheduleSpec describes when an entity schedule fires. Exactly one of the
// fields is set: Cron, Interval or Delay.
type ScheduleSpec struct {
	Delay    time.Duration
	Interval time.Duration
	Cron     string
}

// Entity is one addressable unit of game state with its own worker.
type Entity struct {
	id     identity.ID
	kind   identity.Kind
	env    *Manager
	worker *Worker
	logger *slog.Logger

	// AutoRecycle is true for multi-instance kinds; singleton kinds live
	// until shutdown.
	AutoRecycle bool

	mu         sync.Mutex
	components map[string]Component
	order      []string
	timers     map[identity.ID]struct{}
	scratch    map[string]any

	recycleMu sync.Mutex
	onRecycle []func()
	recycled  bool
}

func newEntity(id identity.ID, kind identity.Kind, env *Manager) *Entity {
	opts := env.options()
	logger := env.logger.With(slog.Int64("entity", int64(id)), slog.String("kind", kind.String()))

	return &Entity{
		id:   id,
		kind: kind,
		env:  env,
		worker: NewWorker(WorkerOptions{
			Name:           fmt.Sprintf("%s:%d", kind, id),
			MailboxSize:    opts.MailboxSize,
			DefaultTimeout: opts.DefaultTimeout,
		}, logger),
		logger:      logger,
		AutoRecycle: !identity.IsGlobalKind(kind),
		components:  make(map[string]Component),
		timers:      make(map[identity.ID]struct{}),
		scratch:     make(map[string]any),
	}
}

// ID returns the entity id.
func (e *Entity) ID() identity.ID { return e.id }

// Kind returns the entity kind.
func (e *Entity) Kind() identity.Kind { return e.kind }

// Worker returns the entity's worker.
func (e *Entity) Worker() *Worker { return e.worker }

// Tell queues action on the entity's worker.
func (e *Entity) Tell(ctx context.Context, action Action, opts ...SendOption) {
	e.worker.Tell(ctx, action, e.withDefaults(opts)...)
}

// Send runs fn on the entity's worker and waits for the result.
func (e *Entity) Send(ctx context.Context, fn Func, opts ...SendOption) (any, error) {
	return e.worker.Send(ctx, fn, e.withDefaults(opts)...)
}

// withDefaults puts the live default timeout in front of opts so callers can
// still override it.
func (e *Entity) withDefaults(opts []SendOption) []SendOption {
	all := make([]SendOption, 0, len(opts)+1)
	all = append(all, WithTimeout(e.env.options().DefaultTimeout))
	return append(all, opts...)
}

// Agent returns the agent of the named component. With create the component
// is built and activated when missing; without it a missing or inactive
// component yields ErrNotFound.
func (e *Entity) Agent(ctx context.Context, name string, create bool) (any, error) {
	c, err := e.component(ctx, name, create)
	if err != nil {
		return nil, err
	}
	return c.base().resolve(ctx, c, e.env.logic)
}

// Component returns the named component if it exists and is active.
func (e *Entity) Component(name string) (Component, bool) {
	e.mu.Lock()
	c, ok := e.components[name]
	e.mu.Unlock()
	if !ok || c.base().State() != ComponentActive {
		return nil, false
	}
	return c, true
}

func (e *Entity) component(ctx context.Context, name string, create bool) (Component, error) {
	e.mu.Lock()
	c, ok := e.components[name]
	if !ok {
		if !create {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: component %s on %d", ErrNotFound, name, e.id)
		}
		spec, registered := e.env.registry.Spec(name)
		if !registered {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: component %s is not registered", ErrNotFound, name)
		}
		if spec.Kind != e.kind {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: component %s belongs to kind %s, not %s",
				ErrRegistration, name, spec.Kind, e.kind)
		}
		c = spec.New()
		c.base().attach(name, e)
		e.components[name] = c
		e.order = append(e.order, name)
	}
	e.mu.Unlock()

	state := c.base().State()
	if state == ComponentActive {
		return c, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: component %s on %d is %s", ErrNotFound, name, e.id, state)
	}
	// reentrant request from the component's own activation hooks
	if chain := CallChainFrom(ctx); state == ComponentActivating && chain != 0 && chain == e.worker.current.Load() {
		return c, nil
	}

	_, err := e.Send(ctx, func(ctx context.Context) (any, error) {
		return nil, e.activate(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// activate runs on the worker. It is a no-op for an active component.
func (e *Entity) activate(ctx context.Context, c Component) error {
	b := c.base()
	switch b.State() {
	case ComponentActive, ComponentActivating:
		return nil
	case ComponentDeactivating, ComponentInactive:
		return fmt.Errorf("%w: component %s on %d is %s", ErrNotFound, b.name, e.id, b.State())
	}
	b.setState(ComponentActivating)

	err := e.runActivation(ctx, c)
	if err != nil {
		c.unload(ctx)
		b.setState(ComponentUninitialized)
		e.logger.Error("component activation failed", slog.String("component", b.name), slog.Any("error", err))
		return err
	}
	b.setState(ComponentActive)
	return nil
}

func (e *Entity) runActivation(ctx context.Context, c Component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: activating %s: %v", ErrPanic, c.base().name, r)
		}
	}()

	agent, err := c.base().resolve(ctx, c, e.env.logic)
	if err != nil {
		return err
	}
	if err := c.load(ctx, agent); err != nil {
		return err
	}
	if h, ok := agent.(BeforeActivator); ok {
		if err := h.BeforeActivate(ctx); err != nil {
			return err
		}
	}
	if h, ok := agent.(Activator); ok {
		if err := h.OnActivate(ctx); err != nil {
			return err
		}
	}
	if h, ok := agent.(AfterActivator); ok {
		if err := h.AfterActivate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// snapshot returns the components in activation order.
func (e *Entity) snapshot() []Component {
	e.mu.Lock()
	defer e.mu.Unlock()
	comps := make([]Component, 0, len(e.order))
	for _, name := range e.order {
		comps = append(comps, e.components[name])
	}
	return comps
}

// Inactivate deactivates every component and detaches the component map.
// Hook failures are logged; deactivation always completes. Call it on the
// worker.
func (e *Entity) Inactivate(ctx context.Context) {
	comps := e.snapshot()
	for _, c := range comps {
		e.deactivate(ctx, c)
	}

	e.mu.Lock()
	e.components = make(map[string]Component)
	e.order = nil
	e.mu.Unlock()
}

func (e *Entity) deactivate(ctx context.Context, c Component) {
	b := c.base()
	if b.State() != ComponentActive {
		b.setState(ComponentInactive)
		return
	}
	b.setState(ComponentDeactivating)
	c.unload(ctx)

	agent, err := b.resolve(ctx, c, e.env.logic)
	if err != nil {
		e.logger.Warn("deactivate agent resolve failed, using cached agent",
			slog.String("component", b.name), slog.Any("error", err))
		agent = b.cachedAgent()
	}
	if h, ok := agent.(BeforeDeactivator); ok {
		e.hook(ctx, b.name, "before_deactivate", h.BeforeDeactivate)
	}
	if h, ok := agent.(Deactivator); ok {
		e.hook(ctx, b.name, "on_deactivate", h.OnDeactivate)
	}
	if h, ok := agent.(AfterDeactivator); ok {
		e.hook(ctx, b.name, "after_deactivate", h.AfterDeactivate)
	}
	b.setState(ComponentInactive)
}

// hook runs one agent hook, logging its error or panic.
func (e *Entity) hook(ctx context.Context, component, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		if err != nil {
			e.logger.Error("component hook failed",
				slog.String("component", component),
				slog.String("hook", name),
				slog.Any("error", err))
		}
	}()
	return fn(ctx)
}

// CrossDay calls every active CrossDayer agent. One agent failing does not
// stop the others; the failures are joined into the result.
func (e *Entity) CrossDay(ctx context.Context, day time.Time) error {
	var errs []error
	for _, c := range e.snapshot() {
		if c.base().State() != ComponentActive {
			continue
		}
		agent, err := c.base().resolve(ctx, c, e.env.logic)
		if err != nil {
			e.logger.Error("cross day agent resolve failed", slog.String("component", c.base().name), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		h, ok := agent.(CrossDayer)
		if !ok {
			continue
		}
		if err := e.hook(ctx, c.base().name, "cross_day", func(ctx context.Context) error {
			return h.CrossDay(ctx, day)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadyToDeactivate reports whether no component holds an unsaved mutation.
func (e *Entity) ReadyToDeactivate() bool {
	for _, c := range e.snapshot() {
		if c.IsModified() {
			return false
		}
	}
	return true
}

// AddOnceRecycleCallback registers fn to run once when the entity is
// recycled. Callbacks run in registration order. Registering after recycle
// runs fn immediately.
func (e *Entity) AddOnceRecycleCallback(fn func()) {
	e.recycleMu.Lock()
	if !e.recycled {
		e.onRecycle = append(e.onRecycle, fn)
		e.recycleMu.Unlock()
		return
	}
	e.recycleMu.Unlock()
	e.runRecycleCallback(fn)
}

func (e *Entity) runRecycleCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recycle callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// Set stores a scratch value.
func (e *Entity) Set(key string, value any) {
	e.mu.Lock()
	e.scratch[key] = value
	e.mu.Unlock()
}

// Value returns a scratch value.
func (e *Entity) Value(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.scratch[key]
	return v, ok
}

// Delete removes a scratch value.
func (e *Entity) Delete(key string) {
	e.mu.Lock()
	delete(e.scratch, key)
	e.mu.Unlock()
}

// Schedule subscribes the named timer handler. The handler is resolved from
// the current logic module each time the schedule fires.
func (e *Entity) Schedule(spec ScheduleSpec, handler string, param any) (identity.ID, error) {
	sched := e.env.scheduler
	if sched == nil {
		return 0, fmt.Errorf("no scheduler configured")
	}

	// ref is filled in once the scheduler has minted the id. e.mu is held
	// until the id is tracked, so a callback firing early waits for it.
	var ref atomic.Int64
	tick := func(once bool) func() {
		return func() { e.fire(&ref, handler, param, once) }
	}

	var (
		id  identity.ID
		err error
	)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case spec.Cron != "":
		id, err = sched.Cron(spec.Cron, tick(false))
	case spec.Interval > 0:
		id = sched.Every(spec.Interval, tick(false))
	case spec.Delay > 0:
		id = sched.After(spec.Delay, tick(true))
	default:
		err = fmt.Errorf("empty schedule spec")
	}
	if err != nil {
		return 0, err
	}
	ref.Store(int64(id))
	e.timers[id] = struct{}{}
	return id, nil
}

// Unschedule cancels a schedule created by Schedule.
func (e *Entity) Unschedule(id identity.ID) bool {
	e.mu.Lock()
	_, ok := e.timers[id]
	delete(e.timers, id)
	e.mu.Unlock()
	if !ok {
		return false
	}
	return e.env.scheduler.Cancel(id)
}

func (e *Entity) fire(ref *atomic.Int64, name string, param any, once bool) {
	if once {
		e.mu.Lock()
		delete(e.timers, identity.ID(ref.Load()))
		e.mu.Unlock()
	}

	h, err := logic.Instance[TimerHandler](e.env.logic, name)
	if err != nil {
		e.logger.Error("timer handler unavailable", slog.String("handler", name), slog.Any("error", err))
		return
	}
	e.Tell(context.Background(), func(ctx context.Context) {
		if err := h.OnTimer(ctx, e, param); err != nil {
			e.logger.Error("timer handler failed", slog.String("handler", name), slog.Any("error", err))
		}
	})
}

// recycle fires the recycle callbacks, cancels timers and closes the worker.
func (e *Entity) recycle() {
	e.recycleMu.Lock()
	if e.recycled {
		e.recycleMu.Unlock()
		return
	}
	e.recycled = true
	callbacks := e.onRecycle
	e.onRecycle = nil
	e.recycleMu.Unlock()

	for _, fn := range callbacks {
		e.runRecycleCallback(fn)
	}

	e.mu.Lock()
	timers := e.timers
	e.timers = make(map[identity.ID]struct{})
	e.mu.Unlock()
	if e.env.scheduler != nil {
		for id := range timers {
			e.env.scheduler.Cancel(id)
		}
	}

	e.worker.Close()
}
