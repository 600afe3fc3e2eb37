package logic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Provider is the view of the logic layer the entity core depends on.
type Provider interface {
	// Generation returns the generation of the current module.
	Generation() uint64

	// IsReloadInProgress reports whether replaced modules are still draining.
	IsReloadInProgress() bool

	// Agent creates an agent for component. A non-zero pinned generation that
	// is still draining is served from its own module. The generation the
	// agent came from is returned with it.
	Agent(component string, pinned uint64) (any, uint64, error)

	// Instance creates a named instance from the current module.
	Instance(name string) (any, error)

	// Components lists the components the current module has agents for.
	Components() []string
}

// Validator checks a module before it becomes current.
type Validator func(m *Module) error

type loaded struct {
	module     *Module
	generation uint64
	retireAt   time.Time
}

// Table is a versioned strategy table. The current module is swapped
// atomically on Install; the previous one is kept for the drain window.
type Table struct {
	mu       sync.RWMutex
	current  *loaded
	draining []*loaded

	generation  atomic.Uint64
	drainWindow time.Duration
	validators  []Validator
	now         func() time.Time
	logger      *slog.Logger
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithDrainWindow sets how long replaced modules are retained.
func WithDrainWindow(d time.Duration) TableOption {
	return func(t *Table) {
		t.drainWindow = d
	}
}

// WithValidator adds a check run before a module is installed.
func WithValidator(v Validator) TableOption {
	return func(t *Table) {
		t.validators = append(t.validators, v)
	}
}

// WithLogger sets the table logger.
func WithLogger(logger *slog.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

func withClock(now func() time.Time) TableOption {
	return func(t *Table) {
		t.now = now
	}
}

// NewTable creates an empty table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		drainWindow: 5 * time.Minute,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddValidator adds a check run before later installs.
func (t *Table) AddValidator(v Validator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.validators = append(t.validators, v)
}

// Install makes m the current module. Its version must be greater than the
// current module's version.
func (t *Table) Install(m *Module) error {
	if err := m.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, validate := range t.validators {
		if err := validate(m); err != nil {
			return fmt.Errorf("module %s@%s rejected: %w", m.name, m.version, err)
		}
	}

	now := t.now()
	if prev := t.current; prev != nil {
		if !m.version.GreaterThan(prev.module.version) {
			return fmt.Errorf("%w: %s <= %s", ErrVersionNotNewer, m.version, prev.module.version)
		}
		prev.retireAt = now.Add(t.drainWindow)
		t.draining = append(t.draining, prev)
		time.AfterFunc(t.drainWindow, func() { t.Prune(t.now()) })
	}

	gen := t.generation.Load() + 1
	t.current = &loaded{module: m, generation: gen}
	t.generation.Store(gen)
	t.pruneLocked(now)

	t.logger.Info("logic module installed",
		slog.String("module", m.name),
		slog.String("version", m.version.String()),
		slog.Uint64("generation", gen),
		slog.Int("draining", len(t.draining)))
	return nil
}

// Prune releases drained modules whose window has elapsed.
func (t *Table) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(now)
}

func (t *Table) pruneLocked(now time.Time) int {
	kept := t.draining[:0]
	released := 0
	for _, l := range t.draining {
		if now.Before(l.retireAt) {
			kept = append(kept, l)
			continue
		}
		released++
		t.logger.Info("logic module released",
			slog.String("module", l.module.name),
			slog.String("version", l.module.version.String()),
			slog.Uint64("generation", l.generation))
	}
	for i := len(kept); i < len(t.draining); i++ {
		t.draining[i] = nil
	}
	t.draining = kept
	return released
}

// Generation implements Provider.
func (t *Table) Generation() uint64 {
	return t.generation.Load()
}

// IsReloadInProgress implements Provider.
func (t *Table) IsReloadInProgress() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.draining) > 0
}

// Current returns the current module, or nil before the first install.
func (t *Table) Current() *Module {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	return t.current.module
}

// Agent implements Provider.
func (t *Table) Agent(component string, pinned uint64) (any, uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return nil, 0, ErrNoModule
	}

	if pinned != 0 && pinned < t.current.generation {
		now := t.now()
		for _, l := range t.draining {
			if l.generation == pinned && now.Before(l.retireAt) {
				agent, err := l.module.newAgent(component)
				return agent, l.generation, err
			}
		}
	}

	agent, err := t.current.module.newAgent(component)
	return agent, t.current.generation, err
}

// Instance implements Provider.
func (t *Table) Instance(name string) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return nil, ErrNoModule
	}
	return t.current.module.newInstance(name)
}

// Components implements Provider.
func (t *Table) Components() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return nil
	}
	return t.current.module.Components()
}

// Instance creates the named instance and asserts it to T.
func Instance[T any](p Provider, name string) (T, error) {
	var zero T
	v, err := p.Instance(name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("instance %s has type %T, want %T", name, v, zero)
	}
	return typed, nil
}

type generationKey struct{}

// WithGeneration pins work started under ctx to a module generation, so a
// caller that began before a reload keeps seeing the module it started with.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, generationKey{}, gen)
}

// GenerationFrom returns the generation pinned in ctx, or 0.
func GenerationFrom(ctx context.Context) uint64 {
	gen, _ := ctx.Value(generationKey{}).(uint64)
	return gen
}
