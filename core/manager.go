package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kamstrup/intmap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/entitycore/identity"
	"github.com/najoast/entitycore/logic"
	"github.com/najoast/entitycore/store"
	"github.com/najoast/entitycore/timer"
)

const (
	shardBits  = 5
	shardCount = 1 << shardBits

	// bound on concurrent per-entity fan-out submissions
	fanOut = 64
)

type shard struct {
	mu       sync.RWMutex
	entities *intmap.Map[identity.ID, *Entity]
}

// Manager is the entity directory. It creates entities on demand, recycles
// idle ones and drives the periodic save, idle sweep and cross-day broadcast.
type Manager struct {
	opts      atomic.Pointer[Options]
	ids       *identity.Allocator
	registry  *Registry
	logic     logic.Provider
	store     store.Store
	scheduler timer.Scheduler
	logger    *slog.Logger
	now       func() time.Time

	// live state records keyed by stateKey
	states sync.Map

	shards [shardCount]shard

	closed  atomic.Bool
	changed chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOptions sets the tunables. Zero fields keep their defaults.
func WithOptions(opts Options) ManagerOption {
	return func(m *Manager) {
		merged := opts.merge(DefaultOptions())
		m.opts.Store(&merged)
	}
}

// WithAllocator sets the id allocator.
func WithAllocator(ids *identity.Allocator) ManagerOption {
	return func(m *Manager) {
		m.ids = ids
	}
}

// WithScheduler sets the timer scheduler used for entity schedules and the
// cross-day broadcast.
func WithScheduler(s timer.Scheduler) ManagerOption {
	return func(m *Manager) {
		m.scheduler = s
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock replaces the wall clock used for audit fields and idle checks.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager. The registry must match the components bound
// by the provider's current module; a mismatch fails here rather than at
// request time.
func NewManager(registry *Registry, provider logic.Provider, st store.Store, opts ...ManagerOption) (*Manager, error) {
	if registry == nil || provider == nil || st == nil {
		return nil, fmt.Errorf("manager needs a registry, a logic provider and a store")
	}
	if err := registry.Validate(provider.Components()); err != nil {
		return nil, err
	}

	m := &Manager{
		registry: registry,
		logic:    provider,
		store:    st,
		logger:   slog.Default(),
		now:      time.Now,
		changed:  make(chan struct{}, 1),
	}
	defaults := DefaultOptions()
	m.opts.Store(&defaults)
	for _, opt := range opts {
		opt(m)
	}

	if m.ids == nil {
		ids, err := identity.NewAllocator(identity.MinServerID + 1)
		if err != nil {
			return nil, err
		}
		m.ids = ids
	}
	for i := range m.shards {
		m.shards[i].entities = intmap.New[identity.ID, *Entity](64)
	}

	// later reloads must keep binding the same components
	if t, ok := provider.(*logic.Table); ok {
		t.AddValidator(func(mod *logic.Module) error {
			return registry.Validate(mod.Components())
		})
	}
	return m, nil
}

func (m *Manager) options() Options {
	return *m.opts.Load()
}

// Options returns the current tunables.
func (m *Manager) Options() Options {
	return m.options()
}

// UpdateOptions replaces the tunables. Zero fields keep their current value.
// Running entities pick up the new default timeout on their next submission;
// Run picks up the new save and sweep cadence.
func (m *Manager) UpdateOptions(opts Options) {
	merged := opts.merge(m.options())
	m.opts.Store(&merged)

	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// NewEntityID mints an id for kind on the manager's server.
func (m *Manager) NewEntityID(kind identity.Kind) (identity.ID, error) {
	return m.ids.NewEntityID(kind, 0)
}

func (m *Manager) shard(id identity.ID) *shard {
	// fibonacci hashing spreads sequential ids
	return &m.shards[(uint64(id)*0x9E3779B97F4A7C15)>>(64-shardBits)]
}

// GetOrCreate returns the entity with id, creating it when absent.
func (m *Manager) GetOrCreate(id identity.ID) (*Entity, error) {
	if m.closed.Load() {
		return nil, ErrShutdown
	}
	kind, err := identity.DecodeKind(id)
	if err != nil {
		return nil, err
	}

	s := m.shard(id)
	s.mu.RLock()
	e, ok := s.entities.Get(id)
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities.Get(id); ok {
		return e, nil
	}
	e = newEntity(id, kind, m)
	s.entities.Put(id, e)
	return e, nil
}

// Lookup returns the live entity with id.
func (m *Manager) Lookup(id identity.ID) (*Entity, bool) {
	s := m.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities.Get(id)
}

// Len returns the number of live entities.
func (m *Manager) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += s.entities.Len()
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every live entity until fn returns false.
func (m *Manager) Range(fn func(e *Entity) bool) {
	for _, e := range m.entities() {
		if !fn(e) {
			return
		}
	}
}

func (m *Manager) entities() []*Entity {
	var all []*Entity
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		s.entities.ForEach(func(_ identity.ID, e *Entity) bool {
			all = append(all, e)
			return true
		})
		s.mu.RUnlock()
	}
	return all
}

// detach removes e from the directory if it is still the registered
// instance for its id.
func (m *Manager) detach(e *Entity) bool {
	s := m.shard(e.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entities.Get(e.id)
	if !ok || cur != e {
		return false
	}
	s.entities.Del(e.id)
	return true
}

// Remove writes the entity's dirty state, inactivates and recycles it.
func (m *Manager) Remove(ctx context.Context, id identity.ID) error {
	e, ok := m.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: entity %d", ErrNotFound, id)
	}
	_, err := m.evict(ctx, e, 0)
	return err
}

// evict runs on e's worker. A positive idle threshold re-checks idleness
// there first, since work may have arrived after the sweep looked.
func (m *Manager) evict(ctx context.Context, e *Entity, idle time.Duration) (bool, error) {
	v, err := e.Send(ctx, func(ctx context.Context) (any, error) {
		if idle > 0 {
			stats := e.worker.Stats()
			if stats.Queued > 0 || m.now().Sub(stats.LastActiveAt) < idle {
				return false, nil
			}
		}
		if err := m.writeEntity(ctx, e); err != nil {
			return false, err
		}
		if !m.detach(e) {
			return false, nil
		}
		e.Inactivate(ctx)
		e.recycle()
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// CheckIdle recycles every auto-recycle entity idle beyond the configured
// threshold. It returns the number of recycled entities.
func (m *Manager) CheckIdle(ctx context.Context) int {
	opts := m.options()
	now := m.now()

	var candidates []*Entity
	for _, e := range m.entities() {
		if e.AutoRecycle && e.worker.IdleFor(now) >= opts.IdleRecycle {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	var (
		g        errgroup.Group
		recycled atomic.Int64
	)
	g.SetLimit(fanOut)
	for _, e := range candidates {
		g.Go(func() error {
			ok, err := m.evict(ctx, e, opts.IdleRecycle)
			if err != nil {
				m.logger.Warn("idle recycle failed", slog.Int64("entity", int64(e.id)), slog.Any("error", err))
				return nil
			}
			if ok {
				recycled.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	n := int(recycled.Load())
	if n > 0 {
		m.logger.Debug("idle entities recycled", slog.Int("count", n), slog.Int("live", m.Len()))
	}
	return n
}

// CrossDay calls CrossDay on every live entity, each on its own worker.
// Failures of one entity do not stop the others.
func (m *Manager) CrossDay(ctx context.Context, day time.Time) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(fanOut)
	for _, e := range m.entities() {
		g.Go(func() error {
			_, err := e.Send(ctx, func(ctx context.Context) (any, error) {
				return nil, e.CrossDay(ctx, day)
			})
			if err != nil {
				m.logger.Error("cross day failed", slog.Int64("entity", int64(e.id)), slog.Any("error", err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("entity %d: %w", e.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Run drives the periodic save, the idle sweep and the cross-day broadcast
// until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	opts := m.options()

	if m.scheduler != nil {
		id, err := m.scheduler.Cron(opts.CrossDayCron, func() {
			day := startOfDay(m.now())
			m.logger.Info("cross day", slog.Time("day", day))
			if err := m.CrossDay(ctx, day); err != nil {
				m.logger.Warn("cross day finished with failures", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("cross day schedule: %w", err)
		}
		defer m.scheduler.Cancel(id)
	}

	save := time.NewTicker(opts.SaveInterval)
	defer save.Stop()
	sweep := time.NewTicker(opts.IdleCheckInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-save.C:
			if err := m.SaveAll(ctx, false, false); err != nil {
				m.logger.Warn("periodic save finished with failures", slog.Any("error", err))
			}
		case <-sweep.C:
			m.CheckIdle(ctx)
		case <-m.changed:
			opts = m.options()
			save.Reset(opts.SaveInterval)
			sweep.Reset(opts.IdleCheckInterval)
		}
	}
}

// Shutdown drains every worker and saves every modified record, then
// inactivates and recycles every entity. The shutdown proceeds even when saving fails; the save error is
// returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	saveErr := m.SaveAll(ctx, true, false)

	all := m.entities()
	var g errgroup.Group
	g.SetLimit(fanOut)
	for _, e := range all {
		g.Go(func() error {
			_, err := e.worker.runDrained(ctx, func(ctx context.Context) (any, error) {
				e.Inactivate(ctx)
				return nil, nil
			})
			if err != nil {
				m.logger.Warn("inactivate on shutdown failed", slog.Int64("entity", int64(e.id)), slog.Any("error", err))
			}
			e.recycle()
			m.detach(e)
			return nil
		})
	}
	g.Wait()

	m.logger.Info("entity manager stopped", slog.Int("entities", len(all)))
	return saveErr
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
