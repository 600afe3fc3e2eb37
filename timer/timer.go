// Package timer schedules callbacks after a delay, on an interval or on a
// cron spec. Every schedule has an id that can be used to cancel it.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/najoast/entitycore/identity"
)

// Scheduler is the timer surface the entity core consumes.
type Scheduler interface {
	// After runs fn once after d.
	After(d time.Duration, fn func()) identity.ID

	// Every runs fn every d until cancelled.
	Every(d time.Duration, fn func()) identity.ID

	// Cron runs fn on a standard five field cron spec.
	Cron(spec string, fn func()) (identity.ID, error)

	// Cancel stops the schedule. It reports whether the schedule was live.
	Cancel(id identity.ID) bool

	// Stop cancels every schedule and waits for running cron jobs.
	Stop(ctx context.Context) error
}

// IDSource mints schedule ids.
type IDSource interface {
	NewUniqueID(module int) (identity.ID, error)
}

type entry struct {
	stop   func()
	cronID cron.EntryID
}

// Local is an in-process Scheduler.
type Local struct {
	ids    IDSource
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[identity.ID]entry
	stopped bool

	fallback atomic.Int64
}

// Option configures a Local scheduler.
type Option func(*Local)

// WithIDSource sets the schedule id source. Without one ids come from a
// process local counter.
func WithIDSource(ids IDSource) Option {
	return func(l *Local) {
		l.ids = ids
	}
}

// WithLogger sets the logger used for callback failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) {
		l.logger = logger
	}
}

// WithLocation sets the time zone cron specs are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(l *Local) {
		l.cron = cron.New(cron.WithLocation(loc))
	}
}

// New creates a running scheduler.
func New(opts ...Option) *Local {
	l := &Local{
		logger:  slog.Default(),
		entries: make(map[identity.ID]entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cron == nil {
		l.cron = cron.New()
	}
	l.cron.Start()
	return l
}

func (l *Local) nextID() identity.ID {
	if l.ids != nil {
		id, err := l.ids.NewUniqueID(identity.ModuleTimer)
		if err == nil {
			return id
		}
		l.logger.Error("timer id allocation failed", slog.Any("error", err))
	}
	return identity.ID(l.fallback.Add(1))
}

func (l *Local) add(id identity.ID, e entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.entries[id] = e
	return true
}

func (l *Local) remove(id identity.ID) (entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if ok {
		delete(l.entries, id)
	}
	return e, ok
}

func (l *Local) run(id identity.ID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("timer callback panicked",
				slog.Int64("schedule", int64(id)),
				slog.Any("panic", r))
		}
	}()
	fn()
}

// After implements Scheduler.
func (l *Local) After(d time.Duration, fn func()) identity.ID {
	id := l.nextID()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return id
	}
	t := time.AfterFunc(d, func() {
		if _, ok := l.remove(id); ok {
			l.run(id, fn)
		}
	})
	l.entries[id] = entry{stop: func() { t.Stop() }}
	return id
}

// Every implements Scheduler.
func (l *Local) Every(d time.Duration, fn func()) identity.ID {
	id := l.nextID()
	if d <= 0 {
		l.logger.Warn("interval schedule ignored", slog.Duration("interval", d))
		return id
	}

	done := make(chan struct{})
	var once sync.Once
	if !l.add(id, entry{stop: func() { once.Do(func() { close(done) }) }}) {
		return id
	}

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.run(id, fn)
			case <-done:
				return
			}
		}
	}()
	return id
}

// Cron implements Scheduler.
func (l *Local) Cron(spec string, fn func()) (identity.ID, error) {
	id := l.nextID()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return 0, fmt.Errorf("scheduler stopped")
	}
	cronID, err := l.cron.AddFunc(spec, func() { l.run(id, fn) })
	if err != nil {
		return 0, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	l.entries[id] = entry{cronID: cronID}
	return id, nil
}

// Cancel implements Scheduler.
func (l *Local) Cancel(id identity.ID) bool {
	e, ok := l.remove(id)
	if !ok {
		return false
	}
	l.stopEntry(e)
	return true
}

func (l *Local) stopEntry(e entry) {
	if e.stop != nil {
		e.stop()
	}
	if e.cronID != 0 {
		l.cron.Remove(e.cronID)
	}
}

// Len returns the number of live schedules.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stop implements Scheduler.
func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	entries := l.entries
	l.entries = make(map[identity.ID]entry)
	l.mu.Unlock()

	for _, e := range entries {
		l.stopEntry(e)
	}

	select {
	case <-l.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
