package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/najoast/entitycore/identity"
	"github.com/najoast/entitycore/store"
)

// writeBuffer collects pending writes from many entity workers. The lock is
// only held while appending.
type writeBuffer struct {
	mu     sync.Mutex
	byKind map[string][]pendingWrite
	n      int
}

func (b *writeBuffer) add(ws []pendingWrite) {
	if len(ws) == 0 {
		return
	}
	b.mu.Lock()
	for _, w := range ws {
		b.byKind[w.kind] = append(b.byKind[w.kind], w)
	}
	b.n += len(ws)
	b.mu.Unlock()
}

// SaveAll writes modified state records to the store. With shutdown every
// worker is closed and drained first and the records are collected directly;
// otherwise each live entity collects its own records on its worker. With force every registered record is written.
//
// Records are written per kind in batches of BatchSize. A failed batch does
// not stop the others, and only records of acknowledged batches stop being
// modified.
func (m *Manager) SaveAll(ctx context.Context, shutdown, force bool) error {
	opts := m.options()
	now := m.now()
	buf := &writeBuffer{byKind: make(map[string][]pendingWrite)}

	var errs []error
	collect := func(states []stateful) []pendingWrite {
		var ws []pendingWrite
		for _, s := range states {
			w, ok, err := s.collect(now, force)
			if err != nil {
				m.logger.Error("state collection failed", slog.String("kind", s.key().kind),
					slog.Int64("entity", int64(s.key().id)), slog.Any("error", err))
				continue
			}
			if ok {
				ws = append(ws, w)
			}
		}
		return ws
	}

	byEntity := make(map[identity.ID][]stateful)
	m.states.Range(func(k, v any) bool {
		key := k.(stateKey)
		byEntity[key.id] = append(byEntity[key.id], v.(stateful))
		return true
	})

	if shutdown {
		m.drainWorkers(ctx)
		for id, states := range byEntity {
			if e, ok := m.Lookup(id); ok && !e.worker.drained() {
				m.logger.Warn("state collection skipped, worker still busy", slog.Int64("entity", int64(id)))
				errs = append(errs, fmt.Errorf("%w: entity %d still busy", ErrTimeout, id))
				continue
			}
			buf.add(collect(states))
		}
	} else {
		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		g.SetLimit(fanOut)
		for id, states := range byEntity {
			e, ok := m.Lookup(id)
			if !ok {
				continue
			}
			g.Go(func() error {
				_, err := e.Send(ctx, func(context.Context) (any, error) {
					buf.add(collect(states))
					return nil, nil
				}, WithTimeout(opts.BatchTimeout))
				if err != nil {
					m.logger.Warn("state collection skipped", slog.Int64("entity", int64(id)), slog.Any("error", err))
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
	}

	if buf.n == 0 {
		return errors.Join(errs...)
	}

	round, _ := m.ids.NewUniqueID(identity.ModuleSave)
	logger := m.logger.With(slog.Int64("round", int64(round)), slog.Bool("shutdown", shutdown))
	logger.Debug("saving state", slog.Int("records", buf.n))

	if err := m.flush(ctx, logger, buf.byKind, opts, shutdown); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// drainWorkers closes every live worker and waits for its queue to empty.
func (m *Manager) drainWorkers(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(fanOut)
	for _, e := range m.entities() {
		g.Go(func() error {
			if err := e.worker.CloseAndWait(ctx); err != nil {
				m.logger.Warn("worker did not drain", slog.Int64("entity", int64(e.id)), slog.Any("error", err))
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) flush(ctx context.Context, logger *slog.Logger, byKind map[string][]pendingWrite, opts Options, shutdown bool) error {
	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(opts.SaveParallelism)

	for _, kind := range kinds {
		writes := byKind[kind]
		sort.Slice(writes, func(i, j int) bool { return writes[i].id < writes[j].id })

		for start := 0; start < len(writes); start += opts.BatchSize {
			batch := writes[start:min(start+opts.BatchSize, len(writes))]
			g.Go(func() error {
				err := m.writeBatch(ctx, kind, batch, opts)
				if err == nil {
					return nil
				}
				level := slog.LevelWarn
				if shutdown {
					level = slog.LevelError
				}
				logger.Log(ctx, level, "save batch failed",
					slog.String("kind", kind),
					slog.Int("records", len(batch)),
					slog.Int64("first", batch[0].id),
					slog.Any("error", err))

				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()
	return errors.Join(errs...)
}

// writeBatch upserts one batch and refreshes the snapshots on success.
func (m *Manager) writeBatch(ctx context.Context, kind string, batch []pendingWrite, opts Options) error {
	docs := make([]store.Document, len(batch))
	for i, w := range batch {
		docs[i] = store.Document{ID: w.id, Data: w.data}
	}

	bctx, cancel := context.WithTimeout(ctx, opts.BatchTimeout)
	defer cancel()
	if err := m.store.UpsertMany(bctx, kind, docs); err != nil {
		return fmt.Errorf("batch of %d %s records: %w", len(batch), kind, err)
	}

	for _, w := range batch {
		w.owner.acknowledge(w.hash)
	}
	return nil
}

// writeEntity writes e's modified records. It runs on e's worker.
func (m *Manager) writeEntity(ctx context.Context, e *Entity) error {
	opts := m.options()
	now := m.now()

	var errs []error
	for _, c := range e.snapshot() {
		s, ok := c.(stateful)
		if !ok {
			continue
		}
		w, ok, err := s.collect(now, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := m.writeBatch(ctx, w.kind, []pendingWrite{w}, opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
