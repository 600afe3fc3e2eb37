package core

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/najoast/entitycore/identity"
	"github.com/najoast/entitycore/logging"
	"github.com/najoast/entitycore/store"
)

// RecordBase holds the fields every persisted state record carries.
type RecordBase struct {
	ID          int64     `json:"id"`
	Deleted     bool      `json:"deleted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdateCount int64     `json:"update_count"`
}

// Base implements Record.
func (r *RecordBase) Base() *RecordBase { return r }

// Record is a persisted state document. Records embed RecordBase.
type Record interface {
	Base() *RecordBase
}

// StateLoader is implemented by agents that load their record themselves.
// Returning a nil record falls back to the store.
type StateLoader[P Record] interface {
	LoadState(ctx context.Context, id identity.ID) (P, error)
}

type stateKey struct {
	kind string
	id   identity.ID
}

// stateful is the part of a state component the save sweep drives.
type stateful interface {
	Component
	key() stateKey
	collect(now time.Time, force bool) (pendingWrite, bool, error)
	acknowledge(hash uint64)
}

type pendingWrite struct {
	kind  string
	id    int64
	data  []byte
	hash  uint64
	owner stateful
}

// StateComponent is a component owning one persisted record of type S.
type StateComponent[S any, P interface {
	*S
	Record
}] struct {
	ComponentBase

	record   P
	snapshot atomic.Uint64
}

// NewStateComponent returns an empty state component. It is meant for
// ComponentSpec.New.
func NewStateComponent[S any, P interface {
	*S
	Record
}]() *StateComponent[S, P] {
	return &StateComponent[S, P]{}
}

// Record returns the state record. It must only be touched on the entity's
// worker.
func (c *StateComponent[S, P]) Record() P {
	return c.record
}

func (c *StateComponent[S, P]) key() stateKey {
	return stateKey{kind: c.name, id: c.entity.id}
}

func (c *StateComponent[S, P]) load(ctx context.Context, agent any) error {
	env := c.entity.env
	id := c.entity.id

	var (
		rec   P
		found bool
	)
	if l, ok := agent.(StateLoader[P]); ok {
		custom, err := l.LoadState(ctx, id)
		if err != nil {
			return fmt.Errorf("custom load of %s for %d: %w", c.name, id, err)
		}
		if custom != nil {
			rec, found = custom, true
		}
	}

	if !found {
		data, ok, err := env.store.FindOne(ctx, c.name, int64(id))
		if err != nil {
			return err
		}
		switch {
		case ok:
			rec = P(new(S))
			if err := json.Unmarshal(data, rec); err != nil {
				return fmt.Errorf("%w: decode %s %d: %v", store.ErrPersistence, c.name, id, err)
			}
		case !env.options().NoDefaultRecord:
			rec = P(new(S))
			now := env.now()
			b := rec.Base()
			b.ID = int64(id)
			b.CreatedAt = now
			b.UpdatedAt = now
		default:
			return fmt.Errorf("%w: no %s record for %d", ErrNotFound, c.name, id)
		}
	}

	_, hash, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	c.record = rec
	c.snapshot.Store(hash)
	env.states.Store(c.key(), stateful(c))
	return nil
}

// unload removes this instance's save entry. A newer entity with the same id
// may already have registered its own under the same key.
func (c *StateComponent[S, P]) unload(context.Context) {
	c.entity.env.states.CompareAndDelete(c.key(), stateful(c))
}

// IsModified reports whether the record differs from the last durable copy.
func (c *StateComponent[S, P]) IsModified() bool {
	if c.record == nil {
		return false
	}
	_, hash, err := encodeRecord(c.record)
	if err != nil {
		return true
	}
	return hash != c.snapshot.Load()
}

func (c *StateComponent[S, P]) collect(now time.Time, force bool) (pendingWrite, bool, error) {
	if c.record == nil {
		return pendingWrite{}, false, nil
	}
	if !force && !c.IsModified() {
		return pendingWrite{}, false, nil
	}

	b := c.record.Base()
	b.UpdatedAt = now
	b.UpdateCount++
	if b.ID == 0 {
		b.ID = int64(c.entity.id)
	}

	data, hash, err := encodeRecord(c.record)
	if err != nil {
		return pendingWrite{}, false, err
	}
	return pendingWrite{kind: c.name, id: b.ID, data: data, hash: hash, owner: c}, true, nil
}

func (c *StateComponent[S, P]) acknowledge(hash uint64) {
	c.snapshot.Store(hash)
}

// WriteState writes the record now, whether modified or not. Failures are
// logged at fatal level and returned.
func (c *StateComponent[S, P]) WriteState(ctx context.Context) error {
	env := c.entity.env

	w, ok, err := c.collect(env.now(), true)
	if err != nil {
		logging.Fatal(ctx, env.logger, "state encode failed",
			slog.String("kind", c.name), slog.Int64("entity", int64(c.entity.id)), slog.Any("error", err))
		return err
	}
	if !ok {
		return nil
	}

	if err := env.store.UpsertMany(ctx, w.kind, []store.Document{{ID: w.id, Data: w.data}}); err != nil {
		logging.Fatal(ctx, env.logger, "state write failed",
			slog.String("kind", c.name), slog.Int64("entity", int64(c.entity.id)), slog.Any("error", err))
		return err
	}
	c.acknowledge(w.hash)
	return nil
}

func encodeRecord(rec any) ([]byte, uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, fmt.Errorf("encode record: %w", err)
	}
	h := fnv.New64a()
	h.Write(data)
	return data, h.Sum64(), nil
}
