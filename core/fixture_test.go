package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/najoast/entitycore/identity"
	"github.com/najoast/entitycore/logging"
	"github.com/najoast/entitycore/logic"
	"github.com/najoast/entitycore/store"
)

const (
	kindPlayer identity.Kind = 1
	kindWorld  identity.Kind = 200
)

// Inventory is the persisted record of the inventory component.
type Inventory struct {
	RecordBase
	Gold  int            `json:"gold"`
	Items map[string]int `json:"items,omitempty"`
}

type inventoryComponent = StateComponent[Inventory, *Inventory]

type goldAgent interface {
	AddGold(n int)
	Gold() int
	Version() string
}

var inventoryKey = NewKey[goldAgent]("inventory")

// recorder collects hook calls across agents.
type recorder struct {
	mu          sync.Mutex
	calls       []string
	activations atomic.Int32
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type inventoryAgent struct {
	BaseAgent[*inventoryComponent]
	rec *recorder
}

func (a *inventoryAgent) AddGold(n int)   { a.Component().Record().Gold += n }
func (a *inventoryAgent) Gold() int       { return a.Component().Record().Gold }
func (a *inventoryAgent) Version() string { return "v1" }

func (a *inventoryAgent) BeforeActivate(context.Context) error {
	a.rec.add("before_activate")
	return nil
}

func (a *inventoryAgent) OnActivate(context.Context) error {
	a.rec.activations.Add(1)
	a.rec.add("on_activate")
	return nil
}

func (a *inventoryAgent) AfterActivate(context.Context) error {
	a.rec.add("after_activate")
	return nil
}

func (a *inventoryAgent) BeforeDeactivate(context.Context) error {
	a.rec.add("before_deactivate")
	return nil
}

func (a *inventoryAgent) OnDeactivate(context.Context) error {
	a.rec.add("on_deactivate")
	return nil
}

func (a *inventoryAgent) AfterDeactivate(context.Context) error {
	a.rec.add("after_deactivate")
	return nil
}

func (a *inventoryAgent) CrossDay(_ context.Context, day time.Time) error {
	a.Component().Entity().Set("inventory_day", day)
	return nil
}

type inventoryAgentV2 struct {
	inventoryAgent
}

func (a *inventoryAgentV2) Version() string { return "v2" }

// questComponent carries no persisted state.
type questComponent struct {
	ComponentBase
}

type questAgent struct {
	BaseAgent[*questComponent]
}

func (a *questAgent) CrossDay(context.Context, time.Time) error {
	panic("quest table missing")
}

type worldAgent struct{}

// rewardHandler is a timer handler instance.
type rewardHandler struct{}

func (rewardHandler) OnTimer(_ context.Context, e *Entity, param any) error {
	e.Set("reward", param)
	return nil
}

// recordingStore wraps the memory store and records every batch.
type recordingStore struct {
	*store.Memory

	mu      sync.Mutex
	batches []recordedBatch
	failOn  func(call int, kind string, docs []store.Document) bool
}

type recordedBatch struct {
	kind string
	docs []store.Document
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Memory: store.NewMemory()}
}

func (s *recordingStore) UpsertMany(ctx context.Context, kind string, docs []store.Document) error {
	s.mu.Lock()
	call := len(s.batches)
	s.batches = append(s.batches, recordedBatch{kind: kind, docs: docs})
	fail := s.failOn != nil && s.failOn(call, kind, docs)
	s.mu.Unlock()

	if fail {
		return fmt.Errorf("%w: injected failure", store.ErrPersistence)
	}
	return s.Memory.UpsertMany(ctx, kind, docs)
}

func (s *recordingStore) recorded() []recordedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedBatch(nil), s.batches...)
}

type fixture struct {
	m     *Manager
	table *logic.Table
	store *recordingStore
	rec   *recorder
	ids   *identity.Allocator
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		ComponentSpec{Name: "inventory", Kind: kindPlayer, New: func() Component { return NewStateComponent[Inventory]() }},
		ComponentSpec{Name: "quest", Kind: kindPlayer, New: func() Component { return &questComponent{} }},
		ComponentSpec{Name: "world", Kind: kindWorld, New: func() Component { return &ComponentBase{} }},
	)
	require.NoError(t, err)
	return reg
}

func gameModule(version string, rec *recorder, v2 bool) *logic.Module {
	return logic.MustModule("game", version).
		Agent("inventory", func() any {
			if v2 {
				return &inventoryAgentV2{inventoryAgent{rec: rec}}
			}
			return &inventoryAgent{rec: rec}
		}).
		Agent("quest", func() any { return &questAgent{} }).
		Agent("world", func() any { return &worldAgent{} }).
		Instance("reward", func() any { return rewardHandler{} })
}

func newFixture(t *testing.T, opts ...ManagerOption) *fixture {
	t.Helper()

	f := &fixture{
		table: logic.NewTable(logic.WithLogger(logging.Discard())),
		store: newRecordingStore(),
		rec:   &recorder{},
	}
	require.NoError(t, f.table.Install(gameModule("1.0.0", f.rec, false)))

	ids, err := identity.NewAllocator(9000)
	require.NoError(t, err)
	f.ids = ids

	all := append([]ManagerOption{WithAllocator(ids), WithManagerLogger(logging.Discard())}, opts...)
	f.m, err = NewManager(newRegistry(t), f.table, f.store, all...)
	require.NoError(t, err)
	return f
}

func (f *fixture) player(t *testing.T) *Entity {
	t.Helper()
	id, err := f.ids.NewEntityID(kindPlayer, 9000)
	require.NoError(t, err)
	e, err := f.m.GetOrCreate(id)
	require.NoError(t, err)
	return e
}

// on runs fn on e's worker.
func on(t *testing.T, e *Entity, fn func(ctx context.Context)) {
	t.Helper()
	_, err := e.Send(context.Background(), func(ctx context.Context) (any, error) {
		fn(ctx)
		return nil, nil
	})
	require.NoError(t, err)
}

func mustGlobalID(t *testing.T, kind identity.Kind) identity.ID {
	t.Helper()
	id, err := identity.GlobalID(kind, 9000)
	require.NoError(t, err)
	return id
}
