package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/entitycore/logging"
	"github.com/najoast/entitycore/logic"
	"github.com/najoast/entitycore/timer"
)

func TestGetActivatesWithHooks(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	inv, err := Get(context.Background(), e, inventoryKey)
	require.NoError(t, err)
	assert.Equal(t, "v1", inv.Version())

	assert.Equal(t, []string{"before_activate", "on_activate", "after_activate"}, f.rec.list())

	c, ok := e.Component("inventory")
	require.True(t, ok)
	assert.Equal(t, ComponentActive, c.base().State())
}

func TestConcurrentFirstRequestsActivateOnce(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Get(context.Background(), e, inventoryKey)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.rec.activations.Load())
}

func TestLookupDoesNotCreate(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	_, ok := Lookup(context.Background(), e, inventoryKey)
	assert.False(t, ok)
	_, ok = e.Component("inventory")
	assert.False(t, ok)

	_, err := e.Agent(context.Background(), "inventory", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Get(context.Background(), e, inventoryKey)
	require.NoError(t, err)
	inv, ok := Lookup(context.Background(), e, inventoryKey)
	assert.True(t, ok)
	assert.Equal(t, 0, inv.Gold())
}

func TestComponentOfWrongKind(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	_, err := e.Agent(context.Background(), "world", true)
	assert.ErrorIs(t, err, ErrRegistration)

	_, err = e.Agent(context.Background(), "mailbox", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentTypeMismatch(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	_, err := Get(context.Background(), e, NewKey[*questAgent]("inventory"))
	assert.ErrorIs(t, err, ErrRegistration)
}

func TestGetFromInsideWorkerRunsInline(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	on(t, e, func(ctx context.Context) {
		inv, err := Get(ctx, e, inventoryKey)
		require.NoError(t, err)
		inv.AddGold(3)
		assert.Equal(t, 3, inv.Gold())
	})
}

func TestReloadKeepsState(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)
	ctx := context.Background()

	on(t, e, func(ctx context.Context) {
		inv, err := Get(ctx, e, inventoryKey)
		require.NoError(t, err)
		inv.AddGold(50)
	})

	require.NoError(t, f.table.Install(gameModule("1.1.0", f.rec, true)))

	inv, err := Get(ctx, e, inventoryKey)
	require.NoError(t, err)
	assert.Equal(t, "v2", inv.Version())
	assert.Equal(t, 50, inv.Gold())

	pinned, err := Get(logic.WithGeneration(ctx, 1), e, inventoryKey)
	require.NoError(t, err)
	assert.Equal(t, "v1", pinned.Version())
	assert.Equal(t, 50, pinned.Gold())

	assert.Equal(t, int32(1), f.rec.activations.Load(), "reload must not reactivate")
}

func TestCrossDayIsolation(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	on(t, e, func(ctx context.Context) {
		_, err := e.Agent(ctx, "quest", true)
		require.NoError(t, err)
		_, err = Get(ctx, e, inventoryKey)
		require.NoError(t, err)

		err = e.CrossDay(ctx, day)
		assert.ErrorIs(t, err, ErrPanic)
	})

	got, ok := e.Value("inventory_day")
	require.True(t, ok, "inventory hook must run after quest hook failed")
	assert.Equal(t, day, got)
}

func TestInactivateRunsHooksAndDetaches(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	_, err := Get(context.Background(), e, inventoryKey)
	require.NoError(t, err)
	c, _ := e.Component("inventory")

	on(t, e, func(ctx context.Context) { e.Inactivate(ctx) })

	assert.Equal(t, []string{
		"before_activate", "on_activate", "after_activate",
		"before_deactivate", "on_deactivate", "after_deactivate",
	}, f.rec.list())
	assert.Equal(t, ComponentInactive, c.base().State())

	_, ok := e.Component("inventory")
	assert.False(t, ok)
	_, ok = f.m.states.Load(stateKey{kind: "inventory", id: e.ID()})
	assert.False(t, ok)
}

func TestInactivateRunsHooksOfPinnedAgent(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)
	require.NoError(t, f.table.Install(gameModule("2.0.0", f.rec, true)))

	inv, err := Get(logic.WithGeneration(context.Background(), 1), e, inventoryKey)
	require.NoError(t, err)
	assert.Equal(t, "v1", inv.Version())

	on(t, e, func(ctx context.Context) { e.Inactivate(ctx) })

	assert.Equal(t, []string{
		"before_activate", "on_activate", "after_activate",
		"before_deactivate", "on_deactivate", "after_deactivate",
	}, f.rec.list())
}

func TestRecycleCallbacksFIFO(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	var order []int
	e.AddOnceRecycleCallback(func() { order = append(order, 1) })
	e.AddOnceRecycleCallback(func() { panic("callback failed") })
	e.AddOnceRecycleCallback(func() { order = append(order, 3) })

	e.recycle()
	e.recycle()
	assert.Equal(t, []int{1, 3}, order)

	e.AddOnceRecycleCallback(func() { order = append(order, 4) })
	assert.Equal(t, []int{1, 3, 4}, order)

	_, err := e.Send(context.Background(), func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestScratchBag(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	e.Set("login", 1)
	v, ok := e.Value("login")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	e.Delete("login")
	_, ok = e.Value("login")
	assert.False(t, ok)
}

func TestAutoRecycleFollowsKind(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.player(t).AutoRecycle)

	world, err := f.m.GetOrCreate(mustGlobalID(t, kindWorld))
	require.NoError(t, err)
	assert.False(t, world.AutoRecycle)
}

func TestReadyToDeactivate(t *testing.T) {
	f := newFixture(t)
	e := f.player(t)

	on(t, e, func(ctx context.Context) {
		inv, err := Get(ctx, e, inventoryKey)
		require.NoError(t, err)
		assert.True(t, e.ReadyToDeactivate())

		inv.AddGold(1)
		assert.False(t, e.ReadyToDeactivate())
	})
}

func TestSchedule(t *testing.T) {
	sched := timer.New(timer.WithLogger(logging.Discard()))
	t.Cleanup(func() { sched.Stop(context.Background()) })

	f := newFixture(t, WithScheduler(sched))
	e := f.player(t)

	_, err := e.Schedule(ScheduleSpec{Delay: 5 * time.Millisecond}, "reward", 7)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		v, ok := e.Value("reward")
		return ok && v == 7
	}, time.Second, 5*time.Millisecond)

	id, err := e.Schedule(ScheduleSpec{Interval: time.Hour}, "reward", 8)
	require.NoError(t, err)
	assert.True(t, e.Unschedule(id))
	assert.False(t, e.Unschedule(id))

	_, err = e.Schedule(ScheduleSpec{}, "reward", 9)
	assert.Error(t, err)

	_, err = e.Schedule(ScheduleSpec{Cron: "@every 1h"}, "reward", 10)
	require.NoError(t, err)
	e.recycle()
	assert.Equal(t, 0, sched.Len())
}

func TestScheduleShortDelayIsUntracked(t *testing.T) {
	sched := timer.New(timer.WithLogger(logging.Discard()))
	t.Cleanup(func() { sched.Stop(context.Background()) })

	f := newFixture(t, WithScheduler(sched))
	e := f.player(t)

	for i := 0; i < 50; i++ {
		_, err := e.Schedule(ScheduleSpec{Delay: time.Nanosecond}, "reward", i)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.timers) == 0 && sched.Len() == 0
	}, time.Second, 5*time.Millisecond)
}
