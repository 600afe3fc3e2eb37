package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/entitycore/logging"
)

func newTestWorker(name string) *Worker {
	opts := DefaultWorkerOptions()
	opts.Name = name
	opts.DefaultTimeout = time.Second
	return NewWorker(opts, logging.Discard())
}

// block occupies w until the returned release func is called.
func block(t *testing.T, w *Worker) func() {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	w.Tell(context.Background(), func(context.Context) {
		close(started)
		<-gate
	})
	<-started
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func TestWorkerFIFO(t *testing.T) {
	w := newTestWorker("fifo")
	ctx := context.Background()

	var (
		mu    sync.Mutex
		trace []string
	)
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	w.Tell(ctx, func(context.Context) {
		record("a-start")
		time.Sleep(20 * time.Millisecond)
		record("a-end")
	})
	_, err := w.Send(ctx, func(context.Context) (any, error) {
		record("b")
		return nil, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a-start", "a-end", "b"}, trace)
}

func TestWorkerOrderUnderLoad(t *testing.T) {
	w := newTestWorker("load")
	ctx := context.Background()

	var got []int
	for i := 0; i < 200; i++ {
		w.Tell(ctx, func(context.Context) { got = append(got, i) })
	}
	_, err := w.Send(ctx, func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	require.Len(t, got, 200)
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d ran at position %d", v, i)
		}
	}
}

func TestWorkerReentrantSend(t *testing.T) {
	w := newTestWorker("reentrant")

	v, err := w.Send(context.Background(), func(ctx context.Context) (any, error) {
		outer := CallChainFrom(ctx)
		inner, err := Call(ctx, w, func(ctx context.Context) (int64, error) {
			return CallChainFrom(ctx), nil
		}, WithTimeout(100*time.Millisecond))
		if err != nil {
			return nil, err
		}
		if inner != outer {
			return nil, errors.New("inline call changed chain")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestWorkerCrossWorkerCallback(t *testing.T) {
	a := newTestWorker("a")
	b := newTestWorker("b")
	ctx := context.Background()

	v, err := Call(ctx, a, func(ctx context.Context) (string, error) {
		return Call(ctx, b, func(ctx context.Context) (string, error) {
			return Call(ctx, a, func(context.Context) (string, error) {
				return "a-b-a", nil
			}, WithTimeout(100*time.Millisecond))
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "a-b-a", v)
}

func TestWorkerWithoutChainCheckQueues(t *testing.T) {
	w := newTestWorker("nocheck")

	_, err := w.Send(context.Background(), func(ctx context.Context) (any, error) {
		return w.Send(ctx, func(context.Context) (any, error) {
			return nil, nil
		}, WithCallChainCheck(false), WithTimeout(30*time.Millisecond))
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestIsNeedEnqueue(t *testing.T) {
	w := newTestWorker("enqueue")

	need, chain := w.IsNeedEnqueue(context.Background())
	assert.True(t, need)
	assert.NotZero(t, chain)

	need, same := w.IsNeedEnqueue(WithCallChain(context.Background(), chain))
	assert.True(t, need)
	assert.Equal(t, chain, same)

	_, err := w.Send(context.Background(), func(ctx context.Context) (any, error) {
		need, inner := w.IsNeedEnqueue(ctx)
		assert.False(t, need)
		assert.Equal(t, CallChainFrom(ctx), inner)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestWorkerTimeoutFromSubmission(t *testing.T) {
	w := newTestWorker("timeout")
	release := block(t, w)
	defer release()

	var ran atomic.Bool
	start := time.Now()
	_, err := w.Send(context.Background(), func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, WithTimeout(30*time.Millisecond))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	release()
	_, err = w.Send(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, ran.Load(), "timed out item must be skipped")
}

func TestWorkerTellExpiredInQueue(t *testing.T) {
	var logs bytes.Buffer
	opts := DefaultWorkerOptions()
	opts.Name = "tell-expired"
	opts.DefaultTimeout = time.Second
	w := NewWorker(opts, slog.New(slog.NewTextHandler(&logs, nil)))

	release := block(t, w)
	var ran atomic.Bool
	assert.NotPanics(t, func() {
		w.Tell(context.Background(), func(context.Context) { ran.Store(true) }, WithTimeout(10*time.Millisecond))
	})

	time.Sleep(50 * time.Millisecond)
	release()
	_, err := w.Send(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	assert.False(t, ran.Load(), "expired tell must not run")
	assert.Contains(t, logs.String(), "tell skipped")
	assert.Contains(t, logs.String(), ErrTimeout.Error())
}

func TestWorkerCancelBeforeStart(t *testing.T) {
	w := newTestWorker("cancel")
	release := block(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		_, err := w.Send(ctx, func(context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		})
		errc <- err
	}()

	assert.Eventually(t, func() bool { return w.Stats().Queued == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-errc
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	release()
	_, err = w.Send(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, ran.Load())
}

func TestWorkerPanicBecomesError(t *testing.T) {
	w := newTestWorker("panic")

	_, err := w.Send(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	})
	assert.ErrorIs(t, err, ErrPanic)

	w.Tell(context.Background(), func(context.Context) { panic("tell boom") })

	v, err := w.Send(context.Background(), func(context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWorkerErrorPropagates(t *testing.T) {
	w := newTestWorker("error")
	want := errors.New("work failed")

	_, err := w.Send(context.Background(), func(context.Context) (any, error) { return nil, want })
	assert.ErrorIs(t, err, want)
}

func TestWorkerClose(t *testing.T) {
	w := newTestWorker("close")
	release := block(t, w)

	var ran atomic.Bool
	w.Tell(context.Background(), func(context.Context) { ran.Store(true) })
	w.Close()

	_, err := w.Send(context.Background(), func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrWorkerClosed)

	release()
	assert.Eventually(t, ran.Load, time.Second, time.Millisecond, "queued work drains after close")
	assert.Equal(t, WorkerStateClosed, w.Stats().State)
}

func TestWorkerCloseAndWait(t *testing.T) {
	w := newTestWorker("drain")
	require.NoError(t, w.CloseAndWait(context.Background()), "idle worker drains at once")

	w = newTestWorker("drain-busy")
	release := block(t, w)
	var ran atomic.Bool
	w.Tell(context.Background(), func(context.Context) { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.CloseAndWait(ctx), ErrTimeout)
	assert.False(t, w.drained())

	_, err := w.runDrained(context.Background(), func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrWorkerClosed)

	release()
	require.NoError(t, w.CloseAndWait(context.Background()))
	assert.True(t, ran.Load(), "queued work runs before drain completes")
	assert.True(t, w.drained())

	chain, err := w.runDrained(context.Background(), func(ctx context.Context) (any, error) {
		return w.Send(ctx, func(ctx context.Context) (any, error) { return CallChainFrom(ctx), nil })
	})
	require.NoError(t, err)
	assert.NotZero(t, chain, "send from a drained item runs inline")
}

func TestWorkerQueueFull(t *testing.T) {
	w := NewWorker(WorkerOptions{Name: "full", MailboxSize: 2, DefaultTimeout: time.Second}, logging.Discard())
	release := block(t, w)
	defer release()

	w.Tell(context.Background(), func(context.Context) {})
	w.Tell(context.Background(), func(context.Context) {})

	_, err := w.Send(context.Background(), func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestWorkerIdleHasNoGoroutine(t *testing.T) {
	w := newTestWorker("idle")
	assert.Equal(t, WorkerStateIdle, w.Stats().State)

	_, err := w.Send(context.Background(), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return w.Stats().State == WorkerStateIdle }, time.Second, time.Millisecond)
	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Zero(t, stats.Queued)
	assert.Equal(t, "idle", stats.State.String())
}

func TestWorkerIdleFor(t *testing.T) {
	w := newTestWorker("idlefor")
	release := block(t, w)
	assert.Zero(t, w.IdleFor(time.Now().Add(time.Hour)))

	release()
	assert.Eventually(t, func() bool { return w.IdleFor(time.Now().Add(time.Hour)) > 0 }, time.Second, time.Millisecond)
}

func TestCallTyped(t *testing.T) {
	w := newTestWorker("typed")
	n, err := Call(context.Background(), w, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	var s Sender = w
	_, err = s.Send(context.Background(), func(context.Context) (any, error) { return "x", nil })
	require.NoError(t, err)
}
