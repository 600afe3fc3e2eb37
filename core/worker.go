package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Call chains mark the logical request a work item belongs to. A submission
// carrying the chain the target worker is executing right now runs inline.

var chainCounter atomic.Int64

type chainKey struct{}

// NewCallChain returns a fresh chain id.
func NewCallChain() int64 {
	return chainCounter.Add(1)
}

// WithCallChain returns a context carrying chain.
func WithCallChain(ctx context.Context, chain int64) context.Context {
	return context.WithValue(ctx, chainKey{}, chain)
}

// CallChainFrom returns the chain carried by ctx, or 0.
func CallChainFrom(ctx context.Context) int64 {
	chain, _ := ctx.Value(chainKey{}).(int64)
	return chain
}

const (
	taskPending int32 = iota
	taskRunning
	taskAbandoned
)

type result struct {
	value any
	err   error
}

type task struct {
	ctx      context.Context
	chain    int64
	fn       Func
	deadline time.Time
	state    atomic.Int32

	// nil for Tell
	done chan result
}

func (t *task) finish(v any, err error) {
	if t.done != nil {
		t.done <- result{value: v, err: err}
	}
}

// SendOption configures a single submission.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout    time.Duration
	checkChain bool
}

// WithTimeout bounds the time between submission and the start of the work
// item.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = d
	}
}

// WithCallChainCheck controls whether a submission on the caller's own chain
// runs inline. It is on by default.
func WithCallChainCheck(check bool) SendOption {
	return func(o *sendOptions) {
		o.checkChain = check
	}
}

// Sender is anything that accepts awaited work.
type Sender interface {
	Send(ctx context.Context, fn Func, opts ...SendOption) (any, error)
}

// Worker executes work items one at a time in submission order. No goroutine
// is attached while the queue is empty.
type Worker struct {
	name   string
	logger *slog.Logger
	opts   WorkerOptions

	mu      sync.Mutex
	mailbox []*task
	running bool
	closed  bool

	// closed by pop once the mailbox runs dry; see CloseAndWait
	drainedCh chan struct{}

	// chain of the work item being executed, 0 when idle
	current atomic.Int64

	processed    atomic.Uint64
	createdAt    time.Time
	lastActiveAt atomic.Int64 // UnixNano
}

// NewWorker creates an idle worker.
func NewWorker(opts WorkerOptions, logger *slog.Logger) *Worker {
	defaults := DefaultWorkerOptions()
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaults.MailboxSize
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaults.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	w := &Worker{
		name:      opts.Name,
		logger:    logger,
		opts:      opts,
		createdAt: now,
	}
	w.lastActiveAt.Store(now.UnixNano())
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) options(opts []SendOption) sendOptions {
	o := sendOptions{timeout: w.opts.DefaultTimeout, checkChain: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = w.opts.DefaultTimeout
	}
	return o
}

// IsNeedEnqueue reports whether work submitted from ctx must be queued, and
// the chain it should carry. A ctx without a chain gets a new one.
func (w *Worker) IsNeedEnqueue(ctx context.Context) (bool, int64) {
	chain := CallChainFrom(ctx)
	if chain == 0 {
		return true, NewCallChain()
	}
	if chain == w.current.Load() {
		return false, chain
	}
	return true, chain
}

// Tell queues action and returns immediately. Failures are logged.
func (w *Worker) Tell(ctx context.Context, action Action, opts ...SendOption) {
	o := w.options(opts)

	t := &task{
		ctx:      WithCallChain(ctx, NewCallChain()),
		fn:       func(ctx context.Context) (any, error) { action(ctx); return nil, nil },
		deadline: time.Now().Add(o.timeout),
	}
	t.chain = CallChainFrom(t.ctx)

	if err := w.push(t); err != nil {
		w.logger.Error("tell dropped", slog.String("worker", w.name), slog.Any("error", err))
	}
}

// Send runs fn on the worker and waits for its result. The timeout counts
// from submission; a running item is never interrupted, but the caller stops
// waiting once the deadline passes.
func (w *Worker) Send(ctx context.Context, fn Func, opts ...SendOption) (any, error) {
	o := w.options(opts)

	var chain int64
	if o.checkChain {
		var enqueue bool
		enqueue, chain = w.IsNeedEnqueue(ctx)
		if !enqueue {
			return w.invoke(ctx, fn)
		}
	} else {
		chain = NewCallChain()
	}

	t := &task{
		ctx:      WithCallChain(ctx, chain),
		chain:    chain,
		fn:       fn,
		deadline: time.Now().Add(o.timeout),
		done:     make(chan result, 1),
	}
	if err := w.push(t); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(t.deadline))
	defer timer.Stop()

	select {
	case r := <-t.done:
		return r.value, r.err
	case <-timer.C:
		t.state.CompareAndSwap(taskPending, taskAbandoned)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, w.name, o.timeout)
	case <-ctx.Done():
		t.state.CompareAndSwap(taskPending, taskAbandoned)
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Call is Send with a typed result.
func Call[T any](ctx context.Context, s Sender, fn func(ctx context.Context) (T, error), opts ...SendOption) (T, error) {
	var zero T
	v, err := s.Send(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return typed, nil
}

func (w *Worker) push(t *task) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerClosed, w.name)
	}
	if len(w.mailbox) >= w.opts.MailboxSize {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s has %d items", ErrQueueFull, w.name, len(w.mailbox))
	}
	w.mailbox = append(w.mailbox, t)
	start := !w.running
	w.running = true
	w.mu.Unlock()

	if start {
		go w.drain()
	}
	return nil
}

func (w *Worker) pop() *task {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.mailbox) == 0 {
		w.mailbox = nil
		w.running = false
		if w.drainedCh != nil {
			close(w.drainedCh)
			w.drainedCh = nil
		}
		return nil
	}
	t := w.mailbox[0]
	w.mailbox[0] = nil
	w.mailbox = w.mailbox[1:]
	return t
}

// drain runs queued items until the mailbox is empty.
func (w *Worker) drain() {
	for t := w.pop(); t != nil; t = w.pop() {
		w.execute(t)
	}
}

func (w *Worker) execute(t *task) {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return
	}

	if err := t.ctx.Err(); err != nil {
		w.skip(t, fmt.Errorf("%w: %w", ErrCancelled, err))
		return
	}
	if time.Now().After(t.deadline) {
		w.skip(t, fmt.Errorf("%w: %s", ErrTimeout, w.name))
		return
	}

	w.current.Store(t.chain)
	v, err := w.invoke(t.ctx, t.fn)
	w.current.Store(0)

	if err != nil && t.done == nil {
		w.logger.Error("tell failed", slog.String("worker", w.name), slog.Any("error", err))
	}
	t.finish(v, err)
}

func (w *Worker) skip(t *task, err error) {
	if t.done == nil {
		w.logger.Warn("tell skipped", slog.String("worker", w.name), slog.Any("error", err))
	}
	t.finish(nil, err)
}

// invoke runs fn and turns a panic into an error.
func (w *Worker) invoke(ctx context.Context, fn Func) (v any, err error) {
	defer func() {
		w.processed.Add(1)
		w.lastActiveAt.Store(time.Now().UnixNano())

		if r := recover(); r != nil {
			w.logger.Error("work item panicked",
				slog.String("worker", w.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			v, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// Close rejects further submissions. Queued items still run.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// CloseAndWait closes the worker and waits until every queued item has run.
func (w *Worker) CloseAndWait(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	if w.drainedCh == nil {
		w.drainedCh = make(chan struct{})
	}
	ch := w.drainedCh
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: draining %s: %w", ErrTimeout, w.name, ctx.Err())
	}
}

// drained reports a closed worker with nothing queued or running.
func (w *Worker) drained() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed && !w.running
}

// runDrained runs fn on the caller as the worker's current item, so Sends
// back to this worker run inline. The worker must be drained.
func (w *Worker) runDrained(ctx context.Context, fn Func) (any, error) {
	if !w.drained() {
		return nil, fmt.Errorf("%w: %s is not drained", ErrWorkerClosed, w.name)
	}
	chain := NewCallChain()
	w.current.Store(chain)
	defer w.current.Store(0)
	return w.invoke(WithCallChain(ctx, chain), fn)
}

// Stats returns current runtime statistics for this Worker.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	queued := len(w.mailbox)
	state := WorkerStateIdle
	switch {
	case w.closed:
		state = WorkerStateClosed
	case w.running:
		state = WorkerStateRunning
	}
	w.mu.Unlock()

	return WorkerStats{
		Name:         w.name,
		State:        state,
		Processed:    w.processed.Load(),
		Queued:       queued,
		CreatedAt:    w.createdAt,
		LastActiveAt: time.Unix(0, w.lastActiveAt.Load()),
	}
}

// IdleFor returns how long the worker has had no activity. A worker with
// queued or running work is never idle.
func (w *Worker) IdleFor(now time.Time) time.Duration {
	w.mu.Lock()
	busy := w.running || len(w.mailbox) > 0
	w.mu.Unlock()
	if busy {
		return 0
	}
	return now.Sub(time.Unix(0, w.lastActiveAt.Load()))
}
