package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/managers"
)

// completion is the message a locality driver publishes once a
// dispatched job's callable has finished (or been cancelled). The
// scheduler's own goroutine is the only reader, which keeps every
// store mutation on a single goroutine.
type completion struct {
	job    *job.Job
	status job.Status
	result any
	err    error
	// stack is populated alongside a Failed completion; handleCompletion
	// logs it at Error level when the engine was built with
	// WithPrintTraceback(true).
	stack string
}

// localityDriver is the tagged-interface seam between the scheduler
// and a specific execution strategy. Exactly two operations, matching
// the "closed set, no deep inheritance" shape spec.md describes for
// locality variants: resource accounting lives centrally in
// resourcePool since it is identical across localities.
type localityDriver interface {
	// dispatch starts j's callable asynchronously and eventually
	// sends exactly one completion to e.completions.
	dispatch(e *Engine, j *job.Job) error
	// signalCancel asks a running job's worker to stop.
	signalCancel(e *Engine, j *job.Job)
}

func newDriverRegistry() managers.ItemManager[localityDriver] {
	reg := managers.NewItemManager[localityDriver]()
	reg.Register(string(job.Local), &localDriver{})
	reg.Register(string(job.Thread), &threadDriver{})
	reg.Register(string(job.Process), &processDriver{})
	reg.Register(string(job.Webapp), &webappDriver{processDriver: &processDriver{}})
	return reg
}

// cancelRegistry tracks the context.CancelFunc for every job currently
// running under a locality that honours cooperative cancellation.
type cancelRegistry struct {
	mu   sync.Mutex
	fns  map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{fns: make(map[string]context.CancelFunc)}
}

func (c *cancelRegistry) put(id string, fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns[id] = fn
}

func (c *cancelRegistry) pop(id string) (context.CancelFunc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.fns[id]
	delete(c.fns, id)
	return fn, ok
}

// publish sends a completion, logging instead of blocking forever if
// the channel is somehow saturated and the engine is shutting down.
func (e *Engine) publish(c completion) {
	select {
	case e.completions <- c:
	case <-e.stopCh:
		logger.WarnF("engine: dropped completion for job %s during shutdown", c.job.ID())
	}
}

// runCallable executes j's callable under ctx and reports the outcome
// through e.completions. It is shared by localDriver and threadDriver,
// which differ only in which goroutine pool runs it.
func (e *Engine) runCallable(ctx context.Context, j *job.Job) {
	args, kwargs, err := j.ResolveArgs()
	if err != nil {
		e.publish(completion{job: j, status: job.Cancelled, err: err})
		return
	}

	result, err, stack := e.invoke(ctx, j, args, kwargs)
	if ctx.Err() != nil && j.CancelRequested() {
		e.publish(completion{job: j, status: job.Cancelled, err: ctx.Err()})
		return
	}
	if err != nil {
		e.publish(completion{job: j, status: job.Failed, err: fmt.Errorf("%w: %v", job.ErrUserFailure, err), stack: stack})
		return
	}
	e.publish(completion{job: j, status: job.Done, result: result})
}

// invoke calls j's callable and recovers a panic into an error instead
// of letting it take down the goroutine running it, so a misbehaving
// callable is always captured locally on the job rather than crashing
// the engine. stack is populated on any failure (panic or returned
// error) for WithPrintTraceback to log.
func (e *Engine) invoke(ctx context.Context, j *job.Job, args job.Args, kwargs job.KWArgs) (result any, err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	result, err = job.Invoke(j.Callable(), ctx, args, kwargs)
	if err != nil {
		stack = string(debug.Stack())
	}
	return result, err, stack
}

// localDriver runs the callable on its own goroutine, with no pooling
// and (by default) no resource cost. Cancellation relies on ctx.
type localDriver struct{}

func (d *localDriver) dispatch(e *Engine, j *job.Job) error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancels.put(j.ID(), cancel)
	go func() {
		defer cancel()
		defer e.cancels.pop(j.ID())
		e.runCallable(ctx, j)
	}()
	return nil
}

func (d *localDriver) signalCancel(e *Engine, j *job.Job) {
	if cancel, ok := e.cancels.pop(j.ID()); ok {
		cancel()
	}
}

// threadDriver runs the callable on a pooled worker goroutine,
// modelling a background-thread locality. Cancellation is best-effort:
// the context is cancelled, but nothing forces a non-cooperative
// callable to stop.
type threadDriver struct{}

func (d *threadDriver) dispatch(e *Engine, j *job.Job) error {
	worker, err := e.threadPool.Checkout()
	if err != nil {
		return fmt.Errorf("%w: no thread worker available: %v", job.ErrRuntime, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancels.put(j.ID(), cancel)
	go func() {
		defer cancel()
		defer e.cancels.pop(j.ID())
		defer e.threadPool.Checkin(worker)
		e.runCallable(ctx, j)
	}()
	return nil
}

func (d *threadDriver) signalCancel(e *Engine, j *job.Job) {
	if cancel, ok := e.cancels.pop(j.ID()); ok {
		cancel()
	}
}

type threadWorker struct{ id int }
