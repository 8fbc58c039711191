// Package job defines the unit of work the engine schedules: its
// state machine, its locality, its resource declaration and its
// condition gate. A Job never talks to the store or the scheduler
// directly; it is handed a Binding by the engine that submitted it,
// keeping job import-free of engine and avoiding an import cycle.
package job

import (
	"fmt"
	"sync"
	"time"

	"oss.nandlabs.io/taskflow/conditions"
	"oss.nandlabs.io/taskflow/future"
	"oss.nandlabs.io/taskflow/l3"
	"oss.nandlabs.io/taskflow/uuid"
)

var logger = l3.Get()

// Resources is the CPU/memory slot cost a job declares to the
// engine's scheduler. A zero value means the job consumes no slots at
// all (the default for Local and Thread localities).
type Resources struct {
	CPU    int
	Mem    int
	HasMem bool
}

// Job is a single unit of work submitted to an engine.
type Job struct {
	mu sync.Mutex

	id       string
	name     string
	callable any
	args     Args
	kwargs   KWArgs

	locality  Locality
	resources Resources
	port      int

	retries     int
	retryDelay  time.Duration
	retryLeft   int
	condition   conditions.Condition
	onSuccess   func(result any)
	onError     func(err error)
	onCancel    func()

	status    Status
	result    any
	exception error

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	fut  *future.Future
	term chan struct{}

	binding         Binding
	cancelRequested bool
}

// Option configures a Job at construction time.
type Option func(*Job)

// WithName overrides the derived callable name.
func WithName(name string) Option {
	return func(j *Job) { j.name = name }
}

// WithLocality selects where the job's callable executes. The
// default is Local.
func WithLocality(l Locality) Option {
	return func(j *Job) { j.locality = l }
}

// WithResources overrides the locality's default resource cost.
func WithResources(r Resources) Option {
	return func(j *Job) { j.resources = r }
}

// WithPort declares the listener port a Webapp locality job binds.
// The engine's liveness prober uses it; other localities ignore it.
func WithPort(port int) Option {
	return func(j *Job) { j.port = port }
}

// WithRetries sets how many additional attempts are made after a
// callable failure, each delayed by d.
func WithRetries(count int, delay time.Duration) Option {
	return func(j *Job) {
		j.retries = count
		j.retryDelay = delay
	}
}

// WithCondition gates the job behind an explicit condition, conjuncted
// with any implicit upstream condition derived from future arguments.
func WithCondition(c conditions.Condition) Option {
	return func(j *Job) { j.condition = conditions.And(j.condition, c) }
}

// WithOnSuccess registers a callback invoked once the job reaches
// Done, with the callable's result.
func WithOnSuccess(f func(result any)) Option {
	return func(j *Job) { j.onSuccess = f }
}

// WithOnError registers a callback invoked once the job reaches
// Failed, with the callable's error.
func WithOnError(f func(err error)) Option {
	return func(j *Job) { j.onError = f }
}

// WithOnCancel registers a callback invoked once the job reaches
// Cancelled.
func WithOnCancel(f func()) Option {
	return func(j *Job) { j.onCancel = f }
}

// New constructs a pending job for the given callable. Any *future.Future
// found inside args/kwargs contributes an implicit AfterSuccess
// condition on its owning job, conjuncted with whatever WithCondition
// supplies.
func New(callable any, args Args, kwargs KWArgs, opts ...Option) *Job {
	id, err := uuid.V4()
	idStr := "job"
	if err == nil {
		idStr = id.String()
	}

	j := &Job{
		id:        idStr,
		name:      deriveName(callable),
		callable:  callable,
		args:      args,
		kwargs:    kwargs,
		locality:  Local,
		status:    Pending,
		createdAt: now(),
		term:      make(chan struct{}),
	}
	j.fut = future.New(j.id)

	for _, opt := range opts {
		opt(j)
	}
	if j.resources.CPU == 0 && !j.resources.HasMem {
		j.resources.CPU = j.locality.DefaultCPU()
	}
	j.retryLeft = j.retries

	j.condition = conditions.And(implicitUpstreamCondition(args, kwargs), j.condition)

	return j
}

// Restore reconstructs a terminal Job from a persisted record. It is
// for store.UpdateFromCache's use only, to give the terminal buckets
// something to hold after a restart: the returned Job has no
// callable and no binding, so Emit/Rerun/Cancel behave as they would
// for any other unbound job (ErrJobEmit/ErrInvalidState), but ID,
// Name, Status, Locality, Result, Exception and the timestamps all
// read back exactly as persisted, and Future() resolves immediately.
func Restore(id, name string, status Status, locality Locality, result any, cause error, createdAt, startedAt, endedAt time.Time) *Job {
	j := &Job{
		id:        id,
		name:      name,
		locality:  locality,
		status:    status,
		result:    result,
		exception: cause,
		createdAt: createdAt,
		startedAt: startedAt,
		endedAt:   endedAt,
		term:      make(chan struct{}),
	}
	close(j.term)
	j.fut = future.New(id)
	switch status {
	case Done:
		j.fut.Resolve(result)
	case Failed, Cancelled:
		j.fut.Fail(cause)
	}
	return j
}

// implicitUpstreamCondition returns an AllSatisfied combinator
// requiring every job whose future is referenced by args/kwargs to
// have completed successfully, or nil if none are referenced.
func implicitUpstreamCondition(args Args, kwargs KWArgs) conditions.Condition {
	var conds []conditions.Condition
	walkFutures(args, kwargs, func(f *future.Future) {
		conds = append(conds, conditions.AfterSuccess(f.OwnerID()))
	})
	if len(conds) == 0 {
		return nil
	}
	return conditions.NewAllSatisfied(conds...)
}

func walkFutures(args Args, kwargs KWArgs, visit func(*future.Future)) {
	for _, a := range args {
		if f, ok := a.(*future.Future); ok {
			visit(f)
		}
	}
	for _, v := range kwargs {
		if f, ok := v.(*future.Future); ok {
			visit(f)
		}
	}
}

func now() time.Time { return time.Now() }

// ID returns the job's unique id.
func (j *Job) ID() string { return j.id }

// Name returns the human-readable name derived from (or assigned to)
// the callable.
func (j *Job) Name() string { return j.name }

// Locality returns the execution locality.
func (j *Job) Locality() Locality { return j.locality }

// Resources returns the declared resource cost.
func (j *Job) Resources() Resources { return j.resources }

// Port returns the listener port declared with WithPort, or 0.
func (j *Job) Port() int { return j.port }

// Done returns a channel closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.term
}

// Condition returns the job's composed readiness condition, or nil if
// the job has none.
func (j *Job) Condition() conditions.Condition {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.condition
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Future returns the job's result handle.
func (j *Job) Future() *future.Future { return j.fut }

// Callable returns the raw callable the job was constructed with.
func (j *Job) Callable() any { return j.callable }

// Args and KWArgs return the argument lists the job was constructed
// with, including any unresolved future placeholders.
func (j *Job) Args() Args     { return j.args }
func (j *Job) KWArgs() KWArgs { return j.kwargs }

// RetriesLeft reports how many attempts remain after the current one.
func (j *Job) RetriesLeft() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.retryLeft
}

// RetryDelay returns the delay before a retried attempt.
func (j *Job) RetryDelay() time.Duration { return j.retryDelay }

// CreatedAt, StartedAt and EndedAt return the job's lifecycle
// timestamps. StartedAt and EndedAt are zero until reached.
func (j *Job) CreatedAt() time.Time { return j.createdAt }
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}
func (j *Job) EndedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.endedAt
}

// bind attaches the engine binding. Called once by the engine when
// the job is submitted.
func (j *Job) bind(b Binding) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.binding = b
}

// Bind is the exported form engine.Engine uses at submission time.
func (j *Job) Bind(b Binding) { j.bind(b) }

// HasResource, ConsumeResource, ReleaseResource and Runnable delegate
// to the bound engine. An unbound job always reports false for all
// four, matching the boundary behaviour of a job constructed without
// ever being submitted to an engine.
func (j *Job) HasResource() bool {
	j.mu.Lock()
	b := j.binding
	j.mu.Unlock()
	return b != nil && b.Runnable(j)
}

func (j *Job) ConsumeResource() bool {
	j.mu.Lock()
	b := j.binding
	j.mu.Unlock()
	return b != nil && b.ConsumeResource(j)
}

func (j *Job) ReleaseResource() bool {
	j.mu.Lock()
	b := j.binding
	j.mu.Unlock()
	if b == nil {
		return false
	}
	b.ReleaseResource(j)
	return true
}

func (j *Job) Runnable() bool {
	j.mu.Lock()
	b := j.binding
	j.mu.Unlock()
	return b != nil && b.Runnable(j)
}

// Emit moves the job from Pending into Running and hands it to the
// locality driver. It fails with ErrJobEmit if the job is not pending,
// was never bound to an engine, or resources could not be reserved.
func (j *Job) Emit() error {
	j.mu.Lock()
	if j.status != Pending || j.binding == nil {
		j.mu.Unlock()
		return fmt.Errorf("%w: job %s is not pending or unbound", ErrJobEmit, j.id)
	}
	binding := j.binding
	j.mu.Unlock()

	if !binding.ConsumeResource(j) {
		return fmt.Errorf("%w: job %s could not reserve resources", ErrJobEmit, j.id)
	}

	j.mu.Lock()
	j.status = Running
	j.startedAt = now()
	j.mu.Unlock()
	binding.Transition(j, Running)

	if err := binding.Dispatch(j); err != nil {
		binding.ReleaseResource(j)
		j.mu.Lock()
		j.status = Pending
		j.mu.Unlock()
		binding.Transition(j, Pending)
		return fmt.Errorf("%w: %v", ErrJobEmit, err)
	}
	return nil
}

// Rerun re-enters pending from any terminal state, clearing the
// previous result/exception and resetting the retry budget. It fails
// with ErrInvalidState if the job was never submitted or is still
// running.
func (j *Job) Rerun() error {
	j.mu.Lock()
	if j.binding == nil {
		j.mu.Unlock()
		return fmt.Errorf("%w: job %s was never submitted", ErrInvalidState, j.id)
	}
	if !j.status.Terminal() {
		j.mu.Unlock()
		return fmt.Errorf("%w: job %s is not in a terminal state", ErrInvalidState, j.id)
	}
	binding := j.binding
	j.status = Pending
	j.result = nil
	j.exception = nil
	j.retryLeft = j.retries
	j.startedAt = time.Time{}
	j.endedAt = time.Time{}
	j.term = make(chan struct{})
	j.fut = future.New(j.id)
	j.cancelRequested = false
	j.mu.Unlock()

	binding.Requeue(j)
	return nil
}

// Join blocks until the job reaches a terminal state, or ctx is done.
// It fails with ErrInvalidState if the job was never submitted.
func (j *Job) Join(ctx Context) error {
	j.mu.Lock()
	if j.binding == nil {
		j.mu.Unlock()
		return fmt.Errorf("%w: job %s was never submitted", ErrInvalidState, j.id)
	}
	term := j.term
	j.mu.Unlock()

	if ctx == nil {
		<-term
		return nil
	}
	select {
	case <-term:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the callable's return value. It fails with
// ErrInvalidState unless the job has reached Done.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != Done {
		return nil, fmt.Errorf("%w: job %s is not done", ErrInvalidState, j.id)
	}
	return j.result, nil
}

// Exception returns the error the job ended with, if any.
func (j *Job) Exception() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exception
}

// Cancel transitions the job to Cancelled. A pending job is cancelled
// synchronously. A running job is signalled through its locality
// driver; the actual transition happens once the driver reports the
// worker stopped. Cancelling an already-terminal job is a no-op.
func (j *Job) Cancel() error {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return nil
	}
	binding := j.binding
	status := j.status
	j.mu.Unlock()

	if binding == nil {
		j.finish(Cancelled, nil, fmt.Errorf("%w: cancelled before submission", ErrUpstream))
		return nil
	}

	if status == Pending {
		j.finish(Cancelled, nil, fmt.Errorf("%w: cancelled while pending", ErrUpstream))
		binding.Transition(j, Cancelled)
		return nil
	}

	j.mu.Lock()
	j.cancelRequested = true
	j.mu.Unlock()
	binding.SignalCancel(j)
	return nil
}

// CancelRequested reports whether Cancel has been called on a
// currently running job. Locality drivers poll this between steps of
// cooperative execution.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

// UpstreamFailure reports the cause and true if any future referenced
// by args/kwargs belongs to a job that already failed or was
// cancelled. The implicit upstream condition composed in New can only
// ever wait for AfterSuccess, so it never becomes true once an
// upstream job has failed; the scheduler calls this directly, ahead
// of Condition.Evaluate, so a doomed pending job is cancelled instead
// of waiting forever.
func (j *Job) UpstreamFailure() (error, bool) {
	var cause error
	walkFutures(j.args, j.kwargs, func(f *future.Future) {
		if cause != nil || !f.Failed() {
			return
		}
		_, err := f.Get()
		cause = fmt.Errorf("%w: dependency %s did not complete successfully: %v", ErrUpstream, f.OwnerID(), err)
	})
	return cause, cause != nil
}

// CancelUpstream cancels a still-pending job whose dependency failed
// or was cancelled, attributing cause instead of the generic
// "cancelled while pending" message Cancel uses for an explicit
// caller-initiated cancellation.
func (j *Job) CancelUpstream(cause error) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	binding := j.binding
	j.mu.Unlock()

	j.finish(Cancelled, nil, cause)
	if binding != nil {
		binding.Transition(j, Cancelled)
	}
}

// ResolveArgs replaces every *future.Future found in args/kwargs with
// its settled value. It is called by the engine right before
// dispatch, once the job's condition has been satisfied. It returns
// ErrUpstream if any referenced future did not resolve successfully.
func (j *Job) ResolveArgs() (Args, KWArgs, error) {
	resolvedArgs := make(Args, len(j.args))
	for i, a := range j.args {
		v, err := resolveValue(a)
		if err != nil {
			return nil, nil, err
		}
		resolvedArgs[i] = v
	}
	var resolvedKWArgs KWArgs
	if j.kwargs != nil {
		resolvedKWArgs = make(KWArgs, len(j.kwargs))
		for k, a := range j.kwargs {
			v, err := resolveValue(a)
			if err != nil {
				return nil, nil, err
			}
			resolvedKWArgs[k] = v
		}
	}
	return resolvedArgs, resolvedKWArgs, nil
}

func resolveValue(v any) (any, error) {
	f, ok := v.(*future.Future)
	if !ok {
		return v, nil
	}
	if !f.Resolved() {
		return nil, fmt.Errorf("%w: dependency %s did not resolve", ErrUpstream, f.OwnerID())
	}
	resolved, err := f.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return resolved, nil
}

// finish performs the terminal transition shared by all three outcome
// paths (success, failure, cancellation), firing the matching
// callback and settling the future exactly once.
func (j *Job) finish(status Status, result any, cause error) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.status = status
	j.result = result
	j.exception = cause
	j.endedAt = now()
	term := j.term
	j.mu.Unlock()

	switch status {
	case Done:
		j.fut.Resolve(result)
		if j.onSuccess != nil {
			j.onSuccess(result)
		}
	case Failed:
		j.fut.Fail(cause)
		if j.onError != nil {
			j.onError(cause)
		}
	case Cancelled:
		j.fut.Fail(cause)
		if j.onCancel != nil {
			j.onCancel()
		}
	}
	close(term)
	logger.DebugF("job %s (%s) finished with status %s", j.id, j.name, status)
}

// Finish is the exported form the engine calls once a dispatched
// callable (or a cancellation acknowledgement) completes.
func (j *Job) Finish(status Status, result any, cause error) {
	j.finish(status, result, cause)
}

// PrepareRetry resets a failed-but-retrying job back to Pending
// without touching its result, future or retry budget. Unlike Rerun,
// it is called by the engine between a failed attempt and the next
// one, not by a caller re-submitting a terminal job.
func (j *Job) PrepareRetry() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = Pending
	j.startedAt = time.Time{}
}

// BeginRetry decrements the retry budget and returns false if none
// remain.
func (j *Job) BeginRetry() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retryLeft <= 0 {
		return false
	}
	j.retryLeft--
	return true
}
