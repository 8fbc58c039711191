// Package engine schedules job.Job values across their localities: it
// owns the pending/running/terminal buckets in store.Store, the
// per-locality dispatch drivers, the shared resource pool, and the
// tick loop that moves ready jobs from pending into execution.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"oss.nandlabs.io/taskflow/chrono"
	"oss.nandlabs.io/taskflow/fnutils"
	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/l3"
	"oss.nandlabs.io/taskflow/lifecycle"
	"oss.nandlabs.io/taskflow/managers"
	"oss.nandlabs.io/taskflow/messaging"
	"oss.nandlabs.io/taskflow/pool"
	"oss.nandlabs.io/taskflow/store"
)

var logger = l3.Get()

const (
	defaultTickInterval    = 50 * time.Millisecond
	defaultCPUSlots        = 4
	defaultThreadPoolSize  = 8
	defaultProcessPoolSize = 4
)

// Engine is the scheduler: it holds the job store, the resource pool,
// the locality drivers and the background tick loop. An Engine is a
// lifecycle.Component; embedding applications Start it once and Stop
// it on shutdown.
type Engine struct {
	*lifecycle.SimpleComponent

	cpuSlots       int
	memSlots       int
	memEnabled     bool
	cachePath      string
	tickInterval   time.Duration
	printTraceback bool
	threadPoolMax  int
	processPoolMax int
	cancelOnExit   bool

	store       *store.Store
	resources   *resourcePool
	drivers     managers.ItemManager[localityDriver]
	cancels     *cancelRegistry
	threadPool  pool.Pool[*threadWorker]
	processPool pool.Pool[*processWorker]
	recurring   chrono.Scheduler
	events      *messaging.LocalProvider

	completions chan completion
	stopCh      chan struct{}
	wg          sync.WaitGroup

	seqMu      sync.Mutex
	threadSeq  int
	processSeq int
}

// EngineSetting configures an Engine at construction time.
type EngineSetting func(*Engine)

// WithCPUSlots sets the total number of CPU slots the scheduler hands
// out to Process and Webapp jobs (and any job with an explicit CPU
// cost). The default is 4.
func WithCPUSlots(n int) EngineSetting {
	return func(e *Engine) { e.cpuSlots = n }
}

// WithMemorySlots enables memory-slot accounting with n total slots.
// Jobs constructed without job.WithResources never count against it.
func WithMemorySlots(n int) EngineSetting {
	return func(e *Engine) {
		e.memSlots = n
		e.memEnabled = true
	}
}

// WithCachePath configures where terminal jobs are mirrored to disk.
// An empty path (the default) keeps terminal jobs in memory only.
func WithCachePath(path string) EngineSetting {
	return func(e *Engine) { e.cachePath = path }
}

// WithTickInterval overrides how often the scheduler scans the
// pending bucket. The default is 50ms.
func WithTickInterval(d time.Duration) EngineSetting {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithPrintTraceback causes a Failed job's stack trace, when one was
// captured, to be logged at Error level together with its error.
func WithPrintTraceback(enabled bool) EngineSetting {
	return func(e *Engine) { e.printTraceback = enabled }
}

// WithThreadPoolSize bounds how many Thread-locality jobs may run
// concurrently. The default is 8.
func WithThreadPoolSize(max int) EngineSetting {
	return func(e *Engine) {
		if max > 0 {
			e.threadPoolMax = max
		}
	}
}

// WithProcessPoolSize bounds how many Process/Webapp-locality child
// processes may run concurrently. The default is 4.
func WithProcessPoolSize(max int) EngineSetting {
	return func(e *Engine) {
		if max > 0 {
			e.processPoolMax = max
		}
	}
}

// WithCancelOnExit changes Stop's exit behaviour: instead of waiting
// for every pending/running job to reach a terminal state, Stop
// cancels them first. The default is to wait for all of them.
func WithCancelOnExit(enabled bool) EngineSetting {
	return func(e *Engine) { e.cancelOnExit = enabled }
}

// New builds an Engine ready to Start. It is not itself running until
// Start is called.
func New(settings ...EngineSetting) (*Engine, error) {
	e := &Engine{
		cpuSlots:       defaultCPUSlots,
		tickInterval:   defaultTickInterval,
		threadPoolMax:  defaultThreadPoolSize,
		processPoolMax: defaultProcessPoolSize,
		cancels:        newCancelRegistry(),
		completions:    make(chan completion, 256),
		stopCh:         make(chan struct{}),
	}
	for _, s := range settings {
		s(e)
	}

	e.store = store.New(e.cachePath)
	e.resources = newResourcePool(e.cpuSlots, e.memSlots, e.memEnabled)
	e.drivers = newDriverRegistry()
	e.recurring = chrono.New()
	e.events = &messaging.LocalProvider{}
	if err := e.events.Setup(); err != nil {
		return nil, fmt.Errorf("engine: could not set up event bus: %w", err)
	}

	threadPool, err := pool.NewPool(e.newThreadWorker, destroyWorker[*threadWorker], 0, e.threadPoolMax, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: could not build thread pool: %w", err)
	}
	if err := threadPool.Start(); err != nil {
		return nil, fmt.Errorf("engine: could not start thread pool: %w", err)
	}
	e.threadPool = threadPool

	processPool, err := pool.NewPool(e.newProcessWorker, destroyWorker[*processWorker], 0, e.processPoolMax, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: could not build process pool: %w", err)
	}
	if err := processPool.Start(); err != nil {
		return nil, fmt.Errorf("engine: could not start process pool: %w", err)
	}
	e.processPool = processPool

	e.SimpleComponent = &lifecycle.SimpleComponent{
		CompId:    "taskflow-engine",
		StartFunc: e.startLoop,
		StopFunc:  e.stopLoop,
	}
	return e, nil
}

func (e *Engine) newThreadWorker() (*threadWorker, error) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.threadSeq++
	return &threadWorker{id: e.threadSeq}, nil
}

func (e *Engine) newProcessWorker() (*processWorker, error) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.processSeq++
	return &processWorker{id: e.processSeq}, nil
}

func destroyWorker[T any](T) error { return nil }

func (e *Engine) startLoop() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
	return e.recurring.Start()
}

// stopLoop implements the engine's exit condition: by default it
// waits for every pending/running job to reach a terminal state
// before tearing the worker pools down; with WithCancelOnExit, it
// cancels them first instead. Either way this runs before stopCh is
// closed, while the tick loop is still draining completions normally.
func (e *Engine) stopLoop() error {
	if e.cancelOnExit {
		e.cancelNonTerminal()
	}
	if err := e.Wait(nil); err != nil {
		logger.WarnF("engine: error waiting for jobs during shutdown: %v", err)
	}

	close(e.stopCh)
	e.wg.Wait()
	_ = e.threadPool.Close()
	_ = e.processPool.Close()
	_ = e.events.Close()
	return e.recurring.Stop()
}

func (e *Engine) cancelNonTerminal() {
	for _, j := range e.nonTerminalJobs() {
		if err := j.Cancel(); err != nil {
			logger.WarnF("engine: could not cancel job %s during shutdown: %v", j.ID(), err)
		}
	}
}

func (e *Engine) nonTerminalJobs() []*job.Job {
	jobs := append([]*job.Job{}, e.store.Pending.Ordered()...)
	return append(jobs, e.store.Running.Ordered()...)
}

// run is the scheduler's own goroutine: it ticks on a fixed interval,
// draining completions and dispatching whatever in the pending bucket
// has become ready.
func (e *Engine) run() {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			e.drainCompletions()
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick drains whatever completions arrived since the last tick, then
// walks the pending bucket in submission order, dispatching every job
// whose condition is satisfied and whose resource request fits. A job
// blocked on CPU (or memory) does not prevent a later job that needs
// only the other resource class from dispatching, but it does prevent
// later jobs needing the same blocked class from jumping the queue.
// A pending job whose upstream future already failed or was cancelled
// is cancelled here directly rather than left to its condition: the
// implicit upstream condition only ever waits for success, so it
// would otherwise never resolve.
func (e *Engine) tick() {
	e.drainCompletions()

	cpuBlocked := false
	memBlocked := false
	for _, j := range e.store.Pending.Ordered() {
		if j.Status() != job.Pending {
			continue
		}
		if cause, failed := j.UpstreamFailure(); failed {
			j.CancelUpstream(cause)
			continue
		}
		if cond := j.Condition(); cond != nil && !cond.Evaluate(e.store) {
			continue
		}
		res := j.Resources()
		if cpuBlocked && res.CPU > 0 {
			continue
		}
		if memBlocked && res.HasMem {
			continue
		}
		if res.CPU > 0 && e.resources.cpuBlocked(res) {
			cpuBlocked = true
			continue
		}
		if res.HasMem && e.resources.memBlocked(res) {
			memBlocked = true
			continue
		}

		if err := j.Emit(); err != nil {
			if errors.Is(err, job.ErrJobEmit) {
				if res.CPU > 0 {
					cpuBlocked = true
				}
				if res.HasMem {
					memBlocked = true
				}
				continue
			}
			logger.WarnF("engine: job %s could not be emitted: %v", j.ID(), err)
		}
	}
}

func (e *Engine) drainCompletions() {
	for {
		select {
		case c := <-e.completions:
			e.handleCompletion(c)
		default:
			return
		}
	}
}

func (e *Engine) handleCompletion(c completion) {
	j := c.job
	e.resources.release(j.Resources())

	if c.status == job.Failed && j.RetriesLeft() > 0 {
		delay := j.RetryDelay()
		j.BeginRetry()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := fnutils.ExecuteAfter(func() {
				j.PrepareRetry()
				e.store.Place(j, job.Pending)
				e.publishEvent(j, job.Pending)
			}, delay); err != nil {
				logger.WarnF("engine: could not schedule retry for job %s: %v", j.ID(), err)
			}
		}()
		return
	}

	if c.status == job.Failed && e.printTraceback && c.stack != "" {
		logger.ErrorF("engine: job %s failed: %v\n%s", j.ID(), c.err, c.stack)
	}
	j.Finish(c.status, c.result, c.err)
	e.store.Place(j, c.status)
}

// Submit registers j with the engine's store and binds it so Emit,
// Cancel, Rerun and friends become usable. The job starts out pending
// and is picked up by the next tick once its condition is satisfied.
func (e *Engine) Submit(j *job.Job) *job.Job {
	j.Bind(e)
	e.store.Add(j)
	e.publishEvent(j, job.Pending)
	return j
}

// SubmitMany submits every job and returns them unchanged, for
// convenient chaining with future-producing call sites.
func (e *Engine) SubmitMany(jobs ...*job.Job) []*job.Job {
	for _, j := range jobs {
		e.Submit(j)
	}
	return jobs
}

// Find looks a submitted job up by id.
func (e *Engine) Find(id string) (*job.Job, bool) {
	return e.store.Find(id)
}

// Recurring schedules fn to run on interval, independent of the job
// graph, using the same chrono.Scheduler idiom as the rest of the
// stack's background jobs.
func (e *Engine) Recurring(id, name string, interval time.Duration, fn chrono.JobFunc, opts ...chrono.JobOption) error {
	return e.recurring.AddIntervalJob(id, name, fn, interval, opts...)
}

// job.Binding implementation. Engine is handed to every submitted Job
// so it can reach the scheduler without job importing engine.

func (e *Engine) Dispatch(j *job.Job) error {
	driver := e.drivers.Get(string(j.Locality()))
	if driver == nil {
		return fmt.Errorf("%w: no driver registered for locality %s", job.ErrRuntime, j.Locality())
	}
	return driver.dispatch(e, j)
}

func (e *Engine) SignalCancel(j *job.Job) {
	if driver := e.drivers.Get(string(j.Locality())); driver != nil {
		driver.signalCancel(e, j)
	}
}

func (e *Engine) ConsumeResource(j *job.Job) bool {
	return e.resources.tryConsume(j.Resources())
}

func (e *Engine) ReleaseResource(j *job.Job) {
	e.resources.release(j.Resources())
}

func (e *Engine) Runnable(j *job.Job) bool {
	return e.drivers.Get(string(j.Locality())) != nil
}

func (e *Engine) Requeue(j *job.Job) {
	e.store.Place(j, job.Pending)
	e.publishEvent(j, job.Pending)
}

func (e *Engine) Transition(j *job.Job, newStatus job.Status) {
	e.store.Place(j, newStatus)
	e.publishEvent(j, newStatus)
}
