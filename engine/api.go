package engine

import (
	"oss.nandlabs.io/taskflow/future"
	"oss.nandlabs.io/taskflow/job"
)

// SubmitAsync is the non-blocking variant of Submit: acceptance into
// the pending bucket happens on its own goroutine, and the returned
// future resolves to j itself once that happens. Submit itself never
// blocks on anything today, but SubmitAsync exists so callers that
// submit from a context where even a mutex acquisition is unwelcome
// have a non-blocking entry point, per the engine API spec.
func (e *Engine) SubmitAsync(j *job.Job) *future.Future {
	accepted := future.New(j.ID())
	go func() {
		e.Submit(j)
		accepted.Resolve(j)
	}()
	return accepted
}

// Cancel requests cancellation of j. It is equivalent to j.Cancel and
// exists on Engine for callers that only hold a job id's worth of
// context via Find.
func (e *Engine) Cancel(j *job.Job) error {
	return j.Cancel()
}

// WaitJob blocks until j reaches a terminal state, or ctx is done. A
// nil ctx waits indefinitely.
func (e *Engine) WaitJob(j *job.Job, ctx job.Context) error {
	return j.Join(ctx)
}

// Wait blocks until every job currently in the pending or running
// buckets reaches a terminal state, or ctx is done. Jobs submitted
// after Wait starts (including retries and cancellation cascades) are
// also waited on, since Wait re-samples the buckets each pass; it only
// returns once a pass finds nothing left to wait on. A nil ctx waits
// indefinitely.
func (e *Engine) Wait(ctx job.Context) error {
	for {
		jobs := e.nonTerminalJobs()
		if len(jobs) == 0 {
			return nil
		}
		for _, j := range jobs {
			if err := j.Join(ctx); err != nil {
				return err
			}
		}
	}
}

// Open builds and starts an Engine in one call. The returned closer
// stops it; callers defer it immediately:
//
//	e, closeEngine, err := engine.Open(settings...)
//	if err != nil {
//	    return err
//	}
//	defer closeEngine()
func Open(settings ...EngineSetting) (*Engine, func() error, error) {
	e, err := New(settings...)
	if err != nil {
		return nil, nil, err
	}
	if err := e.Start(); err != nil {
		return nil, nil, err
	}
	return e, e.Stop, nil
}

// Run opens an Engine, hands it to fn, and guarantees Stop runs via
// defer before Run returns, matching the scoped-acquisition entry/exit
// the engine API spec describes.
func Run(fn func(e *Engine) error, settings ...EngineSetting) error {
	e, closeEngine, err := Open(settings...)
	if err != nil {
		return err
	}
	defer closeEngine()
	return fn(e)
}
