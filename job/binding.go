package job

// Binding is the narrow interface a Job uses to reach the engine it
// was submitted to, without job importing engine (engine imports job,
// so the dependency can only run one way). engine.Engine implements
// this interface and hands itself to a Job when Submit is called.
type Binding interface {
	// Dispatch hands the job to its locality driver for execution. It
	// is only called once the job's status has already been moved to
	// Running and resources reserved.
	Dispatch(j *Job) error
	// SignalCancel asks the locality driver to interrupt a running
	// job. It is best-effort; the actual terminal transition happens
	// later, when the driver reports completion.
	SignalCancel(j *Job)
	// ConsumeResource attempts to reserve the CPU/memory slots the job
	// declares. It returns false if capacity is not currently
	// available.
	ConsumeResource(j *Job) bool
	// ReleaseResource returns previously reserved slots to the pool.
	ReleaseResource(j *Job)
	// Runnable reports whether the engine has a locality driver
	// registered for the job's locality.
	Runnable(j *Job) bool
	// Requeue moves the job back into the pending bucket, used by
	// Rerun and by the engine's own retry logic.
	Requeue(j *Job)
	// Transition moves the job into newStatus in the store, mirroring
	// it to disk when newStatus is terminal.
	Transition(j *Job, newStatus Status)
}
