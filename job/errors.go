package job

import "errors"

// ErrInvalidState is returned when an operation is attempted while
// the job is not in a state that permits it (e.g. asking for the
// result of a job that has not finished).
var ErrInvalidState = errors.New("job: invalid state for operation")

// ErrJobEmit is returned when a job cannot be moved from pending into
// dispatch: it is not pending, it was never bound to an engine, or the
// engine could not reserve the resources the job declares.
var ErrJobEmit = errors.New("job: cannot emit")

// ErrRuntime wraps an error surfaced by the scheduling machinery
// itself (a locality driver failing to start a worker, a process
// failing to launch) rather than by the user's callable.
var ErrRuntime = errors.New("job: runtime error")

// ErrUpstream marks a job cancelled because a dependency it relied on
// did not finish successfully, or because an argument future it
// depended on never resolved.
var ErrUpstream = errors.New("job: upstream failure")

// ErrUserFailure wraps an error returned by the user-supplied
// callable itself.
var ErrUserFailure = errors.New("job: callable failed")
