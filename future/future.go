// Package future provides the one-shot result handle returned by a
// job's result-producing arguments. It is deliberately untyped (the
// stored value is any) because a job's callable returns any, and a
// future can be threaded as an argument into a downstream job of a
// different result type.
package future

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNotResolved is wrapped into the error Get returns when the
// future has neither resolved nor failed yet.
var ErrNotResolved = errors.New("future: value not resolved")

type state int32

const (
	pending state = iota
	resolved
	failed
)

// Future is the read side of a job's outcome. Only the owning job
// (via the engine) ever calls Resolve or Fail; every other caller only
// ever calls Resolved, Failed, Get or Done.
type Future struct {
	ownerID string

	st   atomic.Int32
	once sync.Once
	mu   sync.Mutex
	done chan struct{}

	value any
	err   error
}

// New returns a pending Future owned by the job with id ownerID.
func New(ownerID string) *Future {
	return &Future{ownerID: ownerID, done: make(chan struct{})}
}

// OwnerID returns the id of the job whose completion this future
// tracks.
func (f *Future) OwnerID() string {
	return f.ownerID
}

// Resolved reports whether the future carries a value.
func (f *Future) Resolved() bool {
	return state(f.st.Load()) == resolved
}

// Failed reports whether the owning job ended without a value.
func (f *Future) Failed() bool {
	return state(f.st.Load()) == failed
}

// Done returns a channel that closes the instant the future settles,
// whether by Resolve or by Fail.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get returns the resolved value, or an error wrapping ErrNotResolved
// if the future has not settled, or the failure error if it failed.
func (f *Future) Get() (any, error) {
	switch state(f.st.Load()) {
	case resolved:
		f.mu.Lock()
		v := f.value
		f.mu.Unlock()
		return v, nil
	case failed:
		f.mu.Lock()
		err := f.err
		f.mu.Unlock()
		return nil, err
	default:
		return nil, fmt.Errorf("%w: job %s has not completed", ErrNotResolved, f.ownerID)
	}
}

// Resolve settles the future with v. Only the first call of Resolve
// or Fail has any effect.
func (f *Future) Resolve(v any) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value = v
		f.mu.Unlock()
		f.st.Store(int32(resolved))
		close(f.done)
	})
}

// Fail settles the future with err. Only the first call of Resolve or
// Fail has any effect.
func (f *Future) Fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		f.st.Store(int32(failed))
		close(f.done)
	})
}
