package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"oss.nandlabs.io/taskflow/future"
	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/testing/assert"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(WithTickInterval(5 * time.Millisecond))
	assert.NoError(t, err)
	assert.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestEngine_LocalJobRunsToCompletion(t *testing.T) {
	e := newTestEngine(t)

	add := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return args[0].(int) + args[1].(int), nil
	})
	j := e.Submit(job.New(add, job.Args{2, 3}, nil))

	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Done, j.Status())

	res, err := j.Result()
	assert.NoError(t, err)
	assert.Equal(t, 5, res)
}

func TestEngine_FailedCallablePropagatesError(t *testing.T) {
	e := newTestEngine(t)

	boom := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return nil, errors.New("boom")
	})
	j := e.Submit(job.New(boom, nil, nil))

	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Failed, j.Status())
	assert.True(t, errors.Is(j.Exception(), job.ErrUserFailure))
}

func TestEngine_PanickingCallableIsCapturedAsUserFailure(t *testing.T) {
	e := newTestEngine(t)

	panicky := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		panic("callable blew up")
	})
	j := e.Submit(job.New(panicky, nil, nil))

	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Failed, j.Status())
	assert.True(t, errors.Is(j.Exception(), job.ErrUserFailure))

	// the engine itself must still be alive and able to run more jobs
	ok := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return "still alive", nil
	})
	j2 := e.Submit(job.New(ok, nil, nil))
	waitFor(t, func() bool { return j2.Status().Terminal() })
	assert.Equal(t, job.Done, j2.Status())
}

func TestEngine_DownstreamJobWaitsOnUpstreamFuture(t *testing.T) {
	e := newTestEngine(t)

	double := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return args[0].(int) * 2, nil
	})
	upstream := e.Submit(job.New(double, job.Args{21}, nil))
	downstream := e.Submit(job.New(double, job.Args{upstream.Future()}, nil))

	waitFor(t, func() bool { return downstream.Status().Terminal() })
	assert.Equal(t, job.Done, downstream.Status())
	res, err := downstream.Result()
	assert.NoError(t, err)
	assert.Equal(t, 84, res)
}

func TestEngine_DownstreamJobCancelledWhenUpstreamFails(t *testing.T) {
	e := newTestEngine(t)

	boom := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return nil, errors.New("boom")
	})
	add := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return args[0].(int) + 1, nil
	})

	upstream := e.Submit(job.New(boom, nil, nil))
	downstream := e.Submit(job.New(add, job.Args{1, upstream.Future()}, nil))

	waitFor(t, func() bool { return downstream.Status().Terminal() })
	assert.Equal(t, job.Failed, upstream.Status())
	assert.Equal(t, job.Cancelled, downstream.Status())
	assert.True(t, errors.Is(downstream.Exception(), job.ErrUpstream))
}

func TestEngine_DownstreamJobCancelledTransitively(t *testing.T) {
	e := newTestEngine(t)

	boom := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return nil, errors.New("boom")
	})
	relay := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return args[0], nil
	})

	root := e.Submit(job.New(boom, nil, nil))
	mid := e.Submit(job.New(relay, job.Args{root.Future()}, nil))
	leaf := e.Submit(job.New(relay, job.Args{mid.Future()}, nil))

	waitFor(t, func() bool { return leaf.Status().Terminal() })
	assert.Equal(t, job.Failed, root.Status())
	assert.Equal(t, job.Cancelled, mid.Status())
	assert.Equal(t, job.Cancelled, leaf.Status())
}

func TestEngine_RetriesBeforeFailing(t *testing.T) {
	e := newTestEngine(t)

	attempts := 0
	flaky := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		attempts++
		return nil, errors.New("still broken")
	})
	j := e.Submit(job.New(flaky, nil, nil, job.WithRetries(2, time.Millisecond)))

	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Failed, j.Status())
	assert.Equal(t, 3, attempts)
}

func TestEngine_CPUSlotsLimitConcurrency(t *testing.T) {
	e, err := New(WithTickInterval(5*time.Millisecond), WithCPUSlots(1))
	assert.NoError(t, err)
	assert.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})

	withCPU := job.WithResources(job.Resources{CPU: 1})
	j1 := e.Submit(job.New(slow, nil, nil, job.WithLocality(job.Thread), withCPU))
	j2 := e.Submit(job.New(slow, nil, nil, job.WithLocality(job.Thread), withCPU))
	_ = j1
	_ = j2

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first job never started")
	}
	select {
	case <-started:
		t.Fatal("second job started while CPU slot was held")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
}

func TestEngine_CancelPendingJobNeverRuns(t *testing.T) {
	e := newTestEngine(t)

	ran := false
	fn := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		ran = true
		return nil, nil
	})
	blocker := future.New("blocker")
	j := e.Submit(job.New(fn, job.Args{blocker}, nil))

	assert.NoError(t, j.Cancel())
	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Cancelled, j.Status())
	assert.False(t, ran)
}

func TestEngine_JoinBlocksUntilTerminal(t *testing.T) {
	e := newTestEngine(t)

	fn := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	})
	j := e.Submit(job.New(fn, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, j.Join(ctx))
	assert.Equal(t, job.Done, j.Status())
}

func TestEngine_SubscribeObservesLifecycleEvents(t *testing.T) {
	e := newTestEngine(t)

	var mu sync.Mutex
	var statuses []job.Status
	assert.NoError(t, e.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, ev.Status)
	}))

	fn := job.Func(func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return nil, nil
	})
	j := e.Submit(job.New(fn, nil, nil))

	waitFor(t, func() bool { return j.Status().Terminal() })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, job.Pending, statuses[0])
	assert.Equal(t, job.Done, statuses[len(statuses)-1])
}
