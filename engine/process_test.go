package engine

import (
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/testing/assert"
	"oss.nandlabs.io/taskflow/turbo"
)

// TestMain lets this test binary re-exec itself as a process worker,
// the same fake-exec idiom os/exec's own tests use: a process-locality
// job launches os.Args[0] with workerFlag, and since os.Args[0] here is
// the compiled test binary, it is this TestMain that answers for it.
func TestMain(m *testing.M) {
	RegisterProcessFunc("process_double", func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return args[0].(float64) * 2, nil
	})
	RegisterProcessFunc("process_sleep", func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	})
	RegisterProcessFunc("webapp_healthz", func(ctx job.Context, args job.Args, kwargs job.KWArgs) (any, error) {
		return nil, serveWebappFixture(int(args[0].(float64)))
	})

	if os.Getenv(ProcessWorkerEnv) != "" {
		os.Exit(RunProcessWorker())
	}
	os.Exit(m.Run())
}

// serveWebappFixture stands up a real turbo-routed HTTP listener
// answering /healthz, standing in for an embedding application's
// Webapp-locality callable. It blocks until the process is killed,
// which is how webapp locality actually stops a job: the parent's
// liveness prober or Cancel kills the child process rather than
// relying on cooperative ctx cancellation.
func serveWebappFixture(port int) error {
	router := turbo.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}
	return srv.ListenAndServe()
}

func TestEngine_ProcessJobRunsInChildProcess(t *testing.T) {
	e := newTestEngine(t)

	j := e.Submit(job.New(nil, job.Args{21}, nil,
		job.WithName("process_double"),
		job.WithLocality(job.Process)))

	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Done, j.Status())

	res, err := j.Result()
	assert.NoError(t, err)
	assert.Equal(t, float64(42), res)
}

func TestEngine_WebappJobServesHealthzUntilCancelled(t *testing.T) {
	e := newTestEngine(t)

	const port = 18199
	j := e.Submit(job.New(nil, job.Args{port}, nil,
		job.WithName("webapp_healthz"),
		job.WithLocality(job.Webapp),
		job.WithPort(port)))

	waitFor(t, func() bool { return j.Status() == job.Running })

	var resp *http.Response
	var err error
	waitFor(t, func() bool {
		resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		return err == nil
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.NoError(t, j.Cancel())
	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Cancelled, j.Status())

	_, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	assert.Error(t, err)
}

func TestEngine_CancelProcessJobKillsChild(t *testing.T) {
	e := newTestEngine(t)

	j := e.Submit(job.New(nil, nil, nil,
		job.WithName("process_sleep"),
		job.WithLocality(job.Process)))

	waitFor(t, func() bool { return j.Status() == job.Running })
	assert.NoError(t, j.Cancel())

	waitFor(t, func() bool { return j.Status().Terminal() })
	assert.Equal(t, job.Cancelled, j.Status())
}
