package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"oss.nandlabs.io/taskflow/clients"
	restclient "oss.nandlabs.io/taskflow/rest/client"
	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/managers"
)

// ProcessWorkerEnv is the environment variable an embedding
// application's main() checks before doing anything else: if set, the
// process is a re-exec'd worker and should call RunProcessWorker
// instead of starting normally. This mirrors the long-standing Go
// "fake exec" pattern (os/exec's own tests, Moby's reexec package):
// a job system that needs a real OS process per unit of work re-execs
// its own binary rather than forking an unrelated helper.
const ProcessWorkerEnv = "TASKFLOW_WORKER"

const workerFlag = "--taskflow-worker"

var processRegistry = managers.NewItemManager[job.Func]()

// RegisterProcessFunc makes a callable reachable by name from a
// re-exec'd worker process. Process and Webapp locality jobs must use
// a callable registered here (by the name job.New derives for it, or
// the name set with job.WithName) since a child process cannot share
// the parent's closures.
func RegisterProcessFunc(name string, fn job.Func) {
	processRegistry.Register(name, fn)
}

type processRequest struct {
	FuncName string         `json:"funcName"`
	Args     []any          `json:"args"`
	KWArgs   map[string]any `json:"kwargs"`
}

type processResponse struct {
	Result any    `json:"result,omitempty"`
	Err    string `json:"err,omitempty"`
}

// RunProcessWorker is the worker-side entry point: it reads a single
// processRequest from stdin, invokes the registered callable, and
// writes a processResponse to stdout. An embedding application's
// main() calls this and exits when ProcessWorkerEnv is set.
func RunProcessWorker() int {
	var req processRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeResponse(processResponse{Err: fmt.Sprintf("decode request: %v", err)})
		return 1
	}
	fn := processRegistry.Get(req.FuncName)
	if fn == nil {
		writeResponse(processResponse{Err: fmt.Sprintf("no callable registered under name %q", req.FuncName)})
		return 1
	}
	result, err := invokeWorker(fn, req)
	if err != nil {
		writeResponse(processResponse{Err: err.Error()})
		return 1
	}
	writeResponse(processResponse{Result: result})
	return 0
}

// invokeWorker calls fn and recovers a panic into an error, the same
// as the in-process localDriver/threadDriver path, so a misbehaving
// callable reports a clean processResponse.Err instead of crashing the
// worker process with a bare, uninterpretable exit status.
func invokeWorker(fn job.Func, req processRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(context.Background(), job.Args(req.Args), job.KWArgs(req.KWArgs))
}

func writeResponse(resp processResponse) {
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

type processWorker struct{ id int }

// processDriver runs a job's callable in a re-exec'd child process.
// Cancellation kills the child.
type processDriver struct{}

func (d *processDriver) dispatch(e *Engine, j *job.Job) error {
	worker, err := e.processPool.Checkout()
	if err != nil {
		return fmt.Errorf("%w: no process worker available: %v", job.ErrRuntime, err)
	}

	args, kwargs, rerr := j.ResolveArgs()
	if rerr != nil {
		e.processPool.Checkin(worker)
		e.publish(completion{job: j, status: job.Cancelled, err: rerr})
		return nil
	}

	payload, merr := json.Marshal(processRequest{
		FuncName: j.Name(),
		Args:     []any(args),
		KWArgs:   map[string]any(kwargs),
	})
	if merr != nil {
		e.processPool.Checkin(worker)
		return fmt.Errorf("%w: arguments for job %s are not JSON-encodable: %v", job.ErrRuntime, j.ID(), merr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancels.put(j.ID(), cancel)

	cmd := exec.CommandContext(ctx, os.Args[0], workerFlag, j.Name())
	cmd.Env = append(os.Environ(), ProcessWorkerEnv+"=1")
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		cancel()
		e.cancels.pop(j.ID())
		e.processPool.Checkin(worker)
		return fmt.Errorf("%w: could not start worker process for job %s: %v", job.ErrRuntime, j.ID(), err)
	}

	go func() {
		defer cancel()
		defer e.cancels.pop(j.ID())
		defer e.processPool.Checkin(worker)
		e.awaitProcess(ctx, j, cmd, &stdout)
	}()
	return nil
}

func (d *processDriver) signalCancel(e *Engine, j *job.Job) {
	if cancel, ok := e.cancels.pop(j.ID()); ok {
		cancel()
	}
}

// awaitProcess waits for a worker process started by processDriver or
// webappDriver to exit and turns its outcome into a completion.
func (e *Engine) awaitProcess(ctx context.Context, j *job.Job, cmd *exec.Cmd, stdout io.Reader) {
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		status := job.Failed
		if j.CancelRequested() {
			status = job.Cancelled
		}
		e.publish(completion{job: j, status: status, err: ctx.Err()})
		return
	}
	if waitErr != nil {
		e.publish(completion{job: j, status: job.Failed, err: fmt.Errorf("%w: worker process exited: %v", job.ErrRuntime, waitErr)})
		return
	}
	var resp processResponse
	if err := json.NewDecoder(stdout).Decode(&resp); err != nil {
		e.publish(completion{job: j, status: job.Failed, err: fmt.Errorf("%w: could not decode worker response: %v", job.ErrRuntime, err)})
		return
	}
	if resp.Err != "" {
		e.publish(completion{job: j, status: job.Failed, err: fmt.Errorf("%w: %s", job.ErrUserFailure, resp.Err)})
		return
	}
	e.publish(completion{job: j, status: job.Done, result: resp.Result})
}

// webappDriver extends processDriver: the child process is expected
// to bind a network listener and block serving it. In addition to the
// usual exit-based completion, a liveness prober periodically probes
// the listener and kills the process (cancelling the job) if probes trip
// a circuit breaker.
type webappDriver struct {
	*processDriver
}

func (d *webappDriver) dispatch(e *Engine, j *job.Job) error {
	if err := d.processDriver.dispatch(e, j); err != nil {
		return err
	}
	if port := j.Port(); port > 0 {
		go e.probeLiveness(j, port)
	}
	return nil
}

// probeLiveness polls the webapp job's port until the job reaches a
// terminal state or the circuit breaker trips open, in which case the
// job is cancelled.
func (e *Engine) probeLiveness(j *job.Job, port int) {
	c := restclient.NewClient().ReqTimeout(2).UseCircuitBreaker(3, 1, 1, 30)
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-j.Done():
			return
		case <-ticker.C:
			req := c.NewRequest(url, "GET")
			if _, err := c.Execute(req); err != nil {
				if errors.Is(err, clients.ErrCBOpen) {
					logger.WarnF("engine: webapp job %s liveness breaker open, cancelling", j.ID())
					_ = j.Cancel()
					return
				}
			}
		}
	}
}
