package engine

import (
	"net/url"

	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/messaging"
)

// eventsURL is the destination every engine publishes job lifecycle
// events to on its own LocalProvider instance.
var eventsURL = &url.URL{Scheme: messaging.LocalMsgScheme, Host: "job-events"}

// Event is the payload delivered to a Subscribe listener on every job
// status transition.
type Event struct {
	JobID  string
	Name   string
	Status job.Status
}

// Subscribe registers fn to be called on every job status transition
// the engine records, in the order the transitions happen. fn runs on
// the LocalProvider's own dispatch goroutine, not the scheduler's, so
// it must not block on anything the scheduler itself is waiting for.
func (e *Engine) Subscribe(fn func(Event)) error {
	return e.events.AddListener(eventsURL, func(msg messaging.Message) {
		var jobID, name string
		var status string
		if v, ok := msg.GetStrHeader("jobId"); ok {
			jobID = v
		}
		if v, ok := msg.GetStrHeader("name"); ok {
			name = v
		}
		if v, ok := msg.GetStrHeader("status"); ok {
			status = v
		}
		fn(Event{JobID: jobID, Name: name, Status: job.Status(status)})
	})
}

// publishEvent is best-effort: a full buffer or a closed provider
// (during shutdown) drops the event rather than blocking the
// scheduler goroutine that calls it.
func (e *Engine) publishEvent(j *job.Job, status job.Status) {
	msg, err := e.events.NewMessage(messaging.LocalMsgScheme)
	if err != nil {
		return
	}
	msg.SetStrHeader("jobId", j.ID())
	msg.SetStrHeader("name", j.Name())
	msg.SetStrHeader("status", string(status))
	_ = e.events.Send(eventsURL, msg)
}
