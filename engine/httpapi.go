package engine

import (
	"net/http"

	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/rest"
	"oss.nandlabs.io/taskflow/rest/server"
	"oss.nandlabs.io/taskflow/store"
)

// jobView is the JSON shape returned by the inspection API. It mirrors
// store.Record rather than exposing *job.Job directly, since a job's
// future and callable are not meaningful outside the process.
type jobView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Locality  string `json:"locality"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func toView(j *job.Job) jobView {
	v := jobView{
		ID:        j.ID(),
		Name:      j.Name(),
		Status:    string(j.Status()),
		Locality:  string(j.Locality()),
		CreatedAt: j.CreatedAt().Format("2006-01-02T15:04:05Z07:00"),
	}
	if j.Status() == job.Done {
		res, _ := j.Result()
		v.Result = res
	}
	if exc := j.Exception(); exc != nil {
		v.Error = exc.Error()
	}
	return v
}

// Serve stands up a read/control HTTP surface over the engine: GET
// /jobs/{id} reports one job's current view, GET /jobs lists every
// job currently in the store, and POST /jobs/{id}/cancel cancels a
// pending or running job. opts follows the same server.Options shape
// any other HTTP endpoint in the stack uses.
func (e *Engine) Serve(opts *server.Options) (server.Server, error) {
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}

	if err := srv.Get("/jobs/{id}", func(ctx server.Context) {
		id, _ := ctx.GetParam("id", server.PathParam)
		j, ok := e.Find(id)
		if !ok {
			ctx.SetStatusCode(http.StatusNotFound)
			return
		}
		_ = ctx.Write(toView(j), rest.JSONContentType)
	}); err != nil {
		return nil, err
	}

	if err := srv.Get("/jobs", func(ctx server.Context) {
		views := make([]jobView, 0)
		for _, b := range []*store.Bucket{e.store.Pending, e.store.Running, e.store.Done, e.store.Failed, e.store.Cancelled} {
			for _, j := range b.Ordered() {
				views = append(views, toView(j))
			}
		}
		_ = ctx.Write(views, rest.JSONContentType)
	}); err != nil {
		return nil, err
	}

	if err := srv.Post("/jobs/{id}/cancel", func(ctx server.Context) {
		id, _ := ctx.GetParam("id", server.PathParam)
		j, ok := e.Find(id)
		if !ok {
			ctx.SetStatusCode(http.StatusNotFound)
			return
		}
		if err := j.Cancel(); err != nil {
			ctx.SetStatusCode(http.StatusConflict)
			_ = ctx.Write(map[string]string{"error": err.Error()}, rest.JSONContentType)
			return
		}
		ctx.SetStatusCode(http.StatusAccepted)
	}); err != nil {
		return nil, err
	}

	return srv, nil
}
