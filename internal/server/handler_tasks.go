package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/pkg/model"
)

// listOptions reads limit, offset, state and boot_id from the query string.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: p.name, Message: "must be an integer"})
		}
		*p.dst = n
	}
	opts.State = q.Get("state")
	opts.BootID = q.Get("boot_id")
	opts.Clamp()
	return opts, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	tasks, pg := model.Page(s.kernel.Tasks(opts.State), opts)
	if tasks == nil {
		tasks = []model.Task{}
	}
	respondList(w, reqID, tasks, pg)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid pid",
			model.FieldError{Field: "pid", Message: "must be an integer"}))
		return
	}
	t, ok := s.kernel.Task(pid)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", raw))
		return
	}
	respondOK(w, reqID, t)
}

func (s *Server) handleSpawnTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.workload == nil {
		respondError(w, reqID, http.StatusConflict, model.NewConflictError("task spawning is disabled"))
		return
	}
	var req model.SpawnRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	var fields []model.FieldError
	if req.Kind == "" {
		fields = append(fields, model.FieldError{Field: "kind", Message: "required"})
	}
	if req.Name == "" {
		fields = append(fields, model.FieldError{Field: "name", Message: "required"})
	}
	if req.Nice < sched.MinNice || req.Nice > sched.MaxNice {
		fields = append(fields, model.FieldError{Field: "nice", Message: "must be between -20 and 19"})
	}
	if len(fields) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid spawn request", fields...))
		return
	}

	t, err := s.workload.Spawn(req.Kind, req.Name, req.Nice, req.Domain)
	if err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	view, _ := s.kernel.Task(t.PID())
	s.logger.Info("task spawned", "pid", t.PID(), "kind", req.Kind, "domain", req.Domain)
	respondCreated(w, reqID, view)
}

func (s *Server) handleWorkloadStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.workload == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workload", "default"))
		return
	}
	respondOK(w, reqID, s.workload.Stats())
}
