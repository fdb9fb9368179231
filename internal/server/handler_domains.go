package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/kcore/pkg/model"
)

// domainPath returns the domain path captured by a wildcard route.
func domainPath(r *http.Request) string {
	return "/" + chi.URLParam(r, "*")
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	domains, pg := model.Page(s.kernel.Domains(), opts)
	respondList(w, reqID, domains, pg)
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.CreateDomainRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid domain",
			model.FieldError{Field: "name", Message: "required"}))
		return
	}
	if req.Parent == "" {
		req.Parent = "/"
	}
	d, err := s.kernel.CreateDomain(req.Parent, req.Name)
	if err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	s.logger.Info("domain created", "path", d.Path)
	respondCreated(w, reqID, d)
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	d, err := s.kernel.Domain(domainPath(r))
	if err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	respondOK(w, reqID, d)
}

func (s *Server) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	path := domainPath(r)
	if err := s.kernel.RemoveDomain(path); err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	s.logger.Info("domain removed", "path", path)
	respondOK(w, reqID, map[string]string{"path": path, "state": "removed"})
}

// handleReadFiles reads one control file when ?name= is given, otherwise
// all of them.
func (s *Server) handleReadFiles(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	path := domainPath(r)
	if name := r.URL.Query().Get("name"); name != "" {
		f, err := s.kernel.ReadFile(path, name)
		if err != nil {
			respondKernelError(w, reqID, err)
			return
		}
		respondOK(w, reqID, f)
		return
	}
	files, err := s.kernel.ReadFiles(path)
	if err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	respondOK(w, reqID, files)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	path := domainPath(r)
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing control file",
			model.FieldError{Field: "name", Message: "required"}))
		return
	}
	var req model.WriteFileRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if err := s.kernel.WriteFile(path, name, req.Value); err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	s.logger.Info("control file written", "path", path, "file", name, "value", req.Value)
	f, err := s.kernel.ReadFile(path, name)
	if err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	respondOK(w, reqID, f)
}

func (s *Server) handleAttachTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	path := domainPath(r)
	var req model.AttachRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if err := s.kernel.AttachTask(path, req.PID); err != nil {
		respondKernelError(w, reqID, err)
		return
	}
	t, _ := s.kernel.Task(req.PID)
	respondOK(w, reqID, t)
}
