package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/kcore/internal/store"
	"github.com/me/kcore/pkg/model"
)

// requireStore reports whether snapshot history is available, writing an
// error response if it is not.
func (s *Server) requireStore(w http.ResponseWriter, reqID string) bool {
	if s.store == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("store", "snapshots"))
		return false
	}
	return true
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	snaps, total, err := s.store.ListSnapshots(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if snaps == nil {
		snaps = []*model.Snapshot{}
	}
	respondList(w, reqID, snaps, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	id := chi.URLParam(r, "id")
	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if snap == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("snapshot", id))
		return
	}
	respondOK(w, reqID, snap)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	bootID := r.URL.Query().Get("boot_id")
	if bootID == "" {
		bootID = s.kernel.BootID()
	}
	snap, err := s.store.LatestSnapshot(r.Context(), bootID)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if snap == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("snapshot of boot", bootID))
		return
	}
	respondOK(w, reqID, snap)
}

func (s *Server) handleListBoots(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	boots, err := s.store.ListBoots(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if boots == nil {
		boots = []*store.Boot{}
	}
	respondList(w, reqID, boots, &model.Pagination{Total: len(boots), Limit: len(boots)})
}
