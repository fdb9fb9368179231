package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/kcore/internal/resdomain"
	"github.com/me/kcore/internal/workload"
	"github.com/me/kcore/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondKernelError maps an error from the kernel views onto a status and
// an API error code.
func respondKernelError(w http.ResponseWriter, reqID string, err error) {
	status, code := http.StatusInternalServerError, model.ErrInternal
	switch {
	case errors.Is(err, resdomain.ErrNotFound):
		status, code = http.StatusNotFound, model.ErrNotFound
	case errors.Is(err, resdomain.ErrExists), errors.Is(err, resdomain.ErrBusy):
		status, code = http.StatusConflict, model.ErrConflict
	case errors.Is(err, resdomain.ErrInvalid), errors.Is(err, workload.ErrUnknownKind):
		status, code = http.StatusBadRequest, model.ErrValidation
	case errors.Is(err, resdomain.ErrPidLimit), errors.Is(err, resdomain.ErrNoMemory):
		status, code = http.StatusTooManyRequests, model.ErrLimit
	}
	respondError(w, reqID, status, &model.APIError{Code: code, Message: err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func decodeJSON(r *http.Request, v any) *model.APIError {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewValidationError("invalid JSON body: " + err.Error())
	}
	return nil
}
