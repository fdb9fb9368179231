package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/kcore/pkg/model"
)

// handleSSESnapshots streams a live snapshot every interval via
// Server-Sent Events until the client disconnects. ?interval= overrides the
// server default; ?count= ends the stream after that many snapshots.
// GET /api/v1/sse/snapshots
func (s *Server) handleSSESnapshots(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	interval := s.sseInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 10*time.Millisecond {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid interval",
				model.FieldError{Field: "interval", Message: "must be a duration of at least 10ms"}))
			return
		}
		interval = d
	}
	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &count); err != nil || count < 1 {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid count",
				model.FieldError{Field: "count", Message: "must be a positive integer"}))
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	if err := sendSSEEvent(w, flusher, "snapshot", s.kernel.Snapshot()); err != nil {
		s.logger.Debug("sse client disconnected", "error", err)
		return
	}
	sent := 1

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for count == 0 || sent < count {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sendSSEEvent(w, flusher, "snapshot", s.kernel.Snapshot()); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
			sent++
		}
	}
	sendSSEEvent(w, flusher, "complete", map[string]int{"sent": sent})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
