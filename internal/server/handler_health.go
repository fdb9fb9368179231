package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	BootID    string `json:"boot_id"`
	Store     string `json:"store"`
	Workload  string `json:"workload"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		BootID:    s.kernel.BootID(),
		Store:     "disabled",
		Workload:  "disabled",
	}
	if s.store != nil {
		resp.Store = "sqlite"
	}
	if s.workload != nil {
		resp.Workload = "enabled"
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.kernel.Info())
}

func (s *Server) handleCPUs(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.kernel.Snapshot().CPUs)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.kernel.Snapshot())
}
