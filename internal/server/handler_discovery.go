package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "kcore API",
		Version:     "v1",
		Description: "Scheduler, RCU and resource-domain state of a running kcore instance",
		Endpoints: []endpointInfo{
			{"/api/v1/info", []string{"GET"}, "Boot identity, uptime and task count"},
			{"/api/v1/cpus", []string{"GET"}, "Per-CPU scheduler, softirq and RCU counters"},
			{"/api/v1/snapshot", []string{"GET"}, "Full live snapshot"},
			{"/api/v1/tasks", []string{"GET", "POST"}, "List tasks (?state=) or spawn a synthetic task"},
			{"/api/v1/tasks/{pid}", []string{"GET"}, "Single task"},
			{"/api/v1/workload", []string{"GET"}, "Synthetic workload progress"},
			{"/api/v1/domains", []string{"GET", "POST"}, "Resource-domain tree"},
			{"/api/v1/domains/{path}", []string{"GET", "DELETE"}, "Single domain"},
			{"/api/v1/files/{path}", []string{"GET", "PUT"}, "Domain control files (?name=)"},
			{"/api/v1/attach/{path}", []string{"POST"}, "Move a task into a domain"},
			{"/api/v1/snapshots", []string{"GET"}, "Stored snapshot history (?boot_id=)"},
			{"/api/v1/snapshots/latest", []string{"GET"}, "Most recent stored snapshot of this boot"},
			{"/api/v1/snapshots/{id}", []string{"GET"}, "Single stored snapshot"},
			{"/api/v1/boots", []string{"GET"}, "Recorded boots"},
			{"/api/v1/sse/snapshots", []string{"GET"}, "Live snapshot stream (Server-Sent Events)"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
