package web

import (
	"net/http"

	"github.com/nugget/homesim/internal/buildinfo"
	"github.com/nugget/homesim/internal/connwatch"
	"github.com/nugget/homesim/internal/statewindow"
)

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	Entries []statewindow.Entry `json:"entries"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                    `json:"status"`
	Services []connwatch.ServiceStatus `json:"services"`
	Build    map[string]string         `json:"build"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.model.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HistoryResponse{Entries: s.model.History()})
}

// handleHealth answers 200 while the broker link is up and 503
// otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:   "unavailable",
		Services: []connwatch.ServiceStatus{},
		Build:    buildinfo.Info(),
	}
	code := http.StatusServiceUnavailable

	if s.health != nil {
		resp.Services = s.health.Status()
		if s.health.Ready() {
			resp.Status = "ok"
			code = http.StatusOK
		}
	}
	s.writeJSON(w, code, resp)
}
