package api

import (
	"net/http"

	"attendanced/internal/core"
)

type indexResponse struct {
	Service   string            `json:"service"`
	Endpoints map[string]string `json:"endpoints"`
}

type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"root":        "/",
		"healthcheck": "/health",
		"signin":      "/signin",
		"signout":     "/signout",
		"jobs":        "/v1/jobs",
		"attempts":    "/v1/attempts",
		"schedule":    "/v1/schedule",
	}
	if s.mcp != nil {
		endpoints["mcp"] = "/mcp"
	}
	writeJSON(w, http.StatusOK, indexResponse{
		Service:   "GreytHR Attendance Automation",
		Endpoints: endpoints,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engine := "enabled"
	switch {
	case s.engine == nil:
		engine = "disabled"
	case !s.engine.Accepting():
		engine = "stopping"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Engine: engine})
}

// handleTrigger answers 200 with the coordinator's acknowledgment. The job's
// outcome is only visible through /v1/jobs, the ledger or the notifier.
func (s *Server) handleTrigger(action core.ActionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.engine == nil {
			writeJSON(w, http.StatusOK, core.Ack{Accepted: false, Reason: core.ReasonDisabled, Action: string(action)})
			return
		}
		ack := s.engine.Trigger(r.Context(), action)
		s.logger.Info("attendance trigger",
			"action", action,
			"accepted", ack.Accepted,
			"reason", ack.Reason,
			"job_id", ack.JobID,
		)
		writeJSON(w, http.StatusOK, ack)
	}
}
