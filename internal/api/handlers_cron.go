package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"attendanced/internal/core"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	Timezone  string   `json:"timezone,omitempty"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleCronPreview lets an operator check a sign-in or sign-out expression
// against the attendance timezone before putting it in the environment.
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "cron expression is required"})
		return
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 14 {
		count = 5
	}
	base := time.Now()
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed
		}
	}

	times := core.NextOccurrences(schedule, base.In(s.location), count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.In(s.location).Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{
		Valid:     true,
		Timezone:  s.location.String(),
		NextTimes: formatted,
	})
}

type scheduleEntry struct {
	Action string `json:"action"`
	Cron   string `json:"cron"`
	Next   string `json:"next"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	entries := make([]scheduleEntry, 0, len(core.Actions))
	if s.schedule != nil {
		now := time.Now()
		for _, action := range core.Actions {
			expr, next, ok := s.schedule.Next(action, now)
			if !ok {
				continue
			}
			entries = append(entries, scheduleEntry{
				Action: string(action),
				Cron:   expr,
				Next:   next.In(s.location).Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timezone": s.location.String(),
		"schedule": entries,
	})
}
