package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"attendanced/internal/core"
	"attendanced/internal/store"

	"github.com/go-chi/chi/v5"
)

type attemptResponse struct {
	ID         string  `json:"id"`
	Action     string  `json:"action"`
	Day        string  `json:"day"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
	Outcome    string  `json:"outcome"`
	Label      string  `json:"label"`
	Status     int     `json:"status,omitempty"`
	Body       string  `json:"body,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	Source     string  `json:"source"`
	Tries      int     `json:"tries"`
	Duplicate  bool    `json:"duplicate,omitempty"`
}

type jobResponse struct {
	ID         string           `json:"id"`
	Action     string           `json:"action"`
	State      string           `json:"state"`
	AcceptedAt string           `json:"accepted_at"`
	FinishedAt *string          `json:"finished_at,omitempty"`
	Attempt    *attemptResponse `json:"attempt,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "automation engine is disabled")
		return
	}
	jobID := chi.URLParam(r, "jobID")
	handle, ok := s.engine.Job(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, s.jobToResponse(handle))
}

func (s *Server) handleLatestJobs(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "automation engine is disabled")
		return
	}
	actions := core.Actions
	if raw := r.URL.Query().Get("action"); raw != "" {
		action, err := core.ParseAction(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		actions = []core.ActionKind{action}
	}
	jobs := make([]jobResponse, 0, len(actions))
	for _, action := range actions {
		if handle, ok := s.engine.Latest(action); ok {
			jobs = append(jobs, s.jobToResponse(handle))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "attempt ledger is not configured")
		return
	}
	var filter store.Filter
	query := r.URL.Query()
	if raw := query.Get("action"); raw != "" {
		action, err := core.ParseAction(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		filter.Action = action
	}
	if day := query.Get("day"); day != "" {
		if _, err := time.Parse(core.DayLayout, day); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "day must be YYYY-MM-DD")
			return
		}
		filter.Day = day
	}
	limit := parseIntDefault(query.Get("limit"), 20)
	if limit > 200 {
		limit = 200
	}
	offset := parseIntDefault(query.Get("offset"), 0)

	attempts, err := s.history.ListAttempts(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("list attempts", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list attempts")
		return
	}
	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, s.attemptToResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": resp})
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "attempt ledger is not configured")
		return
	}
	attemptID := chi.URLParam(r, "attemptID")
	attempt, err := s.history.GetAttempt(r.Context(), attemptID)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "attempt not found")
		} else {
			s.logger.Error("get attempt", "attempt_id", attemptID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load attempt")
		}
		return
	}
	writeJSON(w, http.StatusOK, s.attemptToResponse(attempt))
}

func (s *Server) jobToResponse(h core.JobHandle) jobResponse {
	resp := jobResponse{
		ID:         h.ID,
		Action:     string(h.Action),
		State:      string(h.State),
		AcceptedAt: s.formatTime(h.AcceptedAt),
		FinishedAt: s.formatTimePtr(h.FinishedAt),
	}
	if h.Attempt != nil {
		attempt := s.attemptToResponse(h.Attempt)
		resp.Attempt = &attempt
	}
	return resp
}

func (s *Server) attemptToResponse(a *core.Attempt) attemptResponse {
	resp := attemptResponse{
		ID:         a.ID,
		Action:     string(a.Action),
		Day:        a.Day,
		StartedAt:  s.formatTime(a.StartedAt),
		FinishedAt: s.formatTimePtr(a.FinishedAt),
		Source:     string(a.Source),
		Tries:      a.Tries,
		Duplicate:  a.Duplicate,
	}
	// An unfinished attempt has no outcome yet.
	if a.FinishedAt != nil {
		resp.Outcome = string(a.Outcome.Kind)
		resp.Label = a.Outcome.String()
		resp.Status = a.Outcome.Status
		resp.Body = a.Outcome.Body
		resp.Detail = a.Outcome.Detail
	}
	return resp
}

func (s *Server) formatTime(t time.Time) string {
	return t.In(s.location).Format(time.RFC3339)
}

func (s *Server) formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := s.formatTime(*t)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
