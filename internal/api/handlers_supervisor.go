package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/randalmurphal/pmrunner/internal/session"
)

func (s *Server) handleGetGlobalSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.sessions.GlobalSettings()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, settings)
}

func (s *Server) handlePutGlobalSettings(w http.ResponseWriter, r *http.Request) {
	var settings session.SupervisorSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.sessions.SetGlobalSettings(settings); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, settings)
}

func (s *Server) handleGetProjectSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.sessions.ProjectSettings(r.PathValue("pid"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, settings)
}

func (s *Server) handlePutProjectSettings(w http.ResponseWriter, r *http.Request) {
	var settings session.SupervisorSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.sessions.SetProjectSettings(r.PathValue("pid"), settings); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, settings)
}

// handleTimeoutProfiles reports the effective execution deadline per
// task type, in milliseconds.
func (s *Server) handleTimeoutProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := make(map[string]int64, len(s.cfg.Timeouts))
	for taskType, d := range s.cfg.Timeouts {
		profiles[taskType] = d.Milliseconds()
	}
	JSONResponse(w, map[string]any{"profiles": profiles})
}

func (s *Server) handleSupervisorStatus(w http.ResponseWriter, r *http.Request) {
	settings, err := s.sessions.GlobalSettings()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"enabled":  settings.Enabled,
		"executor": s.sup.Status(),
	})
}

func (s *Server) handleSupervisorToggle(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.sessions.ToggleGlobal()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"enabled": enabled})
}

// handleSupervisorLogs serves the categorized supervisor decision log.
func (s *Server) handleSupervisorLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			JSONError(w, "since must be an integer sequence", http.StatusBadRequest)
			return
		}
		JSONResponse(w, map[string]any{"entries": s.suplog.GetSince(since)})
		return
	}

	limit := 100
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			JSONError(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	JSONResponse(w, map[string]any{"entries": s.suplog.GetRecent(limit)})
}

func (s *Server) handleSupervisorTaskLogs(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]any{
		"entries": s.suplog.GetByTaskID(r.PathValue("taskId")),
	})
}
