package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	if taskType := r.URL.Query().Get("taskType"); taskType != "" {
		JSONResponse(w, map[string]any{"skills": s.skills.ForTaskType(taskType)})
		return
	}
	JSONResponse(w, map[string]any{"skills": s.skills.List()})
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skill, ok := s.skills.Get(r.PathValue("name"))
	if !ok {
		JSONError(w, "skill not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, skill)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.sessions.MaskedAPIKeys()
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"keys": keys})
}

func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		JSONError(w, "key is required", http.StatusBadRequest)
		return
	}

	entry, err := s.sessions.SetAPIKey(r.PathValue("provider"), req.Key)
	if err != nil {
		HandleError(w, err)
		return
	}
	// Never echo the raw key back.
	entry.Key = ""
	JSONResponse(w, entry)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runIDs, err := s.sessions.Runs(r.PathValue("pid"))
	if err != nil {
		HandleError(w, err)
		return
	}
	if runIDs == nil {
		runIDs = []string{}
	}
	JSONResponse(w, map[string]any{"run_ids": runIDs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.sessions.Run(r.PathValue("pid"), r.PathValue("runId"))
	if err != nil {
		JSONError(w, "run not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, run)
}

func (s *Server) handleGetRunLog(w http.ResponseWriter, r *http.Request) {
	lines, err := s.sessions.RunLog(r.PathValue("pid"), r.PathValue("runId"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"lines": lines})
}
