package api

import (
	"encoding/json"
	"net/http"

	"github.com/randalmurphal/pmrunner/internal/events"
	"github.com/randalmurphal/pmrunner/internal/supervisor"
)

// handleRunnerStatus reports the executor child process state.
func (s *Server) handleRunnerStatus(w http.ResponseWriter, r *http.Request) {
	st := s.sup.Status()
	JSONResponse(w, map[string]any{
		"isRunning":       st.IsRunning,
		"state":           st.State,
		"pid":             st.PID,
		"uptime_ms":       st.UptimeMs,
		"build_sha":       st.BuildSHA,
		"build_timestamp": st.BuildTimestamp,
	})
}

func (s *Server) handleRunnerStop(w http.ResponseWriter, r *http.Request) {
	oldPID := s.sup.PID()
	if err := s.sup.Stop(r.Context()); err != nil {
		JSONResponse(w, map[string]any{
			"success": false,
			"error":   err.Error(),
			"oldPid":  oldPID,
		})
		return
	}

	s.publisher.Publish(events.New(events.TypeRunner, s.store.Namespace(), "executor stopped"))
	JSONResponse(w, map[string]any{"success": true, "oldPid": oldPID})
}

func (s *Server) handleRunnerBuild(w http.ResponseWriter, r *http.Request) {
	meta, err := s.sup.Build(r.Context())
	if err != nil {
		JSONResponse(w, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	ev := events.New(events.TypeBuild, s.store.Namespace(), "executor rebuilt")
	ev.Details = meta
	s.publisher.Publish(ev)

	JSONResponse(w, map[string]any{"success": true, "buildMeta": meta})
}

// handleRunnerRestart runs stop, optional build, start. On build
// failure the previous executable and build meta survive untouched.
func (s *Server) handleRunnerRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Build bool `json:"build"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := s.sup.Restart(r.Context(), supervisor.RestartOptions{Build: req.Build})
	if err != nil {
		JSONResponse(w, map[string]any{
			"success": false,
			"error":   err.Error(),
			"oldPid":  result.OldPID,
		})
		return
	}

	ev := events.New(events.TypeRunner, s.store.Namespace(), "executor restarted")
	ev.Details = result
	s.publisher.Publish(ev)

	JSONResponse(w, result)
}

func (s *Server) handleRunnerPreflight(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, s.sup.Preflight())
}
