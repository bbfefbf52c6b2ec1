package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/pmrunner/internal/config"
	"github.com/randalmurphal/pmrunner/internal/events"
	"github.com/randalmurphal/pmrunner/internal/executor"
	"github.com/randalmurphal/pmrunner/internal/metrics"
	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/session"
	"github.com/randalmurphal/pmrunner/internal/skills"
	"github.com/randalmurphal/pmrunner/internal/stream"
	"github.com/randalmurphal/pmrunner/internal/supervisor"
)

// Server is the pmrunner control-plane server.
type Server struct {
	addr   string
	cfg    *config.Config
	mux    *http.ServeMux
	logger *slog.Logger

	store     *queue.Store
	sessions  *session.Store
	skills    *skills.Service
	sup       *supervisor.Supervisor
	suplog    *executor.SupLog
	out       *stream.Log
	publisher events.Publisher
	metrics   *metrics.Metrics
	wsHandler *WSHandler

	httpServer *http.Server
}

// Deps carries the wired components the server exposes.
type Deps struct {
	Config    *config.Config
	Store     *queue.Store
	Sessions  *session.Store
	Skills    *skills.Service
	Sup       *supervisor.Supervisor
	SupLog    *executor.SupLog
	Out       *stream.Log
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates the control-plane server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}

	s := &Server{
		addr:      deps.Config.Server.Addr,
		cfg:       deps.Config,
		mux:       http.NewServeMux(),
		logger:    logger,
		store:     deps.Store,
		sessions:  deps.Sessions,
		skills:    deps.Skills,
		sup:       deps.Sup,
		suplog:    deps.SupLog,
		out:       deps.Out,
		publisher: publisher,
		metrics:   deps.Metrics,
	}
	s.wsHandler = NewWSHandler(publisher, logger)
	s.registerRoutes()
	return s
}

// Handler returns the server's HTTP handler (tests and embedding).
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	// Health check
	s.mux.HandleFunc("GET /api/health", cors(s.handleHealth))

	// Chat surface
	s.mux.HandleFunc("POST /api/projects/{pid}/chat", cors(s.handleChat))
	s.mux.HandleFunc("POST /api/projects/{pid}/respond", cors(s.handleRespond))
	s.mux.HandleFunc("GET /api/projects/{pid}/conversation", cors(s.handleConversation))

	// Tasks
	s.mux.HandleFunc("GET /api/tasks", cors(s.handleListTasks))
	s.mux.HandleFunc("POST /api/tasks", cors(s.handleEnqueueTask))
	s.mux.HandleFunc("GET /api/tasks/{id}", cors(s.handleGetTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", cors(s.handleCancelTask))

	// Runner controls
	s.mux.HandleFunc("GET /api/runner/status", cors(s.handleRunnerStatus))
	s.mux.HandleFunc("POST /api/runner/stop", cors(s.handleRunnerStop))
	s.mux.HandleFunc("POST /api/runner/build", cors(s.handleRunnerBuild))
	s.mux.HandleFunc("POST /api/runner/restart", cors(s.handleRunnerRestart))
	s.mux.HandleFunc("GET /api/runner/preflight", cors(s.handleRunnerPreflight))

	// Supervisor configuration
	s.mux.HandleFunc("GET /api/supervisor/global", cors(s.handleGetGlobalSettings))
	s.mux.HandleFunc("PUT /api/supervisor/global", cors(s.handlePutGlobalSettings))
	s.mux.HandleFunc("GET /api/supervisor/projects/{pid}", cors(s.handleGetProjectSettings))
	s.mux.HandleFunc("PUT /api/supervisor/projects/{pid}", cors(s.handlePutProjectSettings))
	s.mux.HandleFunc("GET /api/supervisor/timeout-profiles", cors(s.handleTimeoutProfiles))
	s.mux.HandleFunc("GET /api/supervisor/status", cors(s.handleSupervisorStatus))
	s.mux.HandleFunc("POST /api/supervisor/toggle", cors(s.handleSupervisorToggle))

	// Supervisor logs
	s.mux.HandleFunc("GET /api/supervisor/logs", cors(s.handleSupervisorLogs))
	s.mux.HandleFunc("GET /api/supervisor/logs/task/{taskId}", cors(s.handleSupervisorTaskLogs))

	// Executor output
	s.mux.HandleFunc("GET /api/executor/logs", cors(s.handleExecutorLogs))
	s.mux.HandleFunc("GET /api/executor/logs/task/{taskId}", cors(s.handleExecutorTaskLogs))
	s.mux.HandleFunc("GET /api/executor/logs/stream", cors(s.handleExecutorStream))
	s.mux.HandleFunc("GET /api/executor/summary", cors(s.handleExecutorSummary))

	// Skills
	s.mux.HandleFunc("GET /api/skills", cors(s.handleListSkills))
	s.mux.HandleFunc("GET /api/skills/{name}", cors(s.handleGetSkill))

	// API keys
	s.mux.HandleFunc("GET /api/keys", cors(s.handleListAPIKeys))
	s.mux.HandleFunc("PUT /api/keys/{provider}", cors(s.handleSetAPIKey))

	// Dev console runs
	s.mux.HandleFunc("GET /api/projects/{pid}/devconsole/runs", cors(s.handleListRuns))
	s.mux.HandleFunc("GET /api/projects/{pid}/devconsole/runs/{runId}", cors(s.handleGetRun))
	s.mux.HandleFunc("GET /api/projects/{pid}/devconsole/runs/{runId}/log", cors(s.handleGetRunLog))

	// Live event feed
	s.mux.HandleFunc("/api/ws", s.wsHandler.ServeHTTP)

	// Prometheus metrics
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]any{
		"status":    "ok",
		"namespace": s.store.Namespace(),
	})
}

// Start runs the HTTP server until the context is cancelled, then
// shuts it down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.wsHandler.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
