package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/randalmurphal/pmrunner/internal/config"
	"github.com/randalmurphal/pmrunner/internal/db"
	"github.com/randalmurphal/pmrunner/internal/dispatcher"
	"github.com/randalmurphal/pmrunner/internal/events"
	"github.com/randalmurphal/pmrunner/internal/executor"
	"github.com/randalmurphal/pmrunner/internal/metrics"
	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/retry"
	"github.com/randalmurphal/pmrunner/internal/session"
	"github.com/randalmurphal/pmrunner/internal/skills"
	"github.com/randalmurphal/pmrunner/internal/stream"
	"github.com/randalmurphal/pmrunner/internal/supervisor"

	"github.com/google/uuid"
)

// queueDBName is the SQLite database file inside the state directory.
const queueDBName = "queue.db"

// supLogMax bounds the in-memory supervision log kept for diagnostics.
const supLogMax = 2000

// loadConfig reads the effective configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}
	return config.Load(wd)
}

// newLogger builds the process logger. Interactive terminals get the
// text handler; pipes and --json get JSON lines.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if !jsonOut && isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runtime holds the wired component stack shared by run and serve.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *db.DB
	store     *queue.Store
	sessions  *session.Store
	skills    *skills.Service
	out       *stream.Log
	sup       *supervisor.Supervisor
	suplog    *executor.SupLog
	client    *executor.Client
	retries   *retry.Manager
	publisher events.Publisher
	metrics   *metrics.Metrics
	disp      *dispatcher.Dispatcher
}

// openRuntime wires the full executor stack against the state
// directory. withMetrics enables the Prometheus registry; one-shot
// commands skip it.
func openRuntime(withMetrics bool) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger()

	database, err := db.Open(filepath.Join(cfg.StateDir, queueDBName))
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		store:    queue.NewStore(database, cfg.Queue.Namespace, queue.WithLogger(logger)),
		sessions: session.NewStore(cfg.StateDir, session.WithLogger(logger)),
		skills:   skills.NewService(cfg.SkillsDir),
	}

	rt.out = stream.NewLog(uuid.NewString(), cfg.Stream.MaxChunks, stream.WithLogger(logger))
	rt.sup, err = supervisor.New(cfg.Executor, cfg.StateDir, rt.out, supervisor.WithLogger(logger))
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	rt.suplog = executor.NewSupLog(supLogMax)
	rt.client = executor.NewClient(rt.sup, rt.out, rt.suplog, logger)
	rt.retries = retry.NewManager(cfg.Retry, cfg.StateDir, retry.WithLogger(logger))
	rt.publisher = events.NewMemoryPublisher()
	if withMetrics {
		rt.metrics = metrics.NewDefault()
	}

	opts := []dispatcher.Option{dispatcher.WithLogger(logger)}
	if rt.metrics != nil {
		opts = append(opts, dispatcher.WithMetrics(rt.metrics))
	}
	rt.disp = dispatcher.New(cfg, rt.store, rt.client, rt.retries, rt.publisher, opts...)

	if err := rt.skills.Reload(); err != nil {
		logger.Warn("skill reload failed", "dir", cfg.SkillsDir, "error", err)
	}

	return rt, nil
}

// Close stops the executor and releases the database.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Executor.StopTimeout)
	defer cancel()
	if err := rt.sup.Stop(ctx); err != nil {
		rt.logger.Warn("executor stop failed", "error", err)
	}
	if mp, ok := rt.publisher.(*events.MemoryPublisher); ok {
		mp.Close()
	}
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("close database failed", "error", err)
	}
}

// openQueue opens just the database and task store, for commands that
// inspect or mutate the queue without running an executor.
func openQueue() (*db.DB, *queue.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := db.Open(filepath.Join(cfg.StateDir, queueDBName))
	if err != nil {
		return nil, nil, nil, err
	}
	return database, queue.NewStore(database, cfg.Queue.Namespace), cfg, nil
}

// SetupSignalHandler returns a context cancelled on SIGINT/SIGTERM.
// A second signal forces immediate exit.
func SetupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s, shutting down gracefully...\n", sig)
		cancel()

		sig = <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s again, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
