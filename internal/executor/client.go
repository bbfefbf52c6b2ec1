package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pmerrors "github.com/randalmurphal/pmrunner/internal/errors"
	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/retry"
	"github.com/randalmurphal/pmrunner/internal/stream"
	"github.com/randalmurphal/pmrunner/internal/supervisor"
)

// Client runs tasks on the executor process one at a time. The
// dispatcher is its only caller, so invocations never overlap.
type Client struct {
	sup    *supervisor.Supervisor
	out    *stream.Log
	suplog *SupLog
	logger *slog.Logger
}

// NewClient creates an executor client.
func NewClient(sup *supervisor.Supervisor, out *stream.Log, suplog *SupLog, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{sup: sup, out: out, suplog: suplog, logger: logger}
}

// Invoke sends one task to the executor and reads lines until a result
// or clarification arrives, or the deadline expires. On timeout the
// executor process is stopped (SIGTERM, wait, SIGKILL) and a TIMEOUT
// result is returned so the retry engine can decide what happens next.
func (c *Client) Invoke(ctx context.Context, task *queue.Task, timeout time.Duration, modificationHint string) (*Outcome, error) {
	if err := c.sup.Start(ctx); err != nil {
		return nil, err
	}

	invCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *Outcome, 1)
	start := time.Now()

	// The line handler runs on the supervisor's stdout-reader goroutine
	// and can still fire while the timeout branch below reads the
	// collected output, so access stays behind a mutex.
	var (
		outMu       sync.Mutex
		outputLines []string
	)
	collected := func() string {
		outMu.Lock()
		defer outMu.Unlock()
		return strings.Join(outputLines, "\n")
	}

	c.sup.SetLineHandler(func(line string) {
		parsed := parseLine(task.TaskID, line)
		switch parsed.kind {
		case lineOutput:
			outMu.Lock()
			outputLines = append(outputLines, parsed.text)
			outMu.Unlock()
			c.out.Append(stream.Chunk{
				TaskID:        task.TaskID,
				TaskCreatedAt: task.CreatedAt,
				Stream:        chunkKind(parsed.stream),
				Text:          parsed.text,
			})
		case lineLog:
			if c.suplog != nil {
				c.suplog.Append(Category(parsed.category), task.TaskID, parsed.message)
			}
		case lineResult:
			select {
			case done <- &Outcome{Result: parsed.result}:
			default:
			}
		case lineClarification:
			select {
			case done <- &Outcome{Clarification: parsed.clarification}:
			default:
			}
		}
	})
	defer c.sup.SetLineHandler(nil)

	request, err := EncodeTaskRequest(task, modificationHint)
	if err != nil {
		return nil, fmt.Errorf("encode task request: %w", err)
	}
	if err := c.sup.Send(request); err != nil {
		return nil, err
	}
	c.logger.Info("task sent to executor", "task", task.TaskID, "timeout", timeout)

	select {
	case outcome := <-done:
		outcome.Output = collected()
		outcome.Duration = time.Since(start)
		if outcome.Result != nil {
			outcome.Result.DurationMs = outcome.Duration.Milliseconds()
			if outcome.Result.Output == "" {
				outcome.Result.Output = outcome.Output
			}
		}
		return outcome, nil
	case <-invCtx.Done():
		if ctx.Err() != nil {
			// The runner itself is shutting down.
			return nil, ctx.Err()
		}
		c.logger.Warn("executor deadline expired, stopping process", "task", task.TaskID, "timeout", timeout)
		c.sup.SetLineHandler(nil)
		c.out.Append(stream.Chunk{
			TaskID:        task.TaskID,
			TaskCreatedAt: task.CreatedAt,
			Stream:        stream.KindSystem,
			Text:          fmt.Sprintf("executor timed out after %s", timeout),
		})
		if err := c.sup.Stop(context.Background()); err != nil {
			c.logger.Error("stop after timeout failed", "task", task.TaskID, "error", err)
		}
		timeoutErr := pmerrors.ErrExecutorTimeout(task.TaskID, timeout.String())
		output := collected()
		return &Outcome{
			Result: &retry.TaskResult{
				TaskID:     task.TaskID,
				Status:     retry.ResultTimeout,
				Error:      timeoutErr.Error(),
				Output:     output,
				DurationMs: time.Since(start).Milliseconds(),
			},
			Output:   output,
			Duration: time.Since(start),
		}, nil
	}
}

func chunkKind(s string) stream.Kind {
	switch s {
	case "stderr":
		return stream.KindStderr
	case "system":
		return stream.KindSystem
	case "error":
		return stream.KindError
	default:
		return stream.KindStdout
	}
}
