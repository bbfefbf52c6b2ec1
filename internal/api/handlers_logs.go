package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/randalmurphal/pmrunner/internal/stream"
)

// sseHeartbeatInterval keeps idle SSE connections from being reaped by
// proxies.
const sseHeartbeatInterval = 30 * time.Second

// handleExecutorLogs serves retained output chunks.
func (s *Server) handleExecutorLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if taskID := q.Get("taskId"); taskID != "" {
		JSONResponse(w, map[string]any{"chunks": s.out.GetByTaskID(taskID)})
		return
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			JSONError(w, "since must be an integer sequence", http.StatusBadRequest)
			return
		}
		JSONResponse(w, map[string]any{"chunks": s.out.GetSince(since)})
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
	JSONResponse(w, map[string]any{"chunks": s.out.GetRecent(limit)})
}

// handleExecutorTaskLogs serves one task's chunks with the stale
// filter applied when taskCreatedAt is given.
func (s *Server) handleExecutorTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	q := r.URL.Query()

	var createdAt time.Time
	if raw := q.Get("taskCreatedAt"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			JSONError(w, "taskCreatedAt must be RFC3339", http.StatusBadRequest)
			return
		}
		createdAt = t
	}

	chunks := s.out.GetByTaskIDFiltered(taskID, createdAt)
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			JSONError(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		if n > 0 && n < len(chunks) {
			chunks = chunks[len(chunks)-n:]
		}
	}
	JSONResponse(w, map[string]any{"chunks": chunks})
}

// handleExecutorStream is the SSE feed of output chunks. With since
// set, retained chunks after that sequence are replayed first; with
// taskId set, delivery is restricted to that task and the stale filter
// applies to replay and live chunks alike.
func (s *Server) handleExecutorStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	taskID := q.Get("taskId")

	var taskCreatedAt time.Time
	if taskID != "" {
		if task, err := s.store.Get(r.Context(), taskID); err == nil {
			taskCreatedAt = task.CreatedAt
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	writeEvent := func(name string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
		flusher.Flush()
	}

	wants := func(c stream.Chunk) bool {
		if taskID == "" {
			return true
		}
		return c.TaskID == taskID && !stream.Stale(c, taskID, taskCreatedAt)
	}

	writeEvent("connected", map[string]any{
		"session_id": s.out.SessionID(),
		"task_id":    taskID,
	})

	if sinceStr := q.Get("since"); sinceStr != "" {
		if since, err := strconv.ParseInt(sinceStr, 10, 64); err == nil {
			for _, c := range s.out.GetSince(since) {
				if wants(c) {
					writeEvent("output", c)
				}
			}
		}
	}

	// Live chunks are forwarded through a buffered channel so a slow
	// client cannot stall the producer.
	chunks := make(chan stream.Chunk, 256)
	unsubscribe := s.out.Subscribe(func(c stream.Chunk) {
		if !wants(c) {
			return
		}
		select {
		case chunks <- c:
		default:
		}
	})
	defer unsubscribe()

	if s.metrics != nil {
		s.metrics.SSESubscribers.Inc()
		defer s.metrics.SSESubscribers.Dec()
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Terminal event so clients can tell shutdown from a drop.
			writeEvent("close", map[string]any{"reason": "stream closed"})
			return
		case c := <-chunks:
			writeEvent("output", c)
		case <-heartbeat.C:
			writeEvent("heartbeat", map[string]any{"time": time.Now().UTC()})
		}
	}
}

// handleExecutorSummary reports the output log's shape.
func (s *Server) handleExecutorSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"session_id":   s.out.SessionID(),
		"active_tasks": s.out.ActiveTasks(),
		"subscribers":  s.out.SubscriberCount(),
		"task_counts":  counts,
	})
}
