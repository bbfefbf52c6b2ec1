package api

import (
	"encoding/json"
	"net/http"

	"github.com/randalmurphal/pmrunner/internal/events"
	"github.com/randalmurphal/pmrunner/internal/queue"
)

// handleListTasks lists tasks, optionally filtered by session or group.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		tasks []*queue.Task
		err   error
	)
	switch {
	case q.Get("session") != "":
		tasks, err = s.store.ListSession(r.Context(), q.Get("session"))
	case q.Get("group") != "":
		tasks, err = s.store.ListGroup(r.Context(), q.Get("group"))
	default:
		tasks, err = s.store.ListRecent(r.Context(), 0)
	}
	if err != nil {
		HandleError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*queue.Task{}
	}
	JSONResponse(w, map[string]any{"tasks": tasks})
}

// enqueueRequest is the direct enqueue payload.
type enqueueRequest struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"session_id,omitempty"`
	TaskGroupID string `json:"task_group_id,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	ColorTag    string `json:"color_tag,omitempty"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task, err := s.store.Enqueue(r.Context(), queue.EnqueueRequest{
		SessionID:   req.SessionID,
		TaskGroupID: req.TaskGroupID,
		Prompt:      req.Prompt,
		TaskType:    queue.TaskType(req.TaskType),
		ColorTag:    req.ColorTag,
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.TasksEnqueued.WithLabelValues(s.store.Namespace(), string(task.TaskType)).Inc()
	}
	ev := events.New(events.TypeTaskEnqueued, s.store.Namespace(), "task enqueued")
	ev.SessionID = task.SessionID
	ev.TaskID = task.TaskID
	s.publisher.Publish(ev)

	JSONResponseStatus(w, task, http.StatusCreated)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	task, err := s.store.UpdateStatus(r.Context(), taskID, queue.StatusCancelled, queue.StatusUpdate{})
	if err != nil {
		HandleError(w, err)
		return
	}

	ev := events.New(events.TypeTaskStatus, s.store.Namespace(), "task cancelled")
	ev.SessionID = task.SessionID
	ev.TaskID = task.TaskID
	s.publisher.Publish(ev)

	JSONResponse(w, task)
}
