package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/randalmurphal/pmrunner/internal/events"
	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/session"
	"github.com/randalmurphal/pmrunner/internal/skills"
)

// chatRequest is the POST chat payload.
type chatRequest struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
}

// chatResponse mirrors what the chat UI renders after sending.
type chatResponse struct {
	UserMessage      session.Message `json:"userMessage"`
	AssistantMessage session.Message `json:"assistantMessage"`
	RunID            string          `json:"runId"`
	TaskGroupID      string          `json:"taskGroupId"`
}

// handleChat enqueues a task from a chat message and records both
// sides of the exchange on the session conversation.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		JSONError(w, "content is required", http.StatusBadRequest)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.out.SessionID()
	}

	taskType := queue.TaskType(req.TaskType)
	colorTag := ""
	if taskType == "" {
		taskType, colorTag = s.detectTaskType(req.Content)
	}

	task, err := s.store.Enqueue(r.Context(), queue.EnqueueRequest{
		SessionID: sessionID,
		Prompt:    req.Content,
		TaskType:  taskType,
		ColorTag:  colorTag,
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	userMsg, err := s.sessions.AppendMessage(pid, sessionID, session.Message{
		Role:    "user",
		Content: req.Content,
		TaskID:  task.TaskID,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	assistant := session.Message{
		Role:    "assistant",
		Content: "Task queued.",
		TaskID:  task.TaskID,
	}
	if _, err := s.sessions.AppendMessage(pid, sessionID, assistant); err != nil {
		HandleError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.TasksEnqueued.WithLabelValues(s.store.Namespace(), string(task.TaskType)).Inc()
	}
	ev := events.New(events.TypeTaskEnqueued, s.store.Namespace(), "task enqueued from chat")
	ev.ProjectID = pid
	ev.SessionID = sessionID
	ev.TaskID = task.TaskID
	s.publisher.Publish(ev)

	JSONResponse(w, chatResponse{
		UserMessage:      userMsg.Messages[len(userMsg.Messages)-1],
		AssistantMessage: assistant,
		RunID:            task.TaskID,
		TaskGroupID:      task.TaskGroupID,
	})
}

// detectTaskType picks a task type and color from the loaded skills
// whose names appear in the message; IMPLEMENTATION otherwise.
func (s *Server) detectTaskType(content string) (queue.TaskType, string) {
	if s.skills == nil {
		return queue.TaskTypeImplementation, ""
	}
	lower := strings.ToLower(content)
	var match *skills.Skill
	for _, skill := range s.skills.List() {
		if strings.Contains(lower, strings.ToLower(skill.Skill)) {
			match = skill
			break
		}
	}
	if match == nil || len(match.TaskTypes) == 0 {
		return queue.TaskTypeImplementation, ""
	}
	return queue.TaskType(match.TaskTypes[0]), match.ColorTag
}

// respondRequest answers an AWAITING_RESPONSE task.
type respondRequest struct {
	TaskID   string `json:"task_id"`
	Response string `json:"response"`
}

// handleRespond resumes an AWAITING_RESPONSE task with the user's
// answer and re-queues it.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.Response == "" {
		JSONError(w, "task_id and response are required", http.StatusBadRequest)
		return
	}

	task, err := s.store.ResumeWithResponse(r.Context(), req.TaskID, req.Response)
	if err != nil {
		HandleError(w, err)
		return
	}

	if _, err := s.sessions.AppendMessage(pid, task.SessionID, session.Message{
		Role:    "user",
		Content: req.Response,
		TaskID:  task.TaskID,
	}); err != nil {
		HandleError(w, err)
		return
	}

	ev := events.New(events.TypeClarification, s.store.Namespace(), "clarification answered")
	ev.ProjectID = pid
	ev.SessionID = task.SessionID
	ev.TaskID = task.TaskID
	s.publisher.Publish(ev)

	JSONResponse(w, task)
}

// handleConversation lists a session's conversation. The session query
// parameter defaults to the live output stream's session.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.out.SessionID()
	}

	conv, err := s.sessions.Conversation(pid, sessionID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, conv)
}
