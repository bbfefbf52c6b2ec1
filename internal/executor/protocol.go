// Package executor drives per-task invocations of the executor process
// through the supervisor and parses its stream-json output.
package executor

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/pmrunner/internal/queue"
	"github.com/randalmurphal/pmrunner/internal/retry"
)

// Line types the executor emits on stdout, one JSON object per line.
const (
	lineOutput        = "output"
	lineResult        = "result"
	lineClarification = "clarification"
	lineLog           = "log"
)

// TaskRequest is the line sent to the executor to begin a task.
type TaskRequest struct {
	Type                string          `json:"type"`
	TaskID              string          `json:"task_id"`
	TaskType            string          `json:"task_type"`
	Prompt              string          `json:"prompt"`
	ConversationHistory []queue.Message `json:"conversation_history,omitempty"`
	ModificationHint    string          `json:"modification_hint,omitempty"`
}

// EncodeTaskRequest renders the request as a single protocol line.
func EncodeTaskRequest(t *queue.Task, modificationHint string) (string, error) {
	req := TaskRequest{
		Type:                "task",
		TaskID:              t.TaskID,
		TaskType:            string(t.TaskType),
		Prompt:              t.Prompt,
		ConversationHistory: t.ConversationHistory,
		ModificationHint:    modificationHint,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parsedLine is one decoded stdout line.
type parsedLine struct {
	kind string

	// output
	stream string
	text   string

	// result
	result *retry.TaskResult

	// clarification
	clarification *queue.Clarification

	// log
	category string
	message  string
}

// parseLine decodes one executor stdout line. Lines that are not valid
// protocol JSON are treated as plain stdout output; gjson returns empty
// results for garbage, so nothing here can panic on bad input.
func parseLine(taskID, line string) parsedLine {
	kind := gjson.Get(line, "type").String()
	switch kind {
	case lineOutput:
		return parsedLine{
			kind:   lineOutput,
			stream: gjson.Get(line, "stream").String(),
			text:   gjson.Get(line, "text").String(),
		}
	case lineResult:
		return parsedLine{kind: lineResult, result: parseResult(taskID, line)}
	case lineClarification:
		c := &queue.Clarification{
			Question: gjson.Get(line, "question").String(),
			Context:  gjson.Get(line, "context").String(),
		}
		for _, opt := range gjson.Get(line, "options").Array() {
			c.Options = append(c.Options, opt.String())
		}
		return parsedLine{kind: lineClarification, clarification: c}
	case lineLog:
		return parsedLine{
			kind:     lineLog,
			category: gjson.Get(line, "category").String(),
			message:  gjson.Get(line, "message").String(),
		}
	default:
		return parsedLine{kind: lineOutput, stream: "stdout", text: line}
	}
}

func parseResult(taskID, line string) *retry.TaskResult {
	result := &retry.TaskResult{
		TaskID:     taskID,
		Status:     retry.ResultStatus(gjson.Get(line, "status").String()),
		Output:     gjson.Get(line, "output").String(),
		Error:      gjson.Get(line, "error").String(),
		DurationMs: gjson.Get(line, "duration_ms").Int(),
	}
	for _, qr := range gjson.Get(line, "quality_results").Array() {
		result.QualityResults = append(result.QualityResults, retry.QualityResult{
			Criterion: qr.Get("criterion").String(),
			Passed:    qr.Get("passed").Bool(),
			Details:   qr.Get("details").String(),
		})
	}
	for _, issue := range gjson.Get(line, "detected_issues").Array() {
		result.DetectedIssues = append(result.DetectedIssues, issue.String())
	}
	if result.Status == "" {
		// A result line with no status is not trustworthy; let the
		// retry engine fail closed.
		result.Status = retry.ResultError
	}
	return result
}

// Outcome is what one invocation produced: exactly one of Result or
// Clarification is set.
type Outcome struct {
	Result        *retry.TaskResult
	Clarification *queue.Clarification
	Output        string
	Duration      time.Duration
}
