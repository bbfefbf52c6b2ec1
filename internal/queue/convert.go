package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/pmrunner/internal/db"
)

func taskToRow(t *Task) *db.TaskRow {
	row := &db.TaskRow{
		Namespace:   t.Namespace,
		TaskID:      t.TaskID,
		TaskGroupID: t.TaskGroupID,
		SessionID:   t.SessionID,
		Status:      string(t.Status),
		TaskType:    string(t.TaskType),
		ColorTag:    t.ColorTag,
		Prompt:      t.Prompt,
		CreatedAt:   db.FormatTime(t.CreatedAt),
		UpdatedAt:   db.FormatTime(t.UpdatedAt),
	}
	if t.Output != "" {
		row.Output = sql.NullString{String: t.Output, Valid: true}
	}
	if t.ErrorMessage != "" {
		row.ErrorMessage = sql.NullString{String: t.ErrorMessage, Valid: true}
	}
	if t.Clarification != nil {
		if data, err := json.Marshal(t.Clarification); err == nil {
			row.Clarification = sql.NullString{String: string(data), Valid: true}
		}
	}
	if len(t.ConversationHistory) > 0 {
		if data, err := json.Marshal(t.ConversationHistory); err == nil {
			row.ConversationHistory = sql.NullString{String: string(data), Valid: true}
		}
	}
	if len(t.Events) > 0 {
		if data, err := json.Marshal(t.Events); err == nil {
			row.Events = sql.NullString{String: string(data), Valid: true}
		}
	}
	return row
}

func rowToTask(row *db.TaskRow) (*Task, error) {
	createdAt, err := db.ParseTime(row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", row.TaskID, err)
	}
	updatedAt, err := db.ParseTime(row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", row.TaskID, err)
	}

	t := &Task{
		Namespace:    row.Namespace,
		TaskID:       row.TaskID,
		TaskGroupID:  row.TaskGroupID,
		SessionID:    row.SessionID,
		Status:       Status(row.Status),
		TaskType:     TaskType(row.TaskType),
		ColorTag:     row.ColorTag,
		Prompt:       row.Prompt,
		Output:       row.Output.String,
		ErrorMessage: row.ErrorMessage.String,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if row.Clarification.Valid && row.Clarification.String != "" {
		var c Clarification
		if err := json.Unmarshal([]byte(row.Clarification.String), &c); err != nil {
			return nil, fmt.Errorf("decode clarification for %s: %w", row.TaskID, err)
		}
		t.Clarification = &c
	}
	if row.ConversationHistory.Valid && row.ConversationHistory.String != "" {
		if err := json.Unmarshal([]byte(row.ConversationHistory.String), &t.ConversationHistory); err != nil {
			return nil, fmt.Errorf("decode conversation history for %s: %w", row.TaskID, err)
		}
	}
	if row.Events.Valid && row.Events.String != "" {
		if err := json.Unmarshal([]byte(row.Events.String), &t.Events); err != nil {
			return nil, fmt.Errorf("decode events for %s: %w", row.TaskID, err)
		}
	}
	return t, nil
}

func rowsToTasks(rows []db.TaskRow) ([]*Task, error) {
	tasks := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
