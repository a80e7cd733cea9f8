package events

import "github.com/valter-silva-au/taskwatch/pkg/models"

// TaskPayload accompanies task.created and task.updated.
type TaskPayload struct {
	Task models.Task
}

// StatusChangePayload accompanies task.status_changed.
type StatusChangePayload struct {
	Task models.Task
	From models.TaskStatus
	To   models.TaskStatus
}

// SubtaskPayload accompanies subtask.completed.
type SubtaskPayload struct {
	TaskID  string
	Index   int
	Subtask models.Subtask
}

// SessionPayload accompanies session.started and session.ended.
type SessionPayload struct {
	Session models.LiveSession
}

// WorkEventPayload accompanies work.event.
type WorkEventPayload struct {
	SessionKey string
	Event      models.WorkEvent
}
