package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	StatusIdeas      TaskStatus = "ideas"
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusStuck      TaskStatus = "stuck"
	StatusCompleted  TaskStatus = "completed"
	StatusArchived   TaskStatus = "archived"
)

// Legacy status aliases accepted on input and normalized on write.
const (
	legacyDone    TaskStatus = "done"
	legacyBlocked TaskStatus = "blocked"
)

// NormalizeStatus maps legacy status aliases to their canonical values.
// Unknown values are returned unchanged so validation can reject them.
func NormalizeStatus(s TaskStatus) TaskStatus {
	switch s {
	case legacyDone:
		return StatusCompleted
	case legacyBlocked:
		return StatusStuck
	default:
		return s
	}
}

// ValidStatus reports whether s is a canonical task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusIdeas, StatusTodo, StatusInProgress, StatusStuck, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Priority represents the urgency level of a task.
type Priority string

const (
	PriorityUrgent  Priority = "urgent"
	PriorityHigh    Priority = "high"
	PriorityNormal  Priority = "normal"
	PriorityLow     Priority = "low"
	PrioritySomeday Priority = "someday"
)

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow, PrioritySomeday:
		return true
	}
	return false
}

// SubtaskStatus represents the tri-state review lifecycle of a subtask.
type SubtaskStatus string

const (
	SubtaskNew       SubtaskStatus = "new"
	SubtaskInReview  SubtaskStatus = "in_review"
	SubtaskCompleted SubtaskStatus = "completed"
)

// ValidSubtaskStatus reports whether s is a known subtask status.
func ValidSubtaskStatus(s SubtaskStatus) bool {
	switch s {
	case SubtaskNew, SubtaskInReview, SubtaskCompleted:
		return true
	}
	return false
}

// Role identifies who is requesting a subtask transition. Only the
// orchestrator may mark subtasks completed; agents may only propose
// completion by moving a subtask into review.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleAgent        Role = "agent"
)

// Subtask is a single checklist item within a task. Every subtask carries a
// unique non-empty ID assigned at creation, even when texts are duplicated.
type Subtask struct {
	ID          string        `json:"id"`
	Text        string        `json:"text"`
	Status      SubtaskStatus `json:"status"`
	Note        string        `json:"note,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	CompletedBy string        `json:"completedBy,omitempty"`
}

// AgentRef binds a task to the live agent session working on it.
type AgentRef struct {
	SessionKey string `json:"sessionKey"`
	Name       string `json:"name,omitempty"`
}

// Task represents one unit of work in the queue, together with its
// dependency edges, subtasks, and the agent session currently bound to it.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	Subtasks       []Subtask  `json:"subtasks,omitempty"`
	DependsOn      []string   `json:"dependsOn,omitempty"`
	BlockedReasons []string   `json:"blockedReasons,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Project        string     `json:"project,omitempty"`
	Sessions       []string   `json:"sessions,omitempty"`
	ActiveAgent    *AgentRef  `json:"activeAgent,omitempty"`
	NeedsReview    bool       `json:"needsReview,omitempty"`
	CompletedBy    string     `json:"completedBy,omitempty"`
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
	Started        *time.Time `json:"started,omitempty"`
	Completed      *time.Time `json:"completed,omitempty"`
	Archived       *time.Time `json:"archived,omitempty"`
}

// TaskFilter specifies criteria for querying tasks. All specified fields use
// AND logic: a task must match every criterion.
type TaskFilter struct {
	Status   []TaskStatus
	Priority []Priority
	Project  string
	Tags     []string
	Session  string
}

// TaskFile is the top-level structure of the canonical task store document.
type TaskFile struct {
	Version string    `json:"version"`
	Updated time.Time `json:"updated"`
	Tasks   []Task    `json:"tasks"`
}
