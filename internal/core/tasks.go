// Package core contains the business logic for taskwatch: the task/subtask
// state machine, dependency validation, and configuration.
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// Store is the subset of storage.TaskStore that TaskService needs. Defining
// it here keeps core independent of the storage package.
type Store interface {
	Tasks() []models.Task
	Get(id string) (*models.Task, error)
	Put(task models.Task) error
	Remove(id string) error
	MirrorArchived(task models.Task) error
}

// TaskUpdate is a partial merge applied to an existing task. Nil pointer
// fields leave the current value unchanged.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *models.TaskStatus
	Priority    *models.Priority
	DependsOn   *[]string
	Tags        *[]string
	Project     *string
	AddSubtasks []string
	AddSession  string
	AddBlocked  string
	ActiveAgent *models.AgentRef
	ClearAgent  bool
	NeedsReview *bool
	CompletedBy *string
}

// TaskService implements the task/subtask state machine on top of a Store.
// All mutations validate first and commit second: a rejected call leaves
// both the store and the task untouched.
type TaskService interface {
	Create(task models.Task) (*models.Task, error)
	Update(id string, update TaskUpdate) (*models.Task, error)
	Delete(id string) error
	Archive(id string) (*models.Task, error)
	Get(id string) (*models.Task, error)
	Query(filter models.TaskFilter) []models.Task
	SetStatus(id string, status models.TaskStatus) (*models.Task, error)

	UpdateSubtaskStatus(taskID string, index int, status models.SubtaskStatus, role models.Role, note string) (*models.Task, error)
	CompleteSubtaskForSession(taskID string, index int, sessionKey string) (*models.Task, error)
	ApproveSubtask(taskID string, index int) (*models.Task, error)
	RejectSubtask(taskID string, index int, note string) (*models.Task, error)

	IsBlocked(id string) (bool, error)
	BlockingTasks(id string) ([]models.Task, error)
	DependentTasks(id string) ([]models.Task, error)
}

type taskService struct {
	store Store
	bus   events.Bus
	now   func() time.Time
}

// NewTaskService creates a TaskService with all dependencies injected. The
// bus may be nil in tests.
func NewTaskService(store Store, bus events.Bus) TaskService {
	return &taskService{store: store, bus: bus, now: func() time.Time { return time.Now().UTC() }}
}

func (s *taskService) publish(topic events.Topic, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// Create validates and persists a new task. A missing ID, status, or
// priority is filled with defaults; subtasks get unique IDs.
func (s *taskService) Create(task models.Task) (*models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if existing, _ := s.store.Get(task.ID); existing != nil {
		return nil, &models.ValidationError{Field: "id", Reason: fmt.Sprintf("task %s already exists", task.ID)}
	}
	if task.Title == "" {
		return nil, &models.ValidationError{Field: "title", Reason: "must not be empty"}
	}

	task.Status = models.NormalizeStatus(task.Status)
	if task.Status == "" {
		task.Status = models.StatusTodo
	}
	if !models.ValidStatus(task.Status) {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", task.Status)}
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(task.Priority) {
		return nil, &models.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", task.Priority)}
	}

	for i := range task.Subtasks {
		if task.Subtasks[i].ID == "" {
			task.Subtasks[i].ID = uuid.NewString()
		}
		if task.Subtasks[i].Status == "" {
			task.Subtasks[i].Status = models.SubtaskNew
		}
	}

	if err := s.validateDependencies(task.ID, task.DependsOn); err != nil {
		return nil, err
	}

	now := s.now()
	task.Created = now
	task.Updated = now
	if task.Status == models.StatusInProgress {
		task.Started = &now
	}

	if err := s.store.Put(task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	s.publish(events.TopicTaskCreated, events.TaskPayload{Task: task})
	return &task, nil
}

// Update applies a partial merge to an existing task. Dependency and status
// changes are validated before anything is committed.
func (s *taskService) Update(id string, update TaskUpdate) (*models.Task, error) {
	current, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	task := *current
	prevStatus := task.Status

	if update.Title != nil {
		if *update.Title == "" {
			return nil, &models.ValidationError{Field: "title", Reason: "must not be empty"}
		}
		task.Title = *update.Title
	}
	if update.Description != nil {
		task.Description = *update.Description
	}
	if update.Priority != nil {
		if !models.ValidPriority(*update.Priority) {
			return nil, &models.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", *update.Priority)}
		}
		task.Priority = *update.Priority
	}
	if update.Tags != nil {
		task.Tags = append([]string(nil), (*update.Tags)...)
	}
	if update.Project != nil {
		task.Project = *update.Project
	}
	if update.DependsOn != nil {
		deps := append([]string(nil), (*update.DependsOn)...)
		if err := s.validateDependencies(id, deps); err != nil {
			return nil, err
		}
		task.DependsOn = deps
	}
	for _, text := range update.AddSubtasks {
		task.Subtasks = append(task.Subtasks, models.Subtask{
			ID:     uuid.NewString(),
			Text:   text,
			Status: models.SubtaskNew,
		})
	}
	if update.AddSession != "" {
		task.Sessions = appendUnique(task.Sessions, update.AddSession)
	}
	if update.AddBlocked != "" {
		task.BlockedReasons = appendUnique(task.BlockedReasons, update.AddBlocked)
	}
	if update.ClearAgent {
		task.ActiveAgent = nil
	} else if update.ActiveAgent != nil {
		ref := *update.ActiveAgent
		task.ActiveAgent = &ref
	}
	if update.NeedsReview != nil {
		task.NeedsReview = *update.NeedsReview
	}
	if update.CompletedBy != nil {
		task.CompletedBy = *update.CompletedBy
	}
	if update.Status != nil {
		if err := s.applyStatus(&task, *update.Status); err != nil {
			return nil, err
		}
	}

	task.Updated = s.now()
	if err := s.store.Put(task); err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}

	s.publish(events.TopicTaskUpdated, events.TaskPayload{Task: task})
	if task.Status != prevStatus {
		s.notifyStatusChange(task, prevStatus)
	}
	return &task, nil
}

// SetStatus is sugar over Update for a bare status transition.
func (s *taskService) SetStatus(id string, status models.TaskStatus) (*models.Task, error) {
	return s.Update(id, TaskUpdate{Status: &status})
}

// applyStatus runs the status state machine on the task copy: legacy aliases
// are normalized, and entering in-progress, completed, or archived stamps
// the corresponding timestamp exactly once.
func (s *taskService) applyStatus(task *models.Task, status models.TaskStatus) error {
	status = models.NormalizeStatus(status)
	if !models.ValidStatus(status) {
		return &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if status == task.Status {
		return nil
	}

	now := s.now()
	task.Status = status
	switch status {
	case models.StatusInProgress:
		if task.Started == nil {
			task.Started = &now
		}
	case models.StatusCompleted:
		if task.Completed == nil {
			task.Completed = &now
		}
	case models.StatusArchived:
		if task.Archived == nil {
			task.Archived = &now
		}
	case models.StatusTodo:
		// Back to the queue: eligible for auto-pickup again.
		task.BlockedReasons = nil
	}
	return nil
}

// notifyStatusChange broadcasts a status transition.
func (s *taskService) notifyStatusChange(task models.Task, from models.TaskStatus) {
	s.publish(events.TopicTaskStatus, events.StatusChangePayload{Task: task, From: from, To: task.Status})
}

// Delete removes a task permanently. Archived tasks should normally be kept;
// Delete exists for operator cleanup of mistakes.
func (s *taskService) Delete(id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	return nil
}

// Archive moves the task to archived status and mirrors it to the
// append-only archive bucket for its completion date.
func (s *taskService) Archive(id string) (*models.Task, error) {
	task, err := s.SetStatus(id, models.StatusArchived)
	if err != nil {
		return nil, err
	}
	if err := s.store.MirrorArchived(*task); err != nil {
		return nil, fmt.Errorf("archiving task %s: mirroring: %w", id, err)
	}
	return task, nil
}

// Get returns the task with the given ID.
func (s *taskService) Get(id string) (*models.Task, error) {
	return s.store.Get(id)
}

// Query returns tasks matching every criterion of the filter.
func (s *taskService) Query(filter models.TaskFilter) []models.Task {
	var out []models.Task
	for _, task := range s.store.Tasks() {
		if matchesFilter(task, filter) {
			out = append(out, task)
		}
	}
	return out
}

func matchesFilter(task models.Task, filter models.TaskFilter) bool {
	if len(filter.Status) > 0 && !containsStatus(filter.Status, task.Status) {
		return false
	}
	if len(filter.Priority) > 0 && !containsPriority(filter.Priority, task.Priority) {
		return false
	}
	if filter.Project != "" && task.Project != filter.Project {
		return false
	}
	if filter.Session != "" && !containsString(task.Sessions, filter.Session) {
		return false
	}
	for _, tag := range filter.Tags {
		if !containsString(task.Tags, tag) {
			return false
		}
	}
	return true
}

// UpdateSubtaskStatus applies the role-gated subtask transition rule. An
// agent may not set completed and may not touch an already-completed
// subtask; requesting the current status is a no-op for any role.
func (s *taskService) UpdateSubtaskStatus(taskID string, index int, status models.SubtaskStatus, role models.Role, note string) (*models.Task, error) {
	return s.updateSubtask(taskID, index, status, role, note, "")
}

// CompleteSubtaskForSession marks a subtask completed on behalf of the
// orchestrator, recording the session that performed the work.
func (s *taskService) CompleteSubtaskForSession(taskID string, index int, sessionKey string) (*models.Task, error) {
	return s.updateSubtask(taskID, index, models.SubtaskCompleted, models.RoleOrchestrator, "", sessionKey)
}

// ApproveSubtask is sugar for an orchestrator completing a subtask.
func (s *taskService) ApproveSubtask(taskID string, index int) (*models.Task, error) {
	return s.updateSubtask(taskID, index, models.SubtaskCompleted, models.RoleOrchestrator, "", "")
}

// RejectSubtask is sugar for an orchestrator rolling a subtask back to new
// with a rejection note.
func (s *taskService) RejectSubtask(taskID string, index int, note string) (*models.Task, error) {
	return s.updateSubtask(taskID, index, models.SubtaskNew, models.RoleOrchestrator, note, "")
}

func (s *taskService) updateSubtask(taskID string, index int, status models.SubtaskStatus, role models.Role, note, sessionKey string) (*models.Task, error) {
	current, err := s.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(current.Subtasks) {
		return nil, &models.NotFoundError{Kind: "subtask", ID: fmt.Sprintf("%s[%d]", taskID, index)}
	}
	if !models.ValidSubtaskStatus(status) {
		return nil, &models.ValidationError{Field: "subtask.status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	task := *current
	task.Subtasks = append([]models.Subtask(nil), current.Subtasks...)
	st := &task.Subtasks[index]

	if st.Status == status {
		return current, nil
	}
	if role == models.RoleAgent {
		if status == models.SubtaskCompleted {
			return nil, &models.PermissionError{Role: string(role), Action: "mark a subtask completed"}
		}
		if st.Status == models.SubtaskCompleted {
			return nil, &models.PermissionError{Role: string(role), Action: "modify a completed subtask"}
		}
	}

	wasCompleted := st.Status == models.SubtaskCompleted
	st.Status = status
	if note != "" {
		st.Note = note
	}
	switch {
	case status == models.SubtaskCompleted:
		now := s.now()
		st.CompletedAt = &now
		if sessionKey != "" {
			st.CompletedBy = sessionKey
		}
	case wasCompleted:
		// Orchestrator rollback clears the completion record.
		st.CompletedAt = nil
		st.CompletedBy = ""
	}

	task.Updated = s.now()
	if err := s.store.Put(task); err != nil {
		return nil, fmt.Errorf("updating subtask %s[%d]: %w", taskID, index, err)
	}

	if status == models.SubtaskCompleted {
		s.publish(events.TopicSubtaskCompleted, events.SubtaskPayload{TaskID: taskID, Index: index, Subtask: *st})
	}
	return &task, nil
}

// validateDependencies checks every declared dependency: it must exist, must
// not be the task itself, and must not make the origin reachable from the
// target through declared dependency edges.
func (s *taskService) validateDependencies(id string, deps []string) error {
	for _, dep := range deps {
		if dep == id {
			return &models.ValidationError{Field: "dependsOn", Reason: "task cannot depend on itself"}
		}
		if _, err := s.store.Get(dep); err != nil {
			return &models.NotFoundError{Kind: "dependency", ID: dep}
		}
	}

	byID := make(map[string][]string)
	for _, t := range s.store.Tasks() {
		byID[t.ID] = t.DependsOn
	}
	byID[id] = deps

	for _, dep := range deps {
		if reachable(byID, dep, id, make(map[string]bool)) {
			return &models.CircularDependencyError{From: id, To: dep}
		}
	}
	return nil
}

// reachable walks declared dependencies depth-first from start, reporting
// whether target can be reached.
func reachable(graph map[string][]string, start, target string, seen map[string]bool) bool {
	if start == target {
		return true
	}
	if seen[start] {
		return false
	}
	seen[start] = true
	for _, next := range graph[start] {
		if reachable(graph, next, target, seen) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether the task has any unmet dependency. A dependency
// is met once its task is completed or archived; a dangling dependency
// counts as unmet.
func (s *taskService) IsBlocked(id string) (bool, error) {
	blocking, err := s.BlockingTasks(id)
	if err != nil {
		return false, err
	}
	return len(blocking) > 0, nil
}

// BlockingTasks returns the unmet dependencies of the task. Dangling
// dependency IDs are reported as placeholder tasks carrying only the ID.
func (s *taskService) BlockingTasks(id string) ([]models.Task, error) {
	task, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	var blocking []models.Task
	for _, dep := range task.DependsOn {
		depTask, err := s.store.Get(dep)
		if err != nil {
			blocking = append(blocking, models.Task{ID: dep})
			continue
		}
		if depTask.Status != models.StatusCompleted && depTask.Status != models.StatusArchived {
			blocking = append(blocking, *depTask)
		}
	}
	return blocking, nil
}

// DependentTasks returns every task that declares a dependency on id.
func (s *taskService) DependentTasks(id string) ([]models.Task, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}
	var dependents []models.Task
	for _, t := range s.store.Tasks() {
		if containsString(t.DependsOn, id) {
			dependents = append(dependents, t)
		}
	}
	return dependents, nil
}

func appendUnique(list []string, value string) []string {
	if containsString(list, value) {
		return list
	}
	return append(list, value)
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func containsStatus(list []models.TaskStatus, value models.TaskStatus) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func containsPriority(list []models.Priority, value models.Priority) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
