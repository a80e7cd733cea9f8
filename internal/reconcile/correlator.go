// Package reconcile closes the loop between observed agent activity and the
// task queue: the correlator matches work events to open tasks and
// subtasks, and the reconciler finalizes task outcome when a bound session
// disappears or goes silent.
package reconcile

import (
	"strings"

	"github.com/valter-silva-au/taskwatch/internal/core"
	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// TaskService is the subset of core.TaskService the correlator and
// reconciler mutate tasks through.
type TaskService interface {
	Query(filter models.TaskFilter) []models.Task
	Get(id string) (*models.Task, error)
	Update(id string, update core.TaskUpdate) (*models.Task, error)
	SetStatus(id string, status models.TaskStatus) (*models.Task, error)
	CompleteSubtaskForSession(taskID string, index int, sessionKey string) (*models.Task, error)
	IsBlocked(id string) (bool, error)
}

// Correlator scores incoming work events against open tasks and subtasks
// and drives the resulting automatic state transitions.
type Correlator struct {
	cfg   models.MatchConfig
	tasks TaskService

	// onError observes failed correlations; one failure never halts the
	// stream. May be nil.
	onError func(op string, err error)
}

// NewCorrelator creates a Correlator. Threshold behavior comes entirely
// from cfg; the values are tunable defaults, not business rules.
func NewCorrelator(cfg models.MatchConfig, tasks TaskService, onError func(op string, err error)) *Correlator {
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = 2
	}
	return &Correlator{cfg: cfg, tasks: tasks, onError: onError}
}

func (c *Correlator) report(op string, err error) {
	if c.onError != nil {
		c.onError(op, err)
	}
}

// Run consumes work events from the bus channel until it closes.
func (c *Correlator) Run(ch <-chan events.Message) {
	for msg := range ch {
		payload, ok := msg.Payload.(events.WorkEventPayload)
		if !ok {
			continue
		}
		c.HandleEvent(payload.SessionKey, payload.Event)
	}
}

type subtaskMatch struct {
	taskID string
	index  int
	score  float64
}

type taskMatch struct {
	taskID string
	status models.TaskStatus
	score  float64
}

// HandleEvent matches one work event against the open tasks. A subtask
// match (held to a tighter threshold) wins over a task match; an error
// event that matches nothing is given a looser pass over in-progress tasks.
func (c *Correlator) HandleEvent(sessionKey string, event models.WorkEvent) {
	text := event.Description
	if len(event.Details) > 0 {
		text += " " + strings.Join(event.Details, " ")
	}
	eventTokens := c.tokenize(text)
	if len(eventTokens) == 0 {
		return
	}

	open := c.tasks.Query(models.TaskFilter{
		Status: []models.TaskStatus{models.StatusTodo, models.StatusInProgress},
	})

	subtaskThreshold := c.cfg.TaskThreshold + c.cfg.SubtaskBonus
	var bestSubtask *subtaskMatch
	var bestTask *taskMatch

	for _, task := range open {
		for i, st := range task.Subtasks {
			if st.Status == models.SubtaskCompleted {
				continue
			}
			score := c.similarity(eventTokens, c.tokenize(st.Text))
			if score >= subtaskThreshold && (bestSubtask == nil || score > bestSubtask.score) {
				bestSubtask = &subtaskMatch{taskID: task.ID, index: i, score: score}
			}
		}

		taskText := strings.Join(append([]string{task.Title, task.Description, task.Project}, task.Tags...), " ")
		score := c.similarity(eventTokens, c.tokenize(taskText))
		if score >= c.cfg.TaskThreshold && (bestTask == nil || score > bestTask.score) {
			bestTask = &taskMatch{taskID: task.ID, status: task.Status, score: score}
		}
	}

	switch {
	case bestSubtask != nil:
		c.applySubtaskMatch(*bestSubtask, sessionKey)
	case bestTask != nil:
		c.applyTaskMatch(*bestTask, sessionKey)
	case event.Type == models.EventError:
		c.applyErrorEvent(event)
	}
}

// applySubtaskMatch completes the matched subtask; when it was the last one
// open the task auto-transitions to completed.
func (c *Correlator) applySubtaskMatch(match subtaskMatch, sessionKey string) {
	task, err := c.tasks.CompleteSubtaskForSession(match.taskID, match.index, sessionKey)
	if err != nil {
		c.report("completing subtask", err)
		return
	}

	for _, st := range task.Subtasks {
		if st.Status != models.SubtaskCompleted {
			return
		}
	}
	if _, err := c.tasks.SetStatus(match.taskID, models.StatusCompleted); err != nil {
		c.report("auto-completing task", err)
	}
}

// applyTaskMatch records the session on the task and picks up a todo task
// into in-progress, unless an unmet dependency blocks it.
func (c *Correlator) applyTaskMatch(match taskMatch, sessionKey string) {
	update := core.TaskUpdate{AddSession: sessionKey}
	if match.status == models.StatusTodo {
		blocked, err := c.tasks.IsBlocked(match.taskID)
		if err != nil {
			c.report("checking dependencies", err)
			return
		}
		if !blocked {
			status := models.StatusInProgress
			update.Status = &status
		}
	}
	if _, err := c.tasks.Update(match.taskID, update); err != nil {
		c.report("updating matched task", err)
	}
}

// applyErrorEvent runs the looser error pass: the first in-progress task
// whose title+project clears the error threshold is marked stuck.
func (c *Correlator) applyErrorEvent(event models.WorkEvent) {
	eventTokens := c.tokenize(event.Description)
	inProgress := c.tasks.Query(models.TaskFilter{Status: []models.TaskStatus{models.StatusInProgress}})

	for _, task := range inProgress {
		score := c.similarity(eventTokens, c.tokenize(task.Title+" "+task.Project))
		if score < c.cfg.ErrorThreshold {
			continue
		}
		status := models.StatusStuck
		_, err := c.tasks.Update(task.ID, core.TaskUpdate{
			Status:     &status,
			AddBlocked: "agent error: " + event.Description,
		})
		if err != nil {
			c.report("marking task stuck", err)
		}
		return
	}
}

// stopwords are filler words and generic action verbs excluded from token
// bags. They carry no matching signal, and because similarity divides by the
// smaller bag they would otherwise sink short subtask texts ("Run deploy
// script" must match a deploy event on "deploy", not miss on "run").
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "into": true, "onto": true,
	"run": true, "runs": true, "running": true, "use": true, "using": true,
}

// tokenize lowercases and splits on non-alphanumeric runes, keeping tokens
// longer than the configured minimum and outside the stopword set.
func (c *Correlator) tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		if len(f) > c.cfg.MinTokenLength && !stopwords[f] {
			tokens[f] = true
		}
	}
	return tokens
}

// similarity is the shared-token ratio against the smaller side, so short
// subtask texts are not penalized for brevity.
func (c *Correlator) similarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for token := range a {
		if b[token] {
			shared++
		}
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(shared) / float64(min)
}
