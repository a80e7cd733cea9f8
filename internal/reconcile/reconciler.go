package reconcile

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valter-silva-au/taskwatch/internal/core"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// placeholderPrefix marks a session key that is not yet real: a task bound
// to one is never finalized.
const placeholderPrefix = "pending"

// SessionView is the live-session lookup the reconciler polls. The gateway
// registry satisfies it.
type SessionView interface {
	Get(key string) (models.LiveSession, bool)
}

// HistorySink receives the durable record of a finalized session.
type HistorySink interface {
	Append(session models.HistoricalSession) error
}

// lifecycleState is the reconciler's last known view of a bound session.
type lifecycleState string

const (
	lifecycleRunning lifecycleState = "running"
	lifecycleIdle    lifecycleState = "idle"
	lifecycleError   lifecycleState = "error"
)

// trackedSession is per-binding bookkeeping: created when a task's bound
// session key is first observed, destroyed when the task leaves in-progress
// or the outcome is finalized.
type trackedSession struct {
	key          string
	taskID       string
	lastSeen     time.Time
	state        lifecycleState
	model        string
	inputTokens  int64
	outputTokens int64
}

// Reconciler finalizes task outcome from session lifecycle: a bound session
// that disappears or stays silent past the configured windows ends its
// task, with guards against finalizing tasks that only just started.
type Reconciler struct {
	cfg      models.ReconcilerConfig
	tasks    TaskService
	sessions SessionView
	history  HistorySink

	// onError observes failed finalizations; one failure never halts the
	// loop. May be nil.
	onError func(op string, err error)

	mu      sync.Mutex
	tracked map[string]*trackedSession
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a Reconciler with its collaborators injected.
func NewReconciler(cfg models.ReconcilerConfig, tasks TaskService, sessions SessionView, history HistorySink, onError func(op string, err error)) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{
		cfg:      cfg,
		tasks:    tasks,
		sessions: sessions,
		history:  history,
		onError:  onError,
		tracked:  make(map[string]*trackedSession),
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

func (r *Reconciler) report(op string, err error) {
	if r.onError != nil {
		r.onError(op, err)
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Tick()
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Tick runs one reconciliation pass over every in-progress task with a
// bound agent session.
func (r *Reconciler) Tick() {
	now := r.now()
	inProgress := r.tasks.Query(models.TaskFilter{Status: []models.TaskStatus{models.StatusInProgress}})

	bound := make(map[string]bool)
	for _, task := range inProgress {
		if task.ActiveAgent == nil || task.ActiveAgent.SessionKey == "" {
			continue
		}
		key := task.ActiveAgent.SessionKey
		bound[key] = true
		r.reconcileTask(task, now)
	}

	// Drop bookkeeping for bindings whose task left in-progress.
	r.mu.Lock()
	for key := range r.tracked {
		if !bound[key] {
			delete(r.tracked, key)
		}
	}
	r.mu.Unlock()
}

func (r *Reconciler) reconcileTask(task models.Task, now time.Time) {
	key := task.ActiveAgent.SessionKey

	// Placeholder keys are bindings that have not materialized yet.
	if strings.HasPrefix(key, placeholderPrefix) {
		return
	}

	session, alive := r.sessions.Get(key)

	r.mu.Lock()
	track, ok := r.tracked[key]
	if !ok {
		track = &trackedSession{key: key, taskID: task.ID, lastSeen: now, state: lifecycleRunning}
		r.tracked[key] = track
	}
	if alive {
		track.lastSeen = now
		track.model = session.Model
		track.inputTokens = session.InputTokens
		track.outputTokens = session.OutputTokens
		switch session.State {
		case models.SessionIdle:
			track.state = lifecycleIdle
		case models.SessionError:
			track.state = lifecycleError
		default:
			track.state = lifecycleRunning
		}
	}
	snapshot := *track
	r.mu.Unlock()

	// Never finalize a task that only just started.
	if task.Started == nil || now.Sub(*task.Started) < r.cfg.MinRunTime {
		return
	}

	switch {
	case !alive:
		// Absent from the registry entirely: confirmed completion.
		r.finalize(task, snapshot, now, true)
	case snapshot.state == lifecycleError:
		// A session flagged errored fails immediately, no silence window.
		r.finalize(task, snapshot, now, false)
	case now.Sub(session.LastActivity) >= r.cfg.StuckWindow:
		r.finalize(task, snapshot, now, false)
	case now.Sub(session.LastActivity) >= r.cfg.IdleWindow:
		// Probable completion after a long idle window.
		r.finalize(task, snapshot, now, true)
	}
}

// finalize closes out a task whose bound session ended: the binding is
// cleared, the outcome recorded, and a history record appended with the
// usage captured just before the session disappeared. Successful outcomes
// are flagged for review since agent-reported completion is unconfirmed.
func (r *Reconciler) finalize(task models.Task, track trackedSession, now time.Time, success bool) {
	completedBy := task.ActiveAgent.Name
	if completedBy == "" {
		completedBy = track.key
	}

	update := core.TaskUpdate{
		ClearAgent:  true,
		CompletedBy: &completedBy,
	}
	outcome := "completed"
	if success {
		status := models.StatusCompleted
		needsReview := true
		update.Status = &status
		update.NeedsReview = &needsReview
	} else {
		status := models.StatusStuck
		update.Status = &status
		update.AddBlocked = fmt.Sprintf("agent session %s went silent", track.key)
		if track.state == lifecycleError {
			update.AddBlocked = fmt.Sprintf("agent session %s reported an error", track.key)
		}
		outcome = "stuck"
	}

	if _, err := r.tasks.Update(task.ID, update); err != nil {
		r.report("finalizing task "+task.ID, err)
		return
	}

	started := now
	if task.Started != nil {
		started = *task.Started
	}
	record := models.HistoricalSession{
		Key:          track.key,
		Model:        track.model,
		Started:      started,
		Ended:        now,
		Duration:     now.Sub(started).Round(time.Second).String(),
		InputTokens:  track.inputTokens,
		OutputTokens: track.outputTokens,
		Outcome:      outcome,
	}
	if r.history != nil {
		if err := r.history.Append(record); err != nil {
			r.report("recording session history", err)
		}
	}

	r.mu.Lock()
	delete(r.tracked, track.key)
	r.mu.Unlock()
}
