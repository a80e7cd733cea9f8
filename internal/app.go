// Package internal provides the App struct that wires all components of
// taskwatch together and runs their lifecycles.
package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/valter-silva-au/taskwatch/internal/core"
	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/internal/gateway"
	"github.com/valter-silva-au/taskwatch/internal/observability"
	"github.com/valter-silva-au/taskwatch/internal/reconcile"
	"github.com/valter-silva-au/taskwatch/internal/storage"
	"github.com/valter-silva-au/taskwatch/internal/transcript"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// App holds all service dependencies for taskwatch. Every component is
// explicitly constructed and injected; there are no package-level
// singletons.
type App struct {
	BasePath string
	Config   *models.Config

	Bus      events.Bus
	EventLog observability.EventLog

	// Storage layer
	TaskStore    storage.TaskStore
	HistoryStore storage.HistoryStore

	// Core services
	ConfigMgr core.ConfigurationManager
	Tasks     core.TaskService

	// Gateway
	Registry  *gateway.Registry
	Connector gateway.Connector

	// Activity pipeline
	Detector   *transcript.Service
	Correlator *reconcile.Correlator
	Reconciler *reconcile.Reconciler

	auditCancel func()
	workCancel  func()
	loopWG      sync.WaitGroup
	stopOnce    sync.Once
}

// NewApp creates and wires all components. basePath is the root directory
// where all taskwatch data is stored (typically ~/.taskwatch or the
// directory containing .taskwatchrc).
func NewApp(basePath string) (*App, error) {
	app := &App{BasePath: basePath}

	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("initializing taskwatch: %w", err)
	}
	app.Config = cfg

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("initializing taskwatch: creating %s: %w", basePath, err)
	}

	app.Bus = events.NewBus()

	eventLog, err := observability.NewJSONLEventLog(filepath.Join(basePath, "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("initializing taskwatch: %w", err)
	}
	app.EventLog = eventLog

	app.TaskStore = storage.NewTaskStore(basePath, app.Bus, func(path string, err error) {
		eventLog.Errorf(observability.TypeStoreError, "writing "+path, err)
	})
	app.HistoryStore = storage.NewHistoryStore(basePath, cfg.History)
	app.Tasks = core.NewTaskService(app.TaskStore, app.Bus)

	app.Registry = gateway.NewRegistry(app.HistoryStore, app.Bus)
	app.Connector = gateway.NewConnector(cfg.Gateway, app.Registry, app.HistoryStore, app.Bus, nil, func(op string, err error) {
		eventLog.Errorf(observability.TypeGatewayError, op, err)
	})

	app.Detector = transcript.NewService(cfg.Detector, app.Registry, transcript.NewDetector(), transcript.NewTailer(cfg.Detector.InitialWindow), app.Bus, func(op string, err error) {
		eventLog.Errorf(observability.TypeDetectorError, op, err)
	})
	app.Correlator = reconcile.NewCorrelator(cfg.Match, app.Tasks, func(op string, err error) {
		eventLog.Errorf(observability.TypeReconcileError, op, err)
	})
	app.Reconciler = reconcile.NewReconciler(cfg.Reconciler, app.Tasks, app.Registry, app.HistoryStore, func(op string, err error) {
		eventLog.Errorf(observability.TypeReconcileError, op, err)
	})

	return app, nil
}

// LoadStores reads the durable stores into memory. Corruption is absorbed:
// the store keeps its last good state and the error is logged.
func (a *App) LoadStores() {
	if err := a.TaskStore.Load(); err != nil {
		a.EventLog.Errorf(observability.TypeStoreError, "loading task store", err)
	}
	if err := a.HistoryStore.Load(); err != nil {
		a.EventLog.Errorf(observability.TypeStoreError, "loading session history", err)
	}
}

// Start launches every background loop: the store watcher, the gateway
// connection, the transcript detector, the correlator, the reconciler, and
// the audit subscriber.
func (a *App) Start() error {
	a.LoadStores()

	if err := a.TaskStore.Watch(); err != nil {
		return fmt.Errorf("starting taskwatch: %w", err)
	}
	if err := a.Connector.Start(); err != nil {
		return fmt.Errorf("starting taskwatch: %w", err)
	}
	if err := a.Detector.Start(); err != nil {
		return fmt.Errorf("starting taskwatch: %w", err)
	}
	a.Reconciler.Start()

	workCh, workCancel := a.Bus.Subscribe(events.TopicWorkEvent)
	a.workCancel = workCancel
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		a.Correlator.Run(workCh)
	}()

	auditCh, auditCancel := a.Bus.Subscribe()
	a.auditCancel = auditCancel
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		a.audit(auditCh)
	}()

	return nil
}

// audit mirrors broadcasts into the event log and feeds status changes
// into the notification ring.
func (a *App) audit(ch <-chan events.Message) {
	for msg := range ch {
		switch payload := msg.Payload.(type) {
		case events.TaskPayload:
			if msg.Topic == events.TopicTaskCreated {
				a.EventLog.Info(observability.TypeTaskCreated, payload.Task.Title, map[string]any{"task": payload.Task.ID})
			}
		case events.StatusChangePayload:
			a.EventLog.Info(observability.TypeTaskStatus, payload.Task.Title, map[string]any{
				"task": payload.Task.ID,
				"from": string(payload.From),
				"to":   string(payload.To),
			})
			_ = a.TaskStore.PushNotification(storage.Notification{
				Time:   msg.Time,
				TaskID: payload.Task.ID,
				Title:  payload.Task.Title,
				From:   payload.From,
				To:     payload.To,
			})
		case events.SubtaskPayload:
			a.EventLog.Info(observability.TypeSubtaskCompleted, payload.Subtask.Text, map[string]any{
				"task":  payload.TaskID,
				"index": payload.Index,
			})
		case events.SessionPayload:
			switch msg.Topic {
			case events.TopicSessionStarted:
				a.EventLog.Info(observability.TypeSessionStarted, payload.Session.Key, nil)
			case events.TopicSessionEnded:
				a.EventLog.Info(observability.TypeSessionEnded, payload.Session.Key, nil)
			}
		}
	}
}

// Stop shuts every loop down in dependency order and closes the stores.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.Detector.Stop()
		a.Reconciler.Stop()
		_ = a.Connector.Stop()
		if a.workCancel != nil {
			a.workCancel()
		}
		if a.auditCancel != nil {
			a.auditCancel()
		}
		a.loopWG.Wait()
		a.Bus.Close()
		_ = a.TaskStore.Close()
		_ = a.EventLog.Close()
	})
}

// ResolveBasePath determines the taskwatch data directory: the
// TASKWATCH_HOME environment variable, the nearest ancestor directory
// containing .taskwatchrc, or the current directory.
func ResolveBasePath() string {
	if home := os.Getenv("TASKWATCH_HOME"); home != "" {
		return home
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".taskwatchrc")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	cwd, _ := os.Getwd()
	return cwd
}
