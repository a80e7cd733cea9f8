package cli

import (
	app "github.com/valter-silva-au/taskwatch/internal"
	"github.com/valter-silva-au/taskwatch/internal/core"
	"github.com/valter-silva-au/taskwatch/internal/gateway"
	"github.com/valter-silva-au/taskwatch/internal/storage"
)

// Service instances, set during app initialization in Configure.
var (
	App       *app.App
	BasePath  string
	Tasks     core.TaskService
	TaskStore storage.TaskStore
	History   storage.HistoryStore
	Connector gateway.Connector
)

// Configure injects the wired application into the CLI layer.
func Configure(a *app.App) {
	App = a
	BasePath = a.BasePath
	Tasks = a.Tasks
	TaskStore = a.TaskStore
	History = a.HistoryStore
	Connector = a.Connector
}
