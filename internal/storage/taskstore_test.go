package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

func setupTaskStore(t *testing.T) (TaskStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := NewTaskStore(dir, nil, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func mustTask(id, title string) models.Task {
	now := time.Now().UTC()
	return models.Task{
		ID:      id,
		Title:   title,
		Status:  models.StatusTodo,
		Created: now,
		Updated: now,
	}
}

func TestPutGetRemove(t *testing.T) {
	store, _ := setupTaskStore(t)

	if err := store.Put(mustTask("t1", "first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Get("t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "first" {
		t.Fatalf("unexpected title %q", got.Title)
	}

	if err := store.Remove("t1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Get("t1"); err == nil {
		t.Fatal("expected Get to fail after Remove")
	}
}

func TestPutRejectsEmptyID(t *testing.T) {
	store, _ := setupTaskStore(t)
	err := store.Put(models.Task{Title: "no id"})
	if _, ok := err.(*models.ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(dir, nil, nil)

	task := mustTask("t1", "durable")
	task.Subtasks = []models.Subtask{{ID: "s1", Text: "step", Status: models.SubtaskNew}}
	task.DependsOn = []string{"t0"}
	if err := store.Put(task); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reloaded := NewTaskStore(dir, nil, nil)
	defer reloaded.Close()
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, err := reloaded.Get("t1")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got.Title != "durable" || len(got.Subtasks) != 1 || len(got.DependsOn) != 1 {
		t.Fatalf("round trip lost data: %+v", got)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	store, _ := setupTaskStore(t)
	if err := store.Load(); err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}
	if len(store.Tasks()) != 0 {
		t.Fatal("expected empty store")
	}
}

func TestPutRacingCloseDoesNotPanic(t *testing.T) {
	store := NewTaskStore(t.TempDir(), nil, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := fmt.Sprintf("t-%d-%d", g, i)
				_ = store.Put(mustTask(id, "racer"))
			}
		}(g)
	}

	// Close lands mid-stream; writers still running must not panic on a
	// shut-down queue, and a second Close must be a no-op.
	time.Sleep(10 * time.Millisecond)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	close(stop)
	wg.Wait()

	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestConcurrentPutsAllLand(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(dir, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%02d", i)
			if err := store.Put(mustTask(id, "task "+id)); err != nil {
				t.Errorf("Put %s failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The final on-disk document must contain the full task set.
	data, err := os.ReadFile(filepath.Join(dir, taskFileName))
	if err != nil {
		t.Fatalf("reading task file: %v", err)
	}
	var file models.TaskFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("parsing task file: %v", err)
	}
	if len(file.Tasks) != n {
		t.Fatalf("expected %d tasks on disk, got %d", n, len(file.Tasks))
	}
	if file.Version != taskFileVersion {
		t.Fatalf("unexpected version %q", file.Version)
	}
}

func TestCorruptFileRecoversPrefix(t *testing.T) {
	dir := t.TempDir()

	// Write a valid document, then truncate it mid-record as a crashed
	// writer would leave it.
	full := fmt.Sprintf(`{"version":"1.0","updated":%q,"tasks":[`+
		`{"id":"t1","title":"survives","status":"todo","priority":"normal","created":%q,"updated":%q},`+
		`{"id":"t2","title":"truncat`,
		"2026-08-30T10:00:00Z", "2026-08-30T10:00:00Z", "2026-08-30T10:00:00Z")
	if err := os.WriteFile(filepath.Join(dir, taskFileName), []byte(full), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	store := NewTaskStore(dir, nil, nil)
	defer store.Close()
	if err := store.Load(); err != nil {
		t.Fatalf("Load should recover, got %v", err)
	}
	if _, err := store.Get("t1"); err != nil {
		t.Fatalf("expected t1 recovered: %v", err)
	}
	if _, err := store.Get("t2"); err == nil {
		t.Fatal("expected truncated t2 to be dropped")
	}
}

func TestUnrecoverableCorruptionKeepsLastGoodState(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(dir, nil, nil)
	defer store.Close()

	if err := store.Put(mustTask("t1", "good state")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, taskFileName), []byte("@@not json at all@@"), 0o644); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	err := store.Load()
	if _, ok := err.(*models.CorruptionError); !ok {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
	// In-memory state must survive the failed load.
	if _, err := store.Get("t1"); err != nil {
		t.Fatalf("last good state lost: %v", err)
	}
}

func TestExternalEditTriggersReloadAndBroadcast(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(events.TopicTaskReplaced)
	defer cancel()

	store := NewTaskStore(dir, bus, nil)
	defer store.Close()
	if err := store.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Simulate another process rewriting the canonical file.
	doc := models.TaskFile{
		Version: taskFileVersion,
		Updated: time.Now().UTC(),
		Tasks:   []models.Task{mustTask("ext1", "edited outside")},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshalling: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, taskFileName), data, 0o644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	select {
	case msg := <-ch:
		tasks, ok := msg.Payload.([]models.Task)
		if !ok {
			t.Fatalf("unexpected payload type %T", msg.Payload)
		}
		if len(tasks) != 1 || tasks[0].ID != "ext1" {
			t.Fatalf("unexpected reloaded tasks: %v", tasks)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no task.replaced broadcast after external edit")
	}

	if _, err := store.Get("ext1"); err != nil {
		t.Fatalf("external task not loaded: %v", err)
	}
}

func TestOwnWritesDoNotTriggerReload(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(events.TopicTaskReplaced)
	defer cancel()

	store := NewTaskStore(dir, bus, nil)
	defer store.Close()
	if err := store.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := store.Put(mustTask("t1", "self write")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	select {
	case msg := <-ch:
		t.Fatalf("own write produced a replace broadcast: %v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestMirrorArchivedAppendsToDateBucket(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(dir, nil, nil)

	completed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	task := mustTask("t1", "done work")
	task.Status = models.StatusArchived
	task.Completed = &completed

	if err := store.MirrorArchived(task); err != nil {
		t.Fatalf("MirrorArchived failed: %v", err)
	}
	second := mustTask("t2", "more done work")
	second.Completed = &completed
	if err := store.MirrorArchived(second); err != nil {
		t.Fatalf("MirrorArchived failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "archive-2026-08-15.json"))
	if err != nil {
		t.Fatalf("reading archive bucket: %v", err)
	}
	var bucket archiveFile
	if err := json.Unmarshal(data, &bucket); err != nil {
		t.Fatalf("parsing archive bucket: %v", err)
	}
	if len(bucket.Tasks) != 2 {
		t.Fatalf("expected 2 archived tasks, got %d", len(bucket.Tasks))
	}
}

func TestNotificationRingIsBounded(t *testing.T) {
	store, _ := setupTaskStore(t)

	for i := 0; i < notificationCap+10; i++ {
		n := Notification{
			Time:   time.Now().UTC(),
			TaskID: fmt.Sprintf("t%d", i),
			To:     models.StatusInProgress,
		}
		if err := store.PushNotification(n); err != nil {
			t.Fatalf("PushNotification failed: %v", err)
		}
	}

	notifs, err := store.Notifications()
	if err != nil {
		t.Fatalf("Notifications failed: %v", err)
	}
	if len(notifs) != notificationCap {
		t.Fatalf("expected ring capped at %d, got %d", notificationCap, len(notifs))
	}
	// Oldest entries were evicted; the survivor set is the newest.
	if notifs[0].TaskID != "t10" {
		t.Fatalf("expected oldest surviving entry t10, got %s", notifs[0].TaskID)
	}
	if notifs[len(notifs)-1].TaskID != fmt.Sprintf("t%d", notificationCap+9) {
		t.Fatalf("unexpected newest entry %s", notifs[len(notifs)-1].TaskID)
	}
}

func TestNotificationsSurviveReload(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(dir, nil, nil)

	n := Notification{Time: time.Now().UTC(), TaskID: "t1", Title: "persisted", To: models.StatusCompleted}
	if err := store.PushNotification(n); err != nil {
		t.Fatalf("PushNotification failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reloaded := NewTaskStore(dir, nil, nil)
	defer reloaded.Close()
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	notifs, err := reloaded.Notifications()
	if err != nil {
		t.Fatalf("Notifications failed: %v", err)
	}
	if len(notifs) != 1 || notifs[0].TaskID != "t1" {
		t.Fatalf("notifications not reloaded: %v", notifs)
	}
}
