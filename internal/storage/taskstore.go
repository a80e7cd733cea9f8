// Package storage implements the durable file-backed stores for taskwatch:
// the canonical task document, the date-bucketed archive mirror, the bounded
// agent-session history, and the status-change notification ring. Every
// durable write goes through the same temp-file plus atomic-rename
// discipline, serialized so that no two writes ever interleave.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/valter-silva-au/taskwatch/internal/events"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

const (
	taskFileVersion = "1.0"
	taskFileName    = "tasks.json"

	// notificationCap bounds the status-change notification ring.
	notificationCap = 50

	// externalEditDebounce coalesces rapid external edits into one reload.
	externalEditDebounce = 100 * time.Millisecond

	// writeRetryDelay is the pause before the single retry of a failed
	// durable write.
	writeRetryDelay = 250 * time.Millisecond
)

// Notification is one entry in the bounded status-change ring.
type Notification struct {
	Time   time.Time         `json:"time"`
	TaskID string            `json:"taskId"`
	Title  string            `json:"title,omitempty"`
	From   models.TaskStatus `json:"from,omitempty"`
	To     models.TaskStatus `json:"to"`
}

// TaskStore is the durable store for the task graph. In-memory state is
// authoritative; disk is a write-behind copy. External edits to the canonical
// file are detected, debounced, and surfaced as a task.replaced broadcast.
type TaskStore interface {
	Load() error
	Save() error
	Tasks() []models.Task
	Get(id string) (*models.Task, error)
	Put(task models.Task) error
	Remove(id string) error
	MirrorArchived(task models.Task) error
	PushNotification(n Notification) error
	Notifications() ([]Notification, error)
	Watch() error
	Close() error
}

// writeJob is one queued durable write.
type writeJob struct {
	path string
	data []byte
	done chan struct{}
}

type fileTaskStore struct {
	basePath string
	bus      events.Bus

	mu    sync.Mutex
	tasks map[string]models.Task

	notifMu sync.Mutex
	notifs  []Notification

	// archives holds each touched archive bucket in memory, keyed by file
	// path, so consecutive appends never read a bucket whose previous
	// write is still queued.
	archiveMu sync.Mutex
	archives  map[string]*archiveFile

	writeCh chan writeJob
	writeWG sync.WaitGroup

	// closeMu orders enqueue against Close: once closed is set no new job
	// enters the queue, so the write loop's shutdown drain is bounded.
	closeMu sync.RWMutex
	closed  bool

	// selfWrites counts renames issued by this store so the watcher can
	// tell its own writes apart from external edits.
	selfMu     sync.Mutex
	selfWrites int

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	// onWriteError observes writes that failed even after the retry.
	onWriteError func(path string, err error)
}

// NewTaskStore creates a TaskStore rooted at basePath. The bus receives a
// task.replaced broadcast after every external-edit reload; it may be nil in
// tests. onWriteError observes abandoned writes and may be nil.
func NewTaskStore(basePath string, bus events.Bus, onWriteError func(path string, err error)) TaskStore {
	s := &fileTaskStore{
		basePath:     basePath,
		bus:          bus,
		tasks:        make(map[string]models.Task),
		archives:     make(map[string]*archiveFile),
		writeCh:      make(chan writeJob, 256),
		stopCh:       make(chan struct{}),
		onWriteError: onWriteError,
	}
	s.writeWG.Add(1)
	go s.writeLoop()
	return s
}

func (s *fileTaskStore) taskFilePath() string {
	return filepath.Join(s.basePath, taskFileName)
}

func (s *fileTaskStore) notificationPath() string {
	return filepath.Join(s.basePath, "notifications.json")
}

func (s *fileTaskStore) archivePath(completed time.Time) string {
	return filepath.Join(s.basePath, fmt.Sprintf("archive-%s.json", completed.UTC().Format("2006-01-02")))
}

// Load reads the canonical task file. A missing file initializes an empty
// store. A corrupt file triggers best-effort partial recovery; when that
// also fails the last successfully loaded state is kept and a
// CorruptionError is returned so the caller can log it. Load never leaves
// the store unusable.
func (s *fileTaskStore) Load() error {
	// The notification ring loads regardless of the canonical file's
	// fate: a store with notifications but no tasks yet must keep them.
	s.loadNotifications()

	data, err := os.ReadFile(s.taskFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("loading task store: %w", err)
	}

	file, err := decodeTaskFile(data)
	if err != nil {
		recovered, recErr := recoverTaskFile(data)
		if recErr != nil {
			return &models.CorruptionError{Path: s.taskFilePath(), Err: err}
		}
		file = recovered
	}

	s.mu.Lock()
	s.tasks = make(map[string]models.Task, len(file.Tasks))
	for _, t := range file.Tasks {
		s.tasks[t.ID] = t
	}
	s.mu.Unlock()
	return nil
}

// Save serializes the full task set as one unit and enqueues the durable
// write. It returns once the write is queued, not once it is on disk.
func (s *fileTaskStore) Save() error {
	data, err := s.snapshotDocument()
	if err != nil {
		return fmt.Errorf("saving task store: %w", err)
	}
	s.enqueue(s.taskFilePath(), data, nil)
	return nil
}

// snapshotDocument marshals the current in-memory state into the canonical
// document form, with tasks ordered by creation time for stable output.
func (s *fileTaskStore) snapshotDocument() ([]byte, error) {
	s.mu.Lock()
	tasks := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Created.Equal(tasks[j].Created) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].Created.Before(tasks[j].Created)
	})

	file := models.TaskFile{
		Version: taskFileVersion,
		Updated: time.Now().UTC(),
		Tasks:   tasks,
	}
	return json.MarshalIndent(file, "", "  ")
}

// Tasks returns a snapshot copy of every task.
func (s *fileTaskStore) Tasks() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Get returns a copy of the task with the given ID.
func (s *fileTaskStore) Get(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "task", ID: id}
	}
	cp := t
	return &cp, nil
}

// Put upserts the task in memory and queues a durable write.
func (s *fileTaskStore) Put(task models.Task) error {
	if task.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return s.Save()
}

// Remove deletes the task from memory and queues a durable write.
func (s *fileTaskStore) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return &models.NotFoundError{Kind: "task", ID: id}
	}
	delete(s.tasks, id)
	s.mu.Unlock()
	return s.Save()
}

// archiveFile is the document form of one day's archive bucket.
type archiveFile struct {
	Version string        `json:"version"`
	Tasks   []models.Task `json:"tasks"`
}

// MirrorArchived appends the task to the append-only archive bucket for its
// completion date. Archived tasks are retained in the main store as well;
// the mirror is the historical record.
func (s *fileTaskStore) MirrorArchived(task models.Task) error {
	when := time.Now().UTC()
	if task.Completed != nil {
		when = *task.Completed
	}
	path := s.archivePath(when)

	// The bucket is read from disk once and stays authoritative in memory
	// afterwards; reading back the file here would race writes still
	// sitting in the queue and lose earlier appends.
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	bucket, ok := s.archives[path]
	if !ok {
		loaded, err := s.readArchiveBucket(path)
		if err != nil {
			return err
		}
		bucket = loaded
		s.archives[path] = bucket
	}
	bucket.Tasks = append(bucket.Tasks, task)

	out, err := json.MarshalIndent(bucket, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling archive bucket: %w", err)
	}
	s.enqueue(path, out, nil)
	return nil
}

// readArchiveBucket loads one day's bucket from disk. A missing file is an
// empty bucket.
func (s *fileTaskStore) readArchiveBucket(path string) (*archiveFile, error) {
	bucket := &archiveFile{Version: taskFileVersion}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bucket, nil
		}
		return nil, fmt.Errorf("reading archive bucket: %w", err)
	}
	if err := json.Unmarshal(data, bucket); err != nil {
		return nil, &models.CorruptionError{Path: path, Err: err}
	}
	if bucket.Version == "" {
		bucket.Version = taskFileVersion
	}
	return bucket, nil
}

// notificationFile is the document form of the notification ring.
type notificationFile struct {
	Version       string         `json:"version"`
	Notifications []Notification `json:"notifications"`
}

// PushNotification appends a status-change notification, trimming the ring
// to the newest notificationCap entries, and queues the durable write.
func (s *fileTaskStore) PushNotification(n Notification) error {
	s.notifMu.Lock()
	s.notifs = append(s.notifs, n)
	if len(s.notifs) > notificationCap {
		s.notifs = s.notifs[len(s.notifs)-notificationCap:]
	}
	file := notificationFile{Version: taskFileVersion, Notifications: append([]Notification(nil), s.notifs...)}
	s.notifMu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling notifications: %w", err)
	}
	s.enqueue(s.notificationPath(), data, nil)
	return nil
}

// Notifications returns a snapshot of the ring, oldest first.
func (s *fileTaskStore) Notifications() ([]Notification, error) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	return append([]Notification(nil), s.notifs...), nil
}

func (s *fileTaskStore) loadNotifications() {
	data, err := os.ReadFile(s.notificationPath())
	if err != nil {
		return
	}
	var file notificationFile
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}
	s.notifMu.Lock()
	s.notifs = file.Notifications
	if len(s.notifs) > notificationCap {
		s.notifs = s.notifs[len(s.notifs)-notificationCap:]
	}
	s.notifMu.Unlock()
}

// enqueue hands a serialized document to the write loop. Blocks only when
// the queue is saturated, preserving write order. After Close the job is
// dropped; in-memory state remains authoritative.
func (s *fileTaskStore) enqueue(path string, data []byte, done chan struct{}) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		if done != nil {
			close(done)
		}
		return
	}
	s.writeCh <- writeJob{path: path, data: data, done: done}
}

// writeLoop is the single goroutine through which every durable write
// passes. On stop it drains whatever is still queued so Close never loses a
// write that was accepted.
func (s *fileTaskStore) writeLoop() {
	defer s.writeWG.Done()
	for {
		select {
		case job := <-s.writeCh:
			s.runWrite(job)
		case <-s.stopCh:
			for {
				select {
				case job := <-s.writeCh:
					s.runWrite(job)
				default:
					return
				}
			}
		}
	}
}

// runWrite lands one queued write. A failure is retried once after a short
// delay, then abandoned with in-memory state remaining authoritative.
func (s *fileTaskStore) runWrite(job writeJob) {
	err := s.atomicWrite(job.path, job.data)
	if err != nil {
		time.Sleep(writeRetryDelay)
		err = s.atomicWrite(job.path, job.data)
	}
	if err != nil && s.onWriteError != nil {
		s.onWriteError(job.path, err)
	}
	if job.done != nil {
		close(job.done)
	}
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over the destination, so a reader never observes a half-written file.
func (s *fileTaskStore) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if path == s.taskFilePath() {
		s.selfMu.Lock()
		s.selfWrites++
		s.selfMu.Unlock()
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// consumeSelfWrite reports whether a filesystem event on the canonical file
// was caused by this store's own write, consuming one pending marker.
func (s *fileTaskStore) consumeSelfWrite() bool {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	if s.selfWrites > 0 {
		s.selfWrites--
		return true
	}
	return false
}

// Watch starts external-edit detection on the canonical file. Changes not
// originating from this store are debounced and trigger a full reload plus a
// task.replaced broadcast.
func (s *fileTaskStore) Watch() error {
	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return fmt.Errorf("starting task store watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting task store watch: %w", err)
	}
	// Watch the directory: atomic renames replace the file inode, which
	// breaks a watch registered on the file itself.
	if err := w.Add(s.basePath); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.basePath, err)
	}
	s.watcher = w

	go s.watchLoop(w)
	return nil
}

func (s *fileTaskStore) watchLoop(w *fsnotify.Watcher) {
	var debounce *time.Timer
	target := s.taskFilePath()

	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if s.consumeSelfWrite() {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(externalEditDebounce, s.reloadExternal)
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// reloadExternal reloads the canonical file after an external edit and
// notifies subscribers that the task set was replaced wholesale.
func (s *fileTaskStore) reloadExternal() {
	if err := s.Load(); err != nil {
		if s.onWriteError != nil {
			s.onWriteError(s.taskFilePath(), err)
		}
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicTaskReplaced, s.Tasks())
	}
}

// Close stops the watcher, drains the write queue, and waits for the final
// write to land. The channel itself is never closed, so a Put racing Close
// cannot panic: its job either lands before the close flag flips, in which
// case the write loop's shutdown drain picks it up, or it is dropped.
func (s *fileTaskStore) Close() error {
	s.stopOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()
		close(s.stopCh)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
	s.writeWG.Wait()
	return nil
}

// decodeTaskFile parses the canonical document, rejecting trailing garbage.
func decodeTaskFile(data []byte) (*models.TaskFile, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var file models.TaskFile
	if err := dec.Decode(&file); err != nil {
		return nil, err
	}
	return &file, nil
}

// recoverTaskFile attempts best-effort recovery of a corrupt document by
// truncating to the last syntactically closed task record and re-closing the
// array and object. Attempts are bounded; on failure the caller keeps its
// last good snapshot.
func recoverTaskFile(data []byte) (*models.TaskFile, error) {
	const maxAttempts = 64
	attempts := 0
	for i := len(data) - 1; i >= 0 && attempts < maxAttempts; i-- {
		if data[i] != '}' {
			continue
		}
		attempts++
		candidate := make([]byte, 0, i+3)
		candidate = append(candidate, data[:i+1]...)
		candidate = append(candidate, ']', '}')
		if file, err := decodeTaskFile(candidate); err == nil {
			return file, nil
		}
	}
	return nil, fmt.Errorf("no recoverable prefix found")
}
