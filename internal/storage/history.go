package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/valter-silva-au/taskwatch/pkg/models"
)

const historyFileName = "agent-history.json"

// HistoryStore persists completed-session summaries, bounded by both an
// entry cap and a TTL. Pruning runs on every load and on every append.
type HistoryStore interface {
	Append(session models.HistoricalSession) error
	List() []models.HistoricalSession
	Load() error
}

type fileHistoryStore struct {
	basePath string
	cfg      models.HistoryConfig

	mu      sync.Mutex
	entries []models.HistoricalSession
}

// NewHistoryStore creates a HistoryStore rooted at basePath. Zero config
// fields fall back to a 50-entry cap and a 24h TTL.
func NewHistoryStore(basePath string, cfg models.HistoryConfig) HistoryStore {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &fileHistoryStore{basePath: basePath, cfg: cfg}
}

func (h *fileHistoryStore) path() string {
	return filepath.Join(h.basePath, historyFileName)
}

// historyFile is the document form of the history record.
type historyFile struct {
	Version  string                     `json:"version"`
	Sessions []models.HistoricalSession `json:"sessions"`
}

// Load reads the history file, pruning stale and excess entries. A missing
// or unreadable file initializes an empty history.
func (h *fileHistoryStore) Load() error {
	data, err := os.ReadFile(h.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("loading session history: %w", err)
	}

	var file historyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return &models.CorruptionError{Path: h.path(), Err: err}
	}

	h.mu.Lock()
	h.entries = h.prune(file.Sessions, time.Now().UTC())
	h.mu.Unlock()
	return nil
}

// Append adds a session summary, prunes, and persists atomically.
func (h *fileHistoryStore) Append(session models.HistoricalSession) error {
	h.mu.Lock()
	h.entries = h.prune(append(h.entries, session), time.Now().UTC())
	file := historyFile{Version: taskFileVersion, Sessions: append([]models.HistoricalSession(nil), h.entries...)}
	h.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling session history: %w", err)
	}
	return atomicWriteFile(h.path(), data)
}

// List returns a snapshot of the retained sessions, newest first.
func (h *fileHistoryStore) List() []models.HistoricalSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.HistoricalSession(nil), h.entries...)
}

// prune drops entries older than the TTL, sorts newest first, and trims to
// the entry cap.
func (h *fileHistoryStore) prune(entries []models.HistoricalSession, now time.Time) []models.HistoricalSession {
	cutoff := now.Add(-h.cfg.TTL)
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Ended.After(cutoff) {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Ended.After(kept[j].Ended) })
	if len(kept) > h.cfg.MaxEntries {
		kept = kept[:h.cfg.MaxEntries]
	}
	return kept
}

// atomicWriteFile writes data next to path and renames it into place.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
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
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
