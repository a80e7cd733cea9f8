package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupEventLog(t *testing.T) (EventLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := NewJSONLEventLog(path)
	if err != nil {
		t.Fatalf("NewJSONLEventLog failed: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log, path
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	log, _ := setupEventLog(t)

	event := Event{
		Level:   LevelInfo,
		Type:    TypeTaskCreated,
		Message: "created task t1",
		Data:    map[string]any{"id": "t1"},
	}
	if err := log.Write(event); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	events, err := log.Read(EventFilter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Type != TypeTaskCreated || got.Message != "created task t1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Time.IsZero() {
		t.Fatal("write must stamp a timestamp")
	}
	if got.Data["id"] != "t1" {
		t.Fatalf("data not preserved: %v", got.Data)
	}
}

func TestReadFiltersByTypeAndLevel(t *testing.T) {
	log, _ := setupEventLog(t)

	log.Info(TypeTaskCreated, "created task t1", nil)
	log.Info(TypeTaskStatus, "task t1 todo -> in-progress", nil)
	log.Errorf(TypeGatewayError, "dialing gateway", os.ErrDeadlineExceeded)

	byType, err := log.Read(EventFilter{Type: TypeTaskStatus})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(byType) != 1 || byType[0].Type != TypeTaskStatus {
		t.Fatalf("type filter failed: %v", byType)
	}

	byLevel, err := log.Read(EventFilter{Level: LevelError})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(byLevel) != 1 || byLevel[0].Type != TypeGatewayError {
		t.Fatalf("level filter failed: %v", byLevel)
	}
}

func TestReadFiltersByTimeWindow(t *testing.T) {
	log, _ := setupEventLog(t)

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := log.Write(Event{
			Time:    base.Add(time.Duration(i) * time.Hour),
			Level:   LevelInfo,
			Type:    TypeTaskStatus,
			Message: "tick",
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	since := base.Add(30 * time.Minute)
	until := base.Add(90 * time.Minute)
	events, err := log.Read(EventFilter{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 1 || !events[0].Time.Equal(base.Add(time.Hour)) {
		t.Fatalf("time window filter failed: %v", events)
	}
}

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	log, path := setupEventLog(t)
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	events, err := log.Read(EventFilter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	log, path := setupEventLog(t)

	log.Info(TypeTaskCreated, "good one", nil)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	_ = f.Close()
	log.Info(TypeTaskCreated, "good two", nil)

	events, err := log.Read(EventFilter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestWritesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	first, err := NewJSONLEventLog(path)
	if err != nil {
		t.Fatalf("NewJSONLEventLog failed: %v", err)
	}
	first.Info(TypeSessionStarted, "agent:main appeared", nil)
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewJSONLEventLog(path)
	if err != nil {
		t.Fatalf("NewJSONLEventLog failed: %v", err)
	}
	defer func() { _ = second.Close() }()
	second.Info(TypeSessionEnded, "agent:main gone", nil)

	events, err := second.Read(EventFilter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected appended log to hold 2 events, got %d", len(events))
	}
	if events[0].Type != TypeSessionStarted || events[1].Type != TypeSessionEnded {
		t.Fatalf("unexpected order: %v, %v", events[0].Type, events[1].Type)
	}
}
