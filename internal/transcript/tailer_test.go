package transcript

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("appending to %s: %v", path, err)
	}
}

func lines(t *testing.T, tailer *Tailer, path string) []string {
	t.Helper()
	raw, err := tailer.Next(path)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		out = append(out, string(l))
	}
	return out
}

func TestTailerReadsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, "one\ntwo\n")

	tailer := NewTailer(1 << 20) // window larger than the file: read all
	got := lines(t, tailer, path)
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected first read: %v", got)
	}

	// No new data: nothing returned.
	if got := lines(t, tailer, path); len(got) != 0 {
		t.Fatalf("expected no lines, got %v", got)
	}

	appendFile(t, path, "three\n")
	got = lines(t, tailer, path)
	if len(got) != 1 || got[0] != "three" {
		t.Fatalf("unexpected append read: %v", got)
	}
}

func TestTailerLeavesPartialLineUnread(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, "complete\npart")

	tailer := NewTailer(1 << 20)
	got := lines(t, tailer, path)
	if len(got) != 1 || got[0] != "complete" {
		t.Fatalf("expected only the complete line, got %v", got)
	}

	// Finishing the partial line yields exactly that record once.
	appendFile(t, path, "ial\n")
	got = lines(t, tailer, path)
	if len(got) != 1 || got[0] != "partial" {
		t.Fatalf("expected the completed line, got %v", got)
	}
}

func TestTailerInitialWindowSkipsHistoryAndBoundaryLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	// 4 lines of 10 bytes each (9 chars + newline).
	writeFile(t, path, "aaaaaaaaa\nbbbbbbbbb\nccccccccc\nddddddddd\n")

	// Window of 15 bytes lands mid-record: the split line at the boundary
	// must be discarded, leaving only the final full line.
	tailer := NewTailer(15)
	got := lines(t, tailer, path)
	if len(got) != 1 || got[0] != "ddddddddd" {
		t.Fatalf("expected only the last full line, got %v", got)
	}
}

func TestTailerWindowAtLineBoundary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, "aaaaaaaaa\nbbbbbbbbb\n")

	// Window covers exactly the last line, but the first read still starts
	// at a non-zero offset, so its first line is treated as possibly split
	// and discarded.
	tailer := NewTailer(10)
	got := lines(t, tailer, path)
	if len(got) != 0 {
		t.Fatalf("expected boundary line discarded, got %v", got)
	}

	appendFile(t, path, "ccccccccc\n")
	got = lines(t, tailer, path)
	if len(got) != 1 || got[0] != "ccccccccc" {
		t.Fatalf("expected the appended line, got %v", got)
	}
}

func TestTailerSkipPendingSurvivesPartialFirstRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, "aaaaaaaaa\nbbbb")

	// The window lands mid-way through the unfinished last line, so the
	// first read sees no newline at all. The obligation to drop the split
	// boundary line must survive to the next read.
	tailer := NewTailer(3)
	if got := lines(t, tailer, path); len(got) != 0 {
		t.Fatalf("expected nothing before a newline arrives, got %v", got)
	}

	appendFile(t, path, "bb\nccc\n")
	got := lines(t, tailer, path)
	if len(got) != 1 || got[0] != "ccc" {
		t.Fatalf("boundary line not discarded: %v", got)
	}
}

func TestTailerRotationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, "old line one\nold line two\n")

	tailer := NewTailer(1 << 20)
	lines(t, tailer, path)

	// The file shrinks: treated as rotation, read from the start.
	writeFile(t, path, "fresh\n")
	got := lines(t, tailer, path)
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected restart after rotation, got %v", got)
	}
}

func TestTailerForget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, "line\n")

	tailer := NewTailer(1 << 20)
	lines(t, tailer, path)
	tailer.Forget(path)

	// After Forget the file counts as newly observed again.
	got := lines(t, tailer, path)
	if len(got) != 1 || got[0] != "line" {
		t.Fatalf("expected full re-read after Forget, got %v", got)
	}
}

func TestTailerMissingFile(t *testing.T) {
	tailer := NewTailer(0)
	if _, err := tailer.Next(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
