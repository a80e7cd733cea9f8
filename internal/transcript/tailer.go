package transcript

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Tailer streams newly appended transcript lines, tracking each file by
// byte offset so overlapping triggers are idempotent: re-reading from the
// same offset yields nothing new.
type Tailer struct {
	initialWindow int64

	mu     sync.Mutex
	states map[string]tailState
}

// tailState is the per-file cursor. skipFirst carries the obligation to
// discard the line split by the initial mid-file seek; it survives reads
// that saw no complete line, until the boundary line is actually dropped.
type tailState struct {
	offset    int64
	skipFirst bool
}

// NewTailer creates a Tailer. On first observation of a file it seeks to at
// most initialWindow bytes before the end rather than replaying history.
func NewTailer(initialWindow int64) *Tailer {
	if initialWindow <= 0 {
		initialWindow = 8 * 1024
	}
	return &Tailer{
		initialWindow: initialWindow,
		states:        make(map[string]tailState),
	}
}

// Next returns the complete lines appended since the last call for path.
// The first line read after a non-zero start offset is discarded since it
// may be a partial record split by the read boundary; a trailing line with
// no newline is left for the next call.
func (t *Tailer) Next(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", path, err)
	}
	size := info.Size()

	t.mu.Lock()
	st, known := t.states[path]
	t.mu.Unlock()

	if !known {
		st.offset = size - t.initialWindow
		if st.offset < 0 {
			st.offset = 0
		}
		st.skipFirst = st.offset > 0
	}
	// A shrunken file was rotated or truncated: start over.
	if st.offset > size {
		st = tailState{}
	}
	if st.offset == size {
		t.setState(path, st)
		return nil, nil
	}

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking transcript %s: %w", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", path, err)
	}

	// Only complete lines are consumed; a partial trailing record stays
	// unread until its newline arrives. An unfulfilled skipFirst is kept
	// with the state so the boundary line is still dropped next time.
	consumed := int64(len(data))
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
			consumed = int64(idx + 1)
			data = data[:idx+1]
		} else {
			t.setState(path, st)
			return nil, nil
		}
	}

	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if st.skipFirst && len(lines) > 0 {
		lines = lines[1:]
		st.skipFirst = false
	}

	var out [][]byte
	for _, line := range lines {
		if len(line) > 0 {
			out = append(out, append([]byte(nil), line...))
		}
	}

	st.offset += consumed
	t.setState(path, st)
	return out, nil
}

// Forget drops the tracked cursor for a path whose session is gone.
func (t *Tailer) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, path)
}

func (t *Tailer) setState(path string, st tailState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[path] = st
}
