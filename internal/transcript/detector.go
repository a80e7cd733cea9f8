// Package transcript turns an agent's append-only activity transcript into
// typed work events. The detector is a deterministic pattern classifier; the
// tailer streams newly appended records by byte offset.
package transcript

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// Record kinds in the transcript format.
const (
	kindSession     = "session"
	kindModelChange = "model_change"
	kindMessage     = "message"
)

// Record is one line of the transcript. The format is collaborator-owned
// and consumed read-only.
type Record struct {
	Kind      string    `json:"kind"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Message   *Message  `json:"message,omitempty"`
}

// Message is the message payload of a transcript record.
type Message struct {
	Role    string        `json:"role"` // user | assistant | toolResult
	Content []ContentItem `json:"content"`
}

// ContentItem is one typed item in a message's content array.
type ContentItem struct {
	Type string         `json:"type"` // text | toolCall | image
	Text string         `json:"text,omitempty"`
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// Detector classifies transcript records into work events.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

var commitMessagePattern = regexp.MustCompile(`-m\s+"([^"]*)"`)

// Tool-name fragments dispatched by the classifier.
var (
	writeToolNames = []string{"write", "edit", "patch", "create_file", "str_replace"}
	readToolNames  = []string{"read", "view", "open_file", "cat"}
	execToolNames  = []string{"exec", "bash", "shell", "run_command"}
	fetchToolNames = []string{"fetch", "web_fetch", "http"}
	browserNames   = []string{"browser", "playwright", "puppeteer"}
)

// Extensions whose writes imply a build-relevant source or style change.
var buildExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".cc": true,
	".cpp": true, ".css": true, ".scss": true, ".less": true, ".vue": true,
	".svelte": true,
}

// Error signatures scanned in toolResult content. A match emits an error
// event carrying the first matching line.
var errorSignatures = []string{
	"traceback (most recent call last",
	"panic:",
	"exit status 1",
	"non-zero exit",
	"command failed",
	"exception",
	"fatal:",
	"npm err!",
	"error:",
	"failed with",
	"segmentation fault",
}

// DetectEvents classifies one newly appended transcript record into zero or
// more work events.
func (d *Detector) DetectEvents(rec Record) []models.WorkEvent {
	if rec.Kind != kindMessage || rec.Message == nil {
		return nil
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch rec.Message.Role {
	case "assistant":
		return d.detectAssistant(rec.Message, ts)
	case "toolResult":
		return d.detectToolResult(rec.Message, ts)
	default:
		return nil
	}
}

func (d *Detector) detectAssistant(msg *Message, ts time.Time) []models.WorkEvent {
	var out []models.WorkEvent
	for _, item := range msg.Content {
		switch item.Type {
		case "toolCall":
			out = append(out, d.classifyToolCall(item, ts)...)
		case "text":
			if text := strings.TrimSpace(item.Text); text != "" {
				out = append(out, models.WorkEvent{
					Type:        models.EventMessageSend,
					Description: truncate(firstLine(text), 160),
					Timestamp:   ts,
					Confidence:  0.3,
				})
			}
		}
	}
	return out
}

// classifyToolCall dispatches on the tool name.
func (d *Detector) classifyToolCall(item ContentItem, ts time.Time) []models.WorkEvent {
	tool := strings.ToLower(item.Tool)

	switch {
	case matchesAny(tool, writeToolNames):
		path := argString(item.Args, "path", "file", "file_path")
		events := []models.WorkEvent{{
			Type:        models.EventFileWrite,
			Description: "Writing file: " + path,
			Details:     []string{path},
			Tool:        item.Tool,
			Timestamp:   ts,
			Confidence:  0.9,
		}}
		if ext := fileExt(path); buildExtensions[ext] {
			events = append(events, models.WorkEvent{
				Type:        models.EventBuild,
				Description: "Source change: " + path,
				Details:     []string{path},
				Tool:        item.Tool,
				Timestamp:   ts,
				Confidence:  0.5,
			})
		}
		return events

	case matchesAny(tool, readToolNames):
		path := argString(item.Args, "path", "file", "file_path")
		return []models.WorkEvent{{
			Type:        models.EventFileRead,
			Description: "Reading file: " + path,
			Details:     []string{path},
			Tool:        item.Tool,
			Timestamp:   ts,
			Confidence:  0.9,
		}}

	case matchesAny(tool, execToolNames):
		command := argString(item.Args, "command", "cmd")
		return []models.WorkEvent{d.classifyCommand(command, item.Tool, ts)}

	case matchesAny(tool, fetchToolNames):
		url := argString(item.Args, "url")
		return []models.WorkEvent{{
			Type:        models.EventWebFetch,
			Description: "Fetching: " + url,
			Details:     []string{url},
			Tool:        item.Tool,
			Timestamp:   ts,
			Confidence:  0.9,
		}}

	case matchesAny(tool, browserNames):
		return []models.WorkEvent{{
			Type:        models.EventBrowserAction,
			Description: "Browser action: " + item.Tool,
			Tool:        item.Tool,
			Timestamp:   ts,
			Confidence:  0.8,
		}}

	default:
		return []models.WorkEvent{{
			Type:        models.EventToolCall,
			Description: "Tool call: " + item.Tool,
			Tool:        item.Tool,
			Timestamp:   ts,
			Confidence:  0.5,
		}}
	}
}

// classifyCommand inspects an exec command string for well-known
// sub-patterns.
func (d *Detector) classifyCommand(command, tool string, ts time.Time) models.WorkEvent {
	lower := strings.ToLower(command)

	switch {
	case strings.Contains(lower, "git commit"):
		desc := "Git commit"
		if m := commitMessagePattern.FindStringSubmatch(command); m != nil {
			desc = "Git commit: " + m[1]
		}
		return models.WorkEvent{
			Type:        models.EventGitCommit,
			Description: desc,
			Details:     []string{command},
			Tool:        tool,
			Timestamp:   ts,
			Confidence:  0.95,
		}
	case strings.Contains(lower, "git push"):
		return models.WorkEvent{
			Type:        models.EventGitPush,
			Description: "Git push",
			Details:     []string{command},
			Tool:        tool,
			Timestamp:   ts,
			Confidence:  0.95,
		}
	case strings.Contains(lower, "docker compose up") ||
		strings.Contains(lower, "docker-compose up") ||
		strings.Contains(lower, "docker compose build") ||
		strings.Contains(lower, "docker build"):
		return models.WorkEvent{
			Type:        models.EventDeploy,
			Description: "Docker build/deploy",
			Details:     []string{command},
			Tool:        tool,
			Timestamp:   ts,
			Confidence:  0.85,
		}
	case isTestCommand(lower):
		return models.WorkEvent{
			Type:        models.EventTest,
			Description: "Running tests: " + truncate(command, 120),
			Details:     []string{command},
			Tool:        tool,
			Timestamp:   ts,
			Confidence:  0.9,
		}
	case isBuildCommand(lower):
		return models.WorkEvent{
			Type:        models.EventBuild,
			Description: "Build: " + truncate(command, 120),
			Details:     []string{command},
			Tool:        tool,
			Timestamp:   ts,
			Confidence:  0.85,
		}
	default:
		return models.WorkEvent{
			Type:        models.EventExecCommand,
			Description: "Running: " + truncate(command, 120),
			Details:     []string{command},
			Tool:        tool,
			Timestamp:   ts,
			Confidence:  0.6,
		}
	}
}

func isTestCommand(lower string) bool {
	for _, pattern := range []string{"go test", "npm test", "yarn test", "pnpm test", "pytest", "jest", "cargo test", "vitest"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isBuildCommand(lower string) bool {
	for _, pattern := range []string{"npm run build", "yarn build", "pnpm build", "go build", "cargo build", "make ", "mvn "} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return strings.HasSuffix(lower, "make")
}

// detectToolResult scans result text against the error signatures.
func (d *Detector) detectToolResult(msg *Message, ts time.Time) []models.WorkEvent {
	for _, item := range msg.Content {
		if item.Type != "text" || item.Text == "" {
			continue
		}
		for _, line := range strings.Split(item.Text, "\n") {
			lower := strings.ToLower(line)
			for _, sig := range errorSignatures {
				if strings.Contains(lower, sig) {
					return []models.WorkEvent{{
						Type:        models.EventError,
						Description: truncate(strings.TrimSpace(line), 160),
						Timestamp:   ts,
						Confidence:  0.8,
					}}
				}
			}
		}
	}
	return nil
}

// ParseRecord decodes one transcript line. Malformed lines return nil.
func ParseRecord(line []byte) *Record {
	if len(line) == 0 {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}
	return &rec
}

func matchesAny(tool string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(tool, f) {
			return true
		}
	}
	return false
}

func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func fileExt(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(path[idx:])
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
