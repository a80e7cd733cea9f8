package models

import "time"

// SessionState is the derived activity state of a live agent session.
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionBusy     SessionState = "busy"
	SessionThinking SessionState = "thinking"
	SessionToolUse  SessionState = "tool-use"
	SessionTyping   SessionState = "typing"
	SessionError    SessionState = "error"
)

// ToolInvocation records one tool call observed on a session.
type ToolInvocation struct {
	Tool string    `json:"tool"`
	At   time.Time `json:"at"`
}

// LiveSession is one unit of agent work currently reported by the gateway.
// It exists only while the gateway reports it; on disappearance it is
// converted into a HistoricalSession.
type LiveSession struct {
	Key          string           `json:"key"`
	SessionID    string           `json:"sessionId"`
	State        SessionState     `json:"state"`
	Model        string           `json:"model,omitempty"`
	InputTokens  int64            `json:"inputTokens"`
	OutputTokens int64            `json:"outputTokens"`
	LastActivity time.Time        `json:"lastActivity"`
	RecentTools  []ToolInvocation `json:"recentTools,omitempty"`
}

// HistoricalSession is the bounded durable record kept for a session after
// it disappears from the gateway.
type HistoricalSession struct {
	Key          string    `json:"key"`
	SessionID    string    `json:"sessionId"`
	Model        string    `json:"model,omitempty"`
	Started      time.Time `json:"started"`
	Ended        time.Time `json:"ended"`
	Duration     string    `json:"duration"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Outcome      string    `json:"outcome,omitempty"`
}

// QueueSnapshot is a point-in-time view of the gateway's session registry.
type QueueSnapshot struct {
	Sessions           []LiveSession       `json:"sessions"`
	HistoricalSessions []HistoricalSession `json:"historicalSessions"`
	Connected          bool                `json:"connected"`
}
