package models

import "time"

// WorkEventType classifies a unit of detected agent activity.
type WorkEventType string

const (
	EventToolCall      WorkEventType = "tool-call"
	EventFileWrite     WorkEventType = "file-write"
	EventFileRead      WorkEventType = "file-read"
	EventGitCommit     WorkEventType = "git-commit"
	EventGitPush       WorkEventType = "git-push"
	EventExecCommand   WorkEventType = "exec-command"
	EventWebFetch      WorkEventType = "web-fetch"
	EventBrowserAction WorkEventType = "browser-action"
	EventBuild         WorkEventType = "build"
	EventTest          WorkEventType = "test"
	EventDeploy        WorkEventType = "deploy"
	EventError         WorkEventType = "error"
	EventMessageSend   WorkEventType = "message-send"
)

// WorkEvent is a typed, classified unit of activity derived from transcript
// content. WorkEvents are ephemeral: produced by the detector, consumed once
// by the correlator, never persisted.
type WorkEvent struct {
	Type        WorkEventType
	Description string
	Details     []string
	Tool        string
	Timestamp   time.Time
	Confidence  float64
}
