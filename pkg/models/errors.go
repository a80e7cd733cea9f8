package models

import "fmt"

// ValidationError reports a synchronously rejected mutation: a bad status
// value, a self-dependency, or a role violation. Nothing is persisted when
// one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// PermissionError is the role-violation flavor of validation failure: an
// agent attempting a transition reserved for the orchestrator.
type PermissionError struct {
	Role   string
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// NotFoundError reports an unknown task, subtask, or session. Surfaced to
// the caller, never retried.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// CircularDependencyError reports a dependency edge that would create a
// cycle. The mutation is rejected before any state changes.
type CircularDependencyError struct {
	From string
	To   string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.From, e.To)
}

// CorruptionError reports an unreadable durable store. Callers attempt
// best-effort recovery and fall back to the last good in-memory snapshot;
// the process never crashes from one.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }
