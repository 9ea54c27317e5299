// Package emit provides observability events for workflow execution.
package emit

// Level classifies the severity of an event.
type Level string

const (
	// LevelInfo marks routine progress events (node completed, checkpoint saved).
	LevelInfo Level = "info"

	// LevelWarn marks recoverable anomalies (unmapped verdict, coerced config,
	// stuck trigger crossing the warn threshold).
	LevelWarn Level = "warn"

	// LevelError marks failures that forced an escalation or fallback
	// (missing verdict, worker failure, stuck trigger crossing the error threshold).
	LevelError Level = "error"
)

// Event is a single observability record emitted during workflow execution.
//
// Events cover node start/completion, routing decisions, checkpoint saves,
// escalations, and stuck-trigger diagnostics. They are delivered to an
// Emitter, which may log them, export them as spans, or buffer them for
// inspection in tests.
type Event struct {
	// RunID identifies the workflow run that emitted this event.
	RunID string

	// Step is the 1-indexed executor step. Zero for run-level events.
	Step int

	// NodeID identifies the node that emitted this event.
	// Empty for run-level events.
	NodeID string

	// Level is the event severity. Empty is treated as LevelInfo.
	Level Level

	// Msg is a short human-readable description.
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "checkpoint": checkpoint name that was saved
	//   - "verdict": verdict value that drove a routing decision
	//   - "trigger": escalation trigger name
	//   - "error": error details
	//   - "duration_ms": execution duration in milliseconds
	Meta map[string]interface{}
}

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use, must not panic, and
// should not block execution: buffer, drop, or hand off asynchronously
// if the backend is slow.
type Emitter interface {
	// Emit delivers one event. Errors are handled internally.
	Emit(event Event)
}
