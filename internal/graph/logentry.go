package graph

import (
	"strings"
	"time"
)

// LogEntry is one structured workflow event streamed to clients and written
// to the workflow log.
type LogEntry struct {
	Timestamp     float64        `json:"timestamp"`
	Level         string         `json:"level"`
	NodeID        string         `json:"node_id,omitempty"`
	EventType     string         `json:"event_type"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	ExecutionPath []string       `json:"execution_path,omitempty"`
	Duration      *float64       `json:"duration,omitempty"`
}

// Event types emitted by the executor.
const (
	EventWorkflowStart    = "workflow_start"
	EventWorkflowComplete = "workflow_complete"
	EventNodeStart        = "node_start"
	EventNodeComplete     = "node_complete"
	EventNodeError        = "node_error"
	EventWaitingForInput  = "waiting_for_input"
	EventInputReceived    = "input_received"
)

// WorkflowLogger consumes log entries produced during a run. Implementations
// must be safe for use from the executor goroutine.
type WorkflowLogger interface {
	Emit(entry LogEntry)
}

// NopWorkflowLogger discards every entry.
type NopWorkflowLogger struct{}

func (NopWorkflowLogger) Emit(LogEntry) {}

// logLevelRank orders levels for run-level filtering.
func logLevelRank(level string) int {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return 0
	case "INFO":
		return 1
	case "WARNING", "WARN":
		return 2
	case "ERROR", "CRITICAL":
		return 3
	default:
		return 1
	}
}

// NewLogEntry stamps an entry with the current time.
func NewLogEntry(level, nodeID, eventType, message string) LogEntry {
	return LogEntry{
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Level:     level,
		NodeID:    nodeID,
		EventType: eventType,
		Message:   message,
	}
}
