// Package ws implements the WebSocket surface: the connection registry with
// per-session ordered delivery, the frame vocabulary, and the inbound
// message router.
package ws

import (
	"time"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/graph"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
)

// Frame is one JSON message pushed to a client: {"type": T, "timestamp": S,
// "data": {...}}. All payload fields live under data.
type Frame map[string]any

// dictCapable lets payload values control their own wire shape.
type dictCapable interface {
	ToDict() map[string]any
}

// NewFrame stamps a frame of the given type with an empty payload.
func NewFrame(frameType string) Frame {
	return Frame{
		"type":      frameType,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
		"data":      map[string]any{},
	}
}

// With attaches a data field, normalizing payloads that know their wire shape.
func (f Frame) With(key string, value any) Frame {
	f.Data()[key] = normalize(value)
	return f
}

// Data returns the payload map, or nil for a frame without one.
func (f Frame) Data() map[string]any {
	data, _ := f["data"].(map[string]any)
	return data
}

func normalize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case dictCapable:
		return v.ToDict()
	case error:
		return v.Error()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// Type returns the frame type.
func (f Frame) Type() string {
	t, _ := f["type"].(string)
	return t
}

// ConnectionFrame greets a freshly accepted client with its session id.
func ConnectionFrame(sessionID string) Frame {
	return NewFrame("connection").
		With("session_id", sessionID).
		With("status", "connected")
}

// WorkflowStartedFrame announces that the run task was spawned.
func WorkflowStartedFrame(sessionID, yamlFile, taskPrompt string) Frame {
	return NewFrame("workflow_started").
		With("session_id", sessionID).
		With("yaml_file", yamlFile).
		With("task_prompt", taskPrompt)
}

// LogFrame streams one workflow log entry.
func LogFrame(sessionID string, entry graph.LogEntry) Frame {
	return NewFrame("log").
		With("session_id", sessionID).
		With("log", logEntryDict(entry))
}

func logEntryDict(entry graph.LogEntry) map[string]any {
	out := map[string]any{
		"timestamp":  entry.Timestamp,
		"level":      entry.Level,
		"event_type": entry.EventType,
		"message":    entry.Message,
	}
	if entry.NodeID != "" {
		out["node_id"] = entry.NodeID
	}
	if entry.Details != nil {
		out["details"] = entry.Details
	}
	if entry.ExecutionPath != nil {
		out["execution_path"] = entry.ExecutionPath
	}
	if entry.Duration != nil {
		out["duration"] = *entry.Duration
	}
	return out
}

// WaitingForInputFrame asks the client to answer a human node.
func WaitingForInputFrame(sessionID, nodeID, prompt string, timeoutSeconds float64) Frame {
	return NewFrame("waiting_for_input").
		With("session_id", sessionID).
		With("node_id", nodeID).
		With("prompt", prompt).
		With("timeout_seconds", timeoutSeconds)
}

// InputReceivedFrame acknowledges accepted human input.
func InputReceivedFrame(sessionID, nodeID string) Frame {
	return NewFrame("input_received").
		With("session_id", sessionID).
		With("node_id", nodeID).
		With("message", "Input received, workflow resuming")
}

// CompletedFrame carries the final results of a successful run, with the
// summary and token usage lifted out for clients that skip the full results.
func CompletedFrame(sessionID string, results map[string]any) Frame {
	f := NewFrame("workflow_completed").
		With("session_id", sessionID).
		With("results", results)
	if summary, ok := results["final_output"]; ok {
		f.With("summary", summary)
	}
	if usage, ok := results["token_usage"]; ok {
		f.With("token_usage", usage)
	}
	return f
}

// CancelledFrame reports the cooperative cancellation outcome.
func CancelledFrame(sessionID, reason string) Frame {
	if reason == "" {
		reason = "Workflow execution was cancelled"
	}
	return NewFrame("workflow_cancelled").
		With("session_id", sessionID).
		With("message", reason)
}

// ErrorFrame reports a failure in the error-envelope shape used by the REST
// surface so clients share one decoder.
func ErrorFrame(sessionID string, err error) Frame {
	app := apperrors.AsAppError(err)
	return NewFrame("error").
		With("session_id", sessionID).
		With("error", map[string]any{
			"code":    string(app.Code),
			"message": app.Message,
			"details": app.Details,
		})
}

// WorkflowErrorFrame reports a failed run with its terminal error. Runs fail
// with the same frame type the router uses so clients share one handler.
func WorkflowErrorFrame(sessionID string, err error) Frame {
	app := apperrors.AsAppError(err)
	return NewFrame("error").
		With("session_id", sessionID).
		With("error", map[string]any{
			"code":    string(app.Code),
			"message": app.Message,
			"details": app.Details,
		})
}

// StatusFrame answers a get_status request.
func StatusFrame(info *session.Info) Frame {
	return NewFrame("status").
		With("session_id", info.SessionID).
		With("status", string(info.Status)).
		With("yaml_file", info.YamlFile).
		With("current_node_id", info.CurrentNodeID).
		With("waiting_for_input", info.WaitingForInput).
		With("error_message", info.ErrorMessage)
}

// PongFrame answers a ping with the current wall-clock time.
func PongFrame() Frame {
	return NewFrame("pong").
		With("timestamp", float64(time.Now().UnixNano())/float64(time.Second))
}

// BatchFrame builds batch lifecycle frames (batch_started, batch_task_*,
// batch_completed) from a shared payload.
func BatchFrame(frameType, sessionID string, fields map[string]any) Frame {
	f := NewFrame(frameType).With("session_id", sessionID)
	for k, v := range fields {
		f.With(k, v)
	}
	return f
}
