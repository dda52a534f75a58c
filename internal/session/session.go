// Package session implements the in-memory workflow session registry, the
// per-session artifact event queue, and the human-input execution controller.
package session

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a workflow session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Executor is the narrow handle the session keeps on a running graph
// executor: enough to propagate cancellation, nothing more.
type Executor interface {
	RequestCancel(reason string)
}

// CancelSignal is a one-way latch observable by both the run worker and the
// connection side. Setting it more than once is a no-op.
type CancelSignal struct {
	once sync.Once
	ch   chan struct{}

	mu     sync.Mutex
	reason string
}

// NewCancelSignal returns an unset latch.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Set trips the latch, recording the first reason provided.
func (c *CancelSignal) Set(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.ch)
	})
}

// IsSet reports whether the latch has been tripped.
func (c *CancelSignal) IsSet() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Done exposes the latch as a channel for select loops.
func (c *CancelSignal) Done() <-chan struct{} { return c.ch }

// Reason returns the recorded cancellation reason, if any.
func (c *CancelSignal) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Session is the mutable record describing one workflow session. All fields
// are guarded by the owning Store's mutex; other components hold the id and
// go through the store.
type Session struct {
	ID              string
	YamlFile        string
	TaskPrompt      string
	TaskAttachments []string

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time

	// Execution handles.
	Executor      Executor
	CurrentNodeID string

	// Human input rendezvous state.
	WaitingForInput bool
	PendingInput    map[string]any
	replySlot       chan map[string]any

	// Outcome.
	Results      map[string]any
	ErrorMessage string

	Cancel *CancelSignal

	Artifacts *ArtifactQueue
}

// Info is the read-only projection served by status endpoints and frames.
type Info struct {
	SessionID       string  `json:"session_id"`
	YamlFile        string  `json:"yaml_file"`
	Status          Status  `json:"status"`
	CreatedAt       float64 `json:"created_at"`
	UpdatedAt       float64 `json:"updated_at"`
	CurrentNodeID   string  `json:"current_node_id,omitempty"`
	WaitingForInput bool    `json:"waiting_for_input"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
