package session

import (
	"time"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
)

// DefaultInputTimeout bounds how long a worker blocks on a human reply.
const DefaultInputTimeout = 1800 * time.Second

// ExecutionController coordinates the blocking human-input rendezvous between
// a run worker and the connection side.
//
// Per session the rendezvous follows arm -> wait -> fulfil: Arm installs a
// one-shot reply slot and flips the session to WAITING_FOR_INPUT, the worker
// blocks in Wait, and Provide deposits the reply. Cancellation and timeouts
// resolve the wait without a reply; any exit clears the arm state so the next
// human node can re-arm.
type ExecutionController struct {
	store  *Store
	logger logging.Logger
}

// NewExecutionController returns a controller bound to the session store.
func NewExecutionController(store *Store) *ExecutionController {
	return &ExecutionController{
		store:  store,
		logger: logging.NewComponentLogger("ExecutionController"),
	}
}

// Arm marks the session as waiting for input at nodeID and installs a fresh
// reply slot. Arming while a previous rendezvous is still pending fails.
func (c *ExecutionController) Arm(sessionID, nodeID string, inputDescriptor map[string]any) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	sess, ok := c.store.sessions[sessionID]
	if !ok {
		return apperrors.Validation("Session not found").WithDetail("session_id", sessionID)
	}
	if sess.WaitingForInput || sess.replySlot != nil {
		return apperrors.Validation("Session is already waiting for input").
			WithDetail("session_id", sessionID).
			WithDetail("node_id", nodeID)
	}
	sess.WaitingForInput = true
	sess.CurrentNodeID = nodeID
	sess.PendingInput = inputDescriptor
	sess.replySlot = make(chan map[string]any, 1)
	if !sess.Status.IsTerminal() {
		sess.Status = StatusWaitingForInput
		sess.UpdatedAt = time.Now()
	}
	c.logger.Info("Session %s waiting for input at node %s", sessionID, nodeID)
	return nil
}

// Wait blocks the calling worker until a reply is provided, the session is
// cancelled, or timeout elapses. The arm state is cleared on every exit so a
// later node can arm again.
func (c *ExecutionController) Wait(sessionID string, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultInputTimeout
	}

	c.store.mu.Lock()
	sess, ok := c.store.sessions[sessionID]
	if !ok {
		c.store.mu.Unlock()
		return nil, apperrors.Validation("Session not found").WithDetail("session_id", sessionID)
	}
	slot := sess.replySlot
	cancel := sess.Cancel
	if slot == nil {
		c.store.mu.Unlock()
		return nil, apperrors.Validation("Session is not waiting for input").
			WithDetail("session_id", sessionID)
	}
	c.store.mu.Unlock()

	defer c.clearArmState(sessionID)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case payload := <-slot:
		c.logger.Info("Human input received for session %s", sessionID)
		return payload, nil
	case <-cancel.Done():
		c.logger.Info("Human input wait cancelled for session %s", sessionID)
		return nil, apperrors.WorkflowCancelled("Workflow execution cancelled").
			WithDetail("session_id", sessionID)
	case <-deadline.C:
		c.logger.Warn("Session %s human input timeout", sessionID)
		return nil, apperrors.Timeout("Input timeout").
			WithDetail("operation", "wait_for_human_input").
			WithDetail("timeout_seconds", timeout.Seconds())
	}
}

// Provide deposits the user's reply into the armed slot. It fails with a
// validation error when the session is not waiting for input, which also
// covers a second Provide after fulfilment.
func (c *ExecutionController) Provide(sessionID string, payload map[string]any) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	sess, ok := c.store.sessions[sessionID]
	if !ok {
		return apperrors.Validation("Session not found").WithDetail("session_id", sessionID)
	}
	if !sess.WaitingForInput || sess.replySlot == nil {
		return apperrors.Validation("Session is not waiting for input").
			WithDetail("session_id", sessionID).
			WithDetail("waiting_for_input", sess.WaitingForInput)
	}
	// Capacity one and WaitingForInput is cleared below, so the deposit never
	// blocks and never happens twice for the same arming.
	sess.replySlot <- payload
	sess.WaitingForInput = false
	c.logger.Info("Human input provided for session %s", sessionID)
	return nil
}

// Cleanup resets any pending rendezvous. It is idempotent and safe to call
// for unknown sessions.
func (c *ExecutionController) Cleanup(sessionID string) {
	c.clearArmState(sessionID)
	c.logger.Debug("Session %s cleaned from execution controller", sessionID)
}

func (c *ExecutionController) clearArmState(sessionID string) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	sess, ok := c.store.sessions[sessionID]
	if !ok {
		return
	}
	sess.WaitingForInput = false
	sess.CurrentNodeID = ""
	sess.PendingInput = nil
	sess.replySlot = nil
}
