package ws

import (
	"encoding/json"
	"strings"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
)

// Router dispatches inbound client messages. Errors never tear the
// connection down; they are reported back as error frames.
type Router struct {
	store      *session.Store
	controller *session.ExecutionController
	manager    *Manager
	logger     logging.Logger
}

// NewRouter returns a router sending replies through manager.
func NewRouter(store *session.Store, controller *session.ExecutionController, manager *Manager) *Router {
	return &Router{
		store:      store,
		controller: controller,
		manager:    manager,
		logger:     logging.NewComponentLogger("MessageRouter"),
	}
}

type inboundMessage struct {
	Type string `json:"type"`
	Data struct {
		Input       string   `json:"input"`
		Attachments []string `json:"attachments"`
	} `json:"data"`
}

// Handle processes one raw client message for the session.
func (r *Router) Handle(sessionID string, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.manager.Send(sessionID, ErrorFrame(sessionID,
			apperrors.Validation("invalid JSON message")))
		return
	}

	switch msg.Type {
	case "ping":
		r.manager.Send(sessionID, PongFrame())
	case "get_status":
		r.handleGetStatus(sessionID)
	case "human_input":
		r.handleHumanInput(sessionID, msg)
	default:
		r.manager.Send(sessionID, ErrorFrame(sessionID,
			apperrors.Validation("unknown message type").WithDetail("message_type", msg.Type)))
	}
}

func (r *Router) handleGetStatus(sessionID string) {
	info := r.store.Info(sessionID)
	if info == nil {
		r.manager.Send(sessionID, ErrorFrame(sessionID,
			apperrors.NotFound("Session not found").WithDetail("session_id", sessionID)))
		return
	}
	r.manager.Send(sessionID, StatusFrame(info))
}

// handleHumanInput validates and deposits the user's reply. An accepted
// reply is acknowledged with input_received; the resuming worker emits the
// follow-up workflow frames.
func (r *Router) handleHumanInput(sessionID string, msg inboundMessage) {
	text := strings.TrimSpace(msg.Data.Input)
	if text == "" && len(msg.Data.Attachments) == 0 {
		r.manager.Send(sessionID, ErrorFrame(sessionID,
			apperrors.Validation("human_input requires input text or attachments")))
		return
	}

	snap, ok := r.store.Snapshot(sessionID)
	if !ok {
		r.manager.Send(sessionID, ErrorFrame(sessionID,
			apperrors.NotFound("Session not found").WithDetail("session_id", sessionID)))
		return
	}
	nodeID := snap.CurrentNodeID

	payload := map[string]any{"text": text}
	if len(msg.Data.Attachments) > 0 {
		payload["attachment_ids"] = msg.Data.Attachments
	}
	if err := r.controller.Provide(sessionID, payload); err != nil {
		r.manager.Send(sessionID, ErrorFrame(sessionID, err))
		return
	}
	r.logger.Info("Accepted human input for session %s node %s", sessionID, nodeID)
	r.manager.Send(sessionID, InputReceivedFrame(sessionID, nodeID))
}
