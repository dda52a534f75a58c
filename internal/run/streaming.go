// Package run drives workflow execution: the interactive run service behind
// the execute endpoint, the streaming bridge between executor and client,
// and the non-interactive batch runner.
package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/OpenBMB/ChatDev-sub003/internal/attachments"
	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/graph"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
	"github.com/OpenBMB/ChatDev-sub003/internal/ws"
)

// FrameSender is the narrow slice of the connection manager a run needs.
type FrameSender interface {
	Send(sessionID string, frame ws.Frame)
	SendSync(sessionID string, frame ws.Frame)
}

// Streamer bridges one run to its session: workflow log entries become
// frames, workspace artifacts feed the artifact queue, and human nodes block
// on the execution controller.
type Streamer struct {
	sessionID    string
	store        *session.Store
	controller   *session.ExecutionController
	sender       FrameSender
	attachments  *attachments.Service
	inputTimeout time.Duration
	logger       logging.Logger

	// targetStore receives attachment blocks built from human replies so the
	// files land inside the run workspace.
	targetStore *attachments.Store
}

// NewStreamer builds the bridge for one session.
func NewStreamer(sessionID string, store *session.Store, controller *session.ExecutionController, sender FrameSender, svc *attachments.Service) *Streamer {
	return &Streamer{
		sessionID:    sessionID,
		store:        store,
		controller:   controller,
		sender:       sender,
		attachments:  svc,
		inputTimeout: session.DefaultInputTimeout,
		logger:       logging.NewComponentLogger("RunStreamer"),
	}
}

// SetInputTimeout overrides the human-input wait bound.
func (s *Streamer) SetInputTimeout(d time.Duration) {
	if d > 0 {
		s.inputTimeout = d
	}
}

// SetTargetStore routes reply attachments into the given store.
func (s *Streamer) SetTargetStore(store *attachments.Store) {
	s.targetStore = store
}

// Emit implements graph.WorkflowLogger. Log frames use the backpressured
// path so a slow client throttles the run instead of losing entries.
func (s *Streamer) Emit(entry graph.LogEntry) {
	s.sender.SendSync(s.sessionID, ws.LogFrame(s.sessionID, entry))
}

// ArtifactSink converts executor artifacts into queue events.
func (s *Streamer) ArtifactSink(artifacts []graph.Artifact) {
	queue := s.store.ArtifactQueue(s.sessionID)
	if queue == nil {
		return
	}
	events := make([]*session.ArtifactEvent, 0, len(artifacts))
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	for _, artifact := range artifacts {
		size := artifact.Size
		events = append(events, &session.ArtifactEvent{
			EventID:       uuid.NewString(),
			NodeID:        artifact.NodeID,
			AttachmentID:  artifact.AttachmentID,
			FileName:      artifact.FileName,
			RelativePath:  artifact.RelativePath,
			WorkspacePath: artifact.WorkspacePath,
			MimeType:      artifact.MimeType,
			Size:          &size,
			SHA256:        artifact.SHA256,
			CreatedAt:     now,
			ChangeType:    artifact.ChangeType,
		})
	}
	queue.AppendMany(events)
}

// Request implements graph.PromptChannel. It arms the controller, notifies
// the client, and blocks until a reply, cancellation, or timeout.
func (s *Streamer) Request(nodeID, task, currentOutput string) (graph.PromptResult, error) {
	descriptor := map[string]any{
		"node_id": nodeID,
		"prompt":  task,
	}
	if err := s.controller.Arm(s.sessionID, nodeID, descriptor); err != nil {
		return graph.PromptResult{}, err
	}
	s.store.UpdateStatus(s.sessionID, session.StatusWaitingForInput, session.WithCurrentNode(nodeID))
	s.sender.SendSync(s.sessionID, ws.WaitingForInputFrame(s.sessionID, nodeID, task, s.inputTimeout.Seconds()))

	payload, err := s.controller.Wait(s.sessionID, s.inputTimeout)
	if err != nil {
		return graph.PromptResult{}, err
	}
	s.store.UpdateStatus(s.sessionID, session.StatusRunning)

	result := graph.PromptResult{}
	if text, ok := payload["text"].(string); ok {
		result.Text = text
	}
	ids := attachmentIDs(payload["attachment_ids"])
	if len(ids) > 0 {
		blocks, err := s.attachments.BuildAttachmentBlocks(s.sessionID, ids, s.targetStore)
		if err != nil {
			s.logger.Warn("Failed to build attachment blocks for session %s: %v", s.sessionID, err)
			s.sender.Send(s.sessionID, ws.ErrorFrame(s.sessionID, apperrors.AsAppError(err)))
		} else {
			result.Blocks = blocks
		}
	}
	return result, nil
}

func attachmentIDs(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
