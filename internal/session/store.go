package session

import (
	"sync"
	"time"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
)

// Store is the in-memory registry that owns all session records. Mutations
// are serialized by a single mutex; long operations never hold it.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   logging.Logger
}

// NewStore returns an empty session registry.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logging.NewComponentLogger("SessionStore"),
	}
}

// Create inserts a fresh IDLE record. It fails with RESOURCE_CONFLICT when
// the id is already in use.
func (s *Store) Create(id, yamlFile, taskPrompt string, attachments []string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, apperrors.Conflict("session already exists").WithDetail("session_id", id)
	}
	now := time.Now()
	sess := &Session{
		ID:              id,
		YamlFile:        yamlFile,
		TaskPrompt:      taskPrompt,
		TaskAttachments: append([]string(nil), attachments...),
		Status:          StatusIdle,
		CreatedAt:       now,
		UpdatedAt:       now,
		Cancel:          NewCancelSignal(),
		Artifacts:       NewArtifactQueue(DefaultMaxEvents),
	}
	s.sessions[id] = sess
	s.logger.Info("Created session %s for workflow %s", id, yamlFile)
	return sess, nil
}

// Has reports whether a record exists for id.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Remove drops the record for id, returning it when present.
func (s *Store) Remove(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	return sess
}

// UpdateOption applies a whitelisted field override alongside a status change.
type UpdateOption func(*Session)

// WithErrorMessage records the error message on the session.
func WithErrorMessage(message string) UpdateOption {
	return func(sess *Session) { sess.ErrorMessage = message }
}

// WithResults records the run results on the session.
func WithResults(results map[string]any) UpdateOption {
	return func(sess *Session) { sess.Results = results }
}

// WithCurrentNode records the node currently executing.
func WithCurrentNode(nodeID string) UpdateOption {
	return func(sess *Session) { sess.CurrentNodeID = nodeID }
}

// UpdateStatus applies a status transition plus field overrides. Transitions
// out of a terminal state are ignored so terminal statuses stay sticky.
func (s *Store) UpdateStatus(id string, status Status, opts ...UpdateOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if sess.Status.IsTerminal() {
		return
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	for _, opt := range opts {
		opt(sess)
	}
	s.logger.Info("Updated session %s status to %s", id, status)
}

// SetError transitions the session to ERROR unless already terminal.
func (s *Store) SetError(id, message string) {
	s.UpdateStatus(id, StatusError, WithErrorMessage(message))
}

// Complete transitions the session to COMPLETED unless already terminal.
func (s *Store) Complete(id string, results map[string]any) {
	s.UpdateStatus(id, StatusCompleted, WithResults(results))
}

// BeginRun records the run parameters and flips the session to RUNNING. It
// fails when the session is unknown, already running, or waiting for input.
func (s *Store) BeginRun(id, yamlFile, taskPrompt string, attachments []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apperrors.NotFound("Session not found").WithDetail("session_id", id)
	}
	if sess.Status == StatusRunning || sess.Status == StatusWaitingForInput {
		return apperrors.Conflict("Workflow is already running").
			WithDetail("session_id", id).
			WithDetail("status", string(sess.Status))
	}
	sess.YamlFile = yamlFile
	sess.TaskPrompt = taskPrompt
	sess.TaskAttachments = append([]string(nil), attachments...)
	sess.Status = StatusRunning
	sess.ErrorMessage = ""
	sess.UpdatedAt = time.Now()
	s.logger.Info("Session %s starting workflow %s", id, yamlFile)
	return nil
}

// BindExecutor attaches the executor handle for a running session.
func (s *Store) BindExecutor(id string, executor Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Executor = executor
	}
}

// ClearExecutor releases the executor handle after the run task exits.
func (s *Store) ClearExecutor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Executor = nil
	}
}

// Snapshot returns a consistent copy of primitive session state. The second
// return is false when the session does not exist.
func (s *Store) Snapshot(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return Session{
		ID:              sess.ID,
		YamlFile:        sess.YamlFile,
		TaskPrompt:      sess.TaskPrompt,
		Status:          sess.Status,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
		CurrentNodeID:   sess.CurrentNodeID,
		WaitingForInput: sess.WaitingForInput,
		ErrorMessage:    sess.ErrorMessage,
		Executor:        sess.Executor,
		Cancel:          sess.Cancel,
	}, true
}

// CancelSignal returns the session's cancellation latch.
func (s *Store) CancelSignal(id string) *CancelSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Cancel
	}
	return nil
}

// ArtifactQueue returns the artifact queue owned by the session.
func (s *Store) ArtifactQueue(id string) *ArtifactQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Artifacts
	}
	return nil
}

// Info returns the read-only projection for status endpoints, or nil when
// the session does not exist.
func (s *Store) Info(id string) *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return infoLocked(sess)
}

func infoLocked(sess *Session) *Info {
	return &Info{
		SessionID:       sess.ID,
		YamlFile:        sess.YamlFile,
		Status:          sess.Status,
		CreatedAt:       unixSeconds(sess.CreatedAt),
		UpdatedAt:       unixSeconds(sess.UpdatedAt),
		CurrentNodeID:   sess.CurrentNodeID,
		WaitingForInput: sess.WaitingForInput,
		ErrorMessage:    sess.ErrorMessage,
	}
}

// List returns projections for every live session.
func (s *Store) List() map[string]*Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Info, len(s.sessions))
	for id, sess := range s.sessions {
		out[id] = infoLocked(sess)
	}
	return out
}
