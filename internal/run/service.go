package run

import (
	"strings"

	"github.com/OpenBMB/ChatDev-sub003/internal/attachments"
	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/graph"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
	"github.com/OpenBMB/ChatDev-sub003/internal/workflowstore"
	"github.com/OpenBMB/ChatDev-sub003/internal/ws"
)

// ConnectionRegistry extends FrameSender with connection liveness, which
// decides whether a finished session is garbage collected.
type ConnectionRegistry interface {
	FrameSender
	IsConnected(sessionID string) bool
}

// Service starts and cancels interactive workflow runs. Each run executes on
// its own goroutine and streams progress over the session's connection.
type Service struct {
	store       *session.Store
	controller  *session.ExecutionController
	conns       ConnectionRegistry
	attachments *attachments.Service
	yamlDir     string
	outputRoot  string
	provider    graph.Provider
	workLog     *workflowLogWriter
	logger      logging.Logger

	// onRunDone, when set, is signalled after the run goroutine has fully
	// finished its cleanup. Used by tests and the batch runner.
	onRunDone func(sessionID string)
}

// NewService wires the run service.
func NewService(store *session.Store, controller *session.ExecutionController, conns ConnectionRegistry, svc *attachments.Service, yamlDir, outputRoot string) *Service {
	return &Service{
		store:       store,
		controller:  controller,
		conns:       conns,
		attachments: svc,
		yamlDir:     yamlDir,
		outputRoot:  outputRoot,
		logger:      logging.NewComponentLogger("WorkflowRunService"),
	}
}

// SetProvider overrides the default model provider for all runs.
func (s *Service) SetProvider(p graph.Provider) { s.provider = p }

// SetRunDoneHook installs a callback fired when a run goroutine exits.
func (s *Service) SetRunDoneHook(fn func(sessionID string)) { s.onRunDone = fn }

// SetWorkflowLogFile enables the persistent JSONL workflow log.
func (s *Service) SetWorkflowLogFile(path string) {
	if path != "" {
		s.workLog = newWorkflowLogWriter(path)
	}
}

// Start validates the request, flips the session to RUNNING, and spawns the
// run worker. It returns once the workflow_started frame is queued. A
// non-empty logLevel overrides the definition's own log_level for this run.
func (s *Service) Start(sessionID, yamlFile, taskPrompt string, attachmentIDs []string, logLevel string) error {
	yamlPath, err := workflowstore.SafeJoin(s.yamlDir, yamlFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(taskPrompt) == "" && len(attachmentIDs) == 0 {
		return apperrors.Validation("task prompt or attachments required")
	}
	if err := s.store.BeginRun(sessionID, yamlFile, taskPrompt, attachmentIDs); err != nil {
		return err
	}

	s.conns.Send(sessionID, ws.WorkflowStartedFrame(sessionID, yamlFile, taskPrompt))
	go s.executeWorkflow(sessionID, yamlPath, yamlFile, taskPrompt, attachmentIDs, logLevel)
	return nil
}

// RequestCancel trips the session's cancel latch and forwards to the bound
// executor. It is idempotent and safe for unknown sessions.
func (s *Service) RequestCancel(sessionID, reason string) error {
	snap, ok := s.store.Snapshot(sessionID)
	if !ok {
		return apperrors.NotFound("Session not found").WithDetail("session_id", sessionID)
	}
	if reason == "" {
		reason = "cancellation requested"
	}
	snap.Cancel.Set(reason)
	// The status flips immediately so polls observe the cancellation before
	// the run goroutine winds down.
	s.store.UpdateStatus(sessionID, session.StatusCancelled)
	if snap.Executor != nil {
		snap.Executor.RequestCancel(reason)
	}
	s.logger.Info("Cancellation requested for session %s: %s", sessionID, reason)
	return nil
}

func (s *Service) executeWorkflow(sessionID, yamlPath, yamlFile, taskPrompt string, attachmentIDs []string, logLevel string) {
	defer func() {
		s.store.ClearExecutor(sessionID)
		s.controller.Cleanup(sessionID)
		if !s.conns.IsConnected(sessionID) {
			s.store.Remove(sessionID)
			s.attachments.Cleanup(sessionID)
		}
		if s.onRunDone != nil {
			s.onRunDone(sessionID)
		}
	}()

	def, err := graph.LoadDefinition(yamlPath, nil)
	if err != nil {
		s.failRun(sessionID, err)
		return
	}

	runLevel := logLevel
	if runLevel == "" {
		runLevel = def.Graph.LogLevel
	}
	runCtx, err := graph.NewContext(graph.Config{
		Definition: def,
		Name:       attachments.SessionDirName(sessionID),
		OutputRoot: s.outputRoot,
		SourcePath: yamlPath,
		LogLevel:   runLevel,
	})
	if err != nil {
		s.failRun(sessionID, apperrors.WorkflowExecution("failed to prepare workspace").WithCause(err))
		return
	}

	streamer := NewStreamer(sessionID, s.store, s.controller, s.conns, s.attachments)
	streamer.SetTargetStore(runCtx.AttachmentStore())

	var workflowLogger graph.WorkflowLogger = streamer
	if s.workLog != nil {
		workflowLogger = teeWorkflowLogger{streamer, sessionLogSink{s.workLog, sessionID}}
	}

	opts := []graph.Option{
		graph.WithWorkflowLogger(workflowLogger),
		graph.WithPromptChannel(streamer),
		graph.WithArtifactSink(streamer.ArtifactSink),
	}
	if s.provider != nil {
		opts = append(opts, graph.WithProvider(s.provider))
	}
	executor := graph.NewExecutor(runCtx, opts...)
	s.store.BindExecutor(sessionID, executor)

	// A cancel that raced the spawn still has to reach the executor.
	cancel := s.store.CancelSignal(sessionID)
	if cancel != nil && cancel.IsSet() {
		executor.RequestCancel(cancel.Reason())
	}

	input, err := s.buildInitialInput(sessionID, taskPrompt, attachmentIDs, runCtx)
	if err != nil {
		s.failRun(sessionID, err)
		return
	}

	results, err := executor.Run(input)
	switch {
	case apperrors.IsCancelled(err) || (cancel != nil && cancel.IsSet()):
		reason := ""
		if cancel != nil {
			reason = cancel.Reason()
		}
		s.store.UpdateStatus(sessionID, session.StatusCancelled)
		s.conns.Send(sessionID, ws.CancelledFrame(sessionID, reason))
		s.logger.Info("Session %s cancelled", sessionID)
	case err != nil:
		s.failRun(sessionID, err)
	default:
		s.store.Complete(sessionID, results)
		s.conns.Send(sessionID, ws.CompletedFrame(sessionID, results))
		s.logger.Info("Session %s completed workflow %s", sessionID, yamlFile)
	}
}

func (s *Service) failRun(sessionID string, err error) {
	app := apperrors.AsAppError(err)
	s.logger.Error("Session %s failed: %v", sessionID, app)
	s.store.SetError(sessionID, app.Message)
	s.conns.Send(sessionID, ws.WorkflowErrorFrame(sessionID, app))
}

// buildInitialInput combines the task prompt with any referenced uploads,
// ingesting the files into the run workspace.
func (s *Service) buildInitialInput(sessionID, taskPrompt string, attachmentIDs []string, runCtx *graph.Context) (string, error) {
	if len(attachmentIDs) == 0 {
		return taskPrompt, nil
	}
	blocks, err := s.attachments.BuildAttachmentBlocks(sessionID, attachmentIDs, runCtx.AttachmentStore())
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(blocks))
	for _, block := range blocks {
		names = append(names, block.Name)
	}
	prompt := strings.TrimSpace(taskPrompt)
	if prompt == "" {
		return "Attached files: " + strings.Join(names, ", "), nil
	}
	return prompt + "\n\nAttached files: " + strings.Join(names, ", "), nil
}
