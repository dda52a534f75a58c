package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

func testContext(t *testing.T, yaml string) *Context {
	t.Helper()
	def, err := ParseDefinition([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if problems := def.Check(); len(problems) != 0 {
		t.Fatalf("invalid test graph: %v", problems)
	}
	runCtx, err := NewContext(Config{
		Definition: def,
		Name:       "session_test",
		OutputRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return runCtx
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (r *recordingLogger) Emit(entry LogEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *recordingLogger) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		types = append(types, e.EventType)
	}
	return types
}

func TestRunLinearGraph(t *testing.T) {
	runCtx := testContext(t, linearYAML)
	logger := &recordingLogger{}
	exec := NewExecutor(runCtx, WithWorkflowLogger(logger))

	results, err := exec.Run("write a calculator")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	path, _ := results["execution_path"].([]string)
	if len(path) != 2 || path[0] != "plan" || path[1] != "build" {
		t.Errorf("execution path = %v", path)
	}
	final, _ := results["final_output"].(string)
	if !strings.Contains(final, "[build]") {
		t.Errorf("final output = %q", final)
	}

	types := logger.eventTypes()
	if types[0] != EventWorkflowStart || types[len(types)-1] != EventWorkflowComplete {
		t.Errorf("event order = %v", types)
	}
}

func TestRunLogLevelFiltersEntries(t *testing.T) {
	def, err := ParseDefinition([]byte(linearYAML))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	runCtx, err := NewContext(Config{
		Definition: def,
		Name:       "session_test",
		OutputRoot: t.TempDir(),
		LogLevel:   "ERROR",
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	logger := &recordingLogger{}
	exec := NewExecutor(runCtx, WithWorkflowLogger(logger))

	if _, err := exec.Run("task"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if types := logger.eventTypes(); len(types) != 0 {
		t.Errorf("INFO entries leaked through ERROR level: %v", types)
	}
}

func TestRunAccumulatesTokens(t *testing.T) {
	runCtx := testContext(t, linearYAML)
	exec := NewExecutor(runCtx)
	if _, err := exec.Run("task"); err != nil {
		t.Fatal(err)
	}
	total := exec.Tokens().Total()
	if total.TotalTokens == 0 || total.TotalTokens != total.PromptTokens+total.CompletionTokens {
		t.Errorf("token usage = %+v", total)
	}
}

func TestRouterFollowsMatchingBranch(t *testing.T) {
	const routedYAML = `
graph:
  id: routed
  nodes:
    - id: classify
      type: agent
      prompt: "classify"
    - id: route
      type: router
    - id: yes_branch
      type: agent
      prompt: "approved path"
    - id: no_branch
      type: agent
      prompt: "rejected path"
  edges:
    - from: classify
      to: route
    - from: route
      to: yes_branch
      when: "classify"
    - from: route
      to: no_branch
`
	runCtx := testContext(t, routedYAML)
	exec := NewExecutor(runCtx)
	results, err := exec.Run("anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// EchoProvider output for classify contains "classify", so the
	// conditional branch wins over the default.
	path, _ := results["execution_path"].([]string)
	if len(path) != 3 || path[2] != "yes_branch" {
		t.Errorf("execution path = %v", path)
	}
}

type scriptedPrompts struct {
	text string
	err  error
	seen []string
}

func (s *scriptedPrompts) Request(nodeID, task, current string) (PromptResult, error) {
	s.seen = append(s.seen, nodeID)
	if s.err != nil {
		return PromptResult{}, s.err
	}
	return PromptResult{Text: s.text}, nil
}

const humanYAML = `
graph:
  id: reviewed
  nodes:
    - id: draft
      type: agent
      prompt: "draft {task}"
    - id: review
      type: human
      task: "Review the draft"
  edges:
    - from: draft
      to: review
`

func TestHumanNodeUsesPromptChannel(t *testing.T) {
	runCtx := testContext(t, humanYAML)
	prompts := &scriptedPrompts{text: "looks good"}
	logger := &recordingLogger{}
	exec := NewExecutor(runCtx, WithPromptChannel(prompts), WithWorkflowLogger(logger))

	results, err := exec.Run("a poem")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results["final_output"] != "looks good" {
		t.Errorf("final output = %v", results["final_output"])
	}
	if len(prompts.seen) != 1 || prompts.seen[0] != "review" {
		t.Errorf("prompted nodes = %v", prompts.seen)
	}

	var sawWaiting bool
	for _, eventType := range logger.eventTypes() {
		if eventType == EventWaitingForInput {
			sawWaiting = true
		}
	}
	if !sawWaiting {
		t.Error("waiting_for_input event not emitted")
	}
}

func TestHumanNodeWithoutChannelFails(t *testing.T) {
	runCtx := testContext(t, humanYAML)
	exec := NewExecutor(runCtx)
	_, err := exec.Run("a poem")
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestHumanNodePropagatesCancellation(t *testing.T) {
	runCtx := testContext(t, humanYAML)
	prompts := &scriptedPrompts{err: apperrors.WorkflowCancelled("user cancelled")}
	exec := NewExecutor(runCtx, WithPromptChannel(prompts))
	_, err := exec.Run("a poem")
	if !apperrors.IsCancelled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestRequestCancelStopsRun(t *testing.T) {
	runCtx := testContext(t, linearYAML)
	exec := NewExecutor(runCtx)
	exec.RequestCancel("shutting down")

	_, err := exec.Run("task")
	if !apperrors.IsCancelled(err) {
		t.Fatalf("expected WORKFLOW_CANCELLED, got %v", err)
	}
	if exec.CancelReason() != "shutting down" {
		t.Errorf("reason = %q", exec.CancelReason())
	}

	// Later reasons do not overwrite the first.
	exec.RequestCancel("second")
	if exec.CancelReason() != "shutting down" {
		t.Errorf("reason after second cancel = %q", exec.CancelReason())
	}
}

type blockingProvider struct{}

func (blockingProvider) Complete(ctx context.Context, nodeID, prompt string) (string, TokenUsage, error) {
	<-ctx.Done()
	return "", TokenUsage{}, ctx.Err()
}

func TestCancelInterruptsProviderCall(t *testing.T) {
	runCtx := testContext(t, linearYAML)
	exec := NewExecutor(runCtx, WithProvider(blockingProvider{}))

	done := make(chan error, 1)
	go func() {
		_, err := exec.Run("task")
		done <- err
	}()
	exec.RequestCancel("timeout")
	if err := <-done; !apperrors.IsCancelled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestArtifactSinkSeesAgentOutputs(t *testing.T) {
	runCtx := testContext(t, linearYAML)
	var mu sync.Mutex
	var collected []Artifact
	exec := NewExecutor(runCtx, WithArtifactSink(func(artifacts []Artifact) {
		mu.Lock()
		collected = append(collected, artifacts...)
		mu.Unlock()
	}))

	if _, err := exec.Run("task"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(collected) < 2 {
		t.Fatalf("expected an artifact per agent node, got %d", len(collected))
	}
	byNode := make(map[string]Artifact)
	for _, artifact := range collected {
		byNode[artifact.NodeID] = artifact
	}
	plan, ok := byNode["plan"]
	if !ok {
		t.Fatal("no artifact attributed to plan node")
	}
	if plan.ChangeType != "created" || plan.AttachmentID == "" || plan.SHA256 == "" {
		t.Errorf("artifact = %+v", plan)
	}
	if !strings.HasSuffix(plan.RelativePath, "plan_output.md") {
		t.Errorf("relative path = %q", plan.RelativePath)
	}
}

func TestToolNodeRunsRegisteredTool(t *testing.T) {
	const toolYAML = `
graph:
  id: tooled
  nodes:
    - id: gen
      type: agent
      prompt: "generate"
    - id: shout
      type: tool
      tool: shout
  edges:
    - from: gen
      to: shout
`
	runCtx := testContext(t, toolYAML)
	exec := NewExecutor(runCtx, WithTool("shout", func(_ *Context, _ *NodeDef, input string) (string, error) {
		return strings.ToUpper(input), nil
	}))
	results, err := exec.Run("task")
	if err != nil {
		t.Fatal(err)
	}
	final, _ := results["final_output"].(string)
	if final != strings.ToUpper(final) {
		t.Errorf("tool output not applied: %q", final)
	}
}

func TestToolNodeUnknownToolFails(t *testing.T) {
	const toolYAML = `
graph:
  id: tooled
  nodes:
    - id: only
      type: tool
      tool: missing
`
	runCtx := testContext(t, toolYAML)
	exec := NewExecutor(runCtx)
	_, err := exec.Run("task")
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestToolErrorWrapsAsExecutionError(t *testing.T) {
	const toolYAML = `
graph:
  id: tooled
  nodes:
    - id: only
      type: tool
      tool: boom
`
	runCtx := testContext(t, toolYAML)
	exec := NewExecutor(runCtx, WithTool("boom", func(_ *Context, _ *NodeDef, _ string) (string, error) {
		return "", errors.New("disk full")
	}))
	_, err := exec.Run("task")
	if !apperrors.IsCode(err, apperrors.CodeWorkflowExecution) {
		t.Errorf("expected WORKFLOW_EXECUTION_ERROR, got %v", err)
	}
}
