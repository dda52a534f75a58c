package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
)

// ToolFunc implements a tool node. Input is the upstream node's output.
type ToolFunc func(runCtx *Context, node *NodeDef, input string) (string, error)

// Executor walks a workflow graph from its start node, following edges until
// a node has no outgoing edge. Router nodes select a branch by matching edge
// conditions against their input.
type Executor struct {
	runCtx   *Context
	def      *Definition
	logger   logging.Logger
	wfLogger WorkflowLogger
	provider Provider
	prompts  PromptChannel
	tools    map[string]ToolFunc
	tokens   *TokenTracker
	watcher  *workspaceWatcher
	minLevel int

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu           sync.Mutex
	cancelled    bool
	cancelReason string
	path         []string
	outputs      map[string]string
	results      map[string]any
}

// Option configures an executor.
type Option func(*Executor)

// WithWorkflowLogger streams structured run events to l.
func WithWorkflowLogger(l WorkflowLogger) Option {
	return func(e *Executor) { e.wfLogger = l }
}

// WithProvider replaces the default deterministic provider.
func WithProvider(p Provider) Option {
	return func(e *Executor) { e.provider = p }
}

// WithPromptChannel attaches the interactive input bridge for human nodes.
func WithPromptChannel(pc PromptChannel) Option {
	return func(e *Executor) { e.prompts = pc }
}

// WithArtifactSink receives workspace artifacts as nodes finish.
func WithArtifactSink(sink ArtifactSink) Option {
	return func(e *Executor) { e.watcher = newWorkspaceWatcher(e.runCtx, sink) }
}

// WithTool registers a tool implementation under name.
func WithTool(name string, fn ToolFunc) Option {
	return func(e *Executor) { e.tools[name] = fn }
}

// NewExecutor builds an executor for one run.
func NewExecutor(runCtx *Context, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		runCtx:    runCtx,
		def:       runCtx.Config.Definition,
		logger:    logging.NewComponentLogger("GraphExecutor"),
		wfLogger:  NopWorkflowLogger{},
		provider:  EchoProvider{},
		tools:     map[string]ToolFunc{"save_output": saveOutputTool},
		tokens:    NewTokenTracker(),
		outputs:   make(map[string]string),
		ctx:       ctx,
		cancelCtx: cancel,
	}
	if lvl := strings.TrimSpace(runCtx.Config.LogLevel); lvl != "" {
		e.minLevel = logLevelRank(lvl)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.watcher == nil {
		e.watcher = newWorkspaceWatcher(runCtx, nil)
	}
	return e
}

// RequestCancel asks the run to stop. Safe to call from any goroutine and
// more than once; only the first reason is kept.
func (e *Executor) RequestCancel(reason string) {
	e.mu.Lock()
	if !e.cancelled {
		e.cancelled = true
		e.cancelReason = reason
		e.logger.Info("Cancellation requested for graph %s: %s", e.def.Graph.ID, reason)
	}
	e.mu.Unlock()
	e.cancelCtx()
}

// IsCancelled reports whether cancellation was requested.
func (e *Executor) IsCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// CancelReason returns the first cancellation reason, if any.
func (e *Executor) CancelReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelReason
}

// Tokens exposes the run's token tracker.
func (e *Executor) Tokens() *TokenTracker { return e.tokens }

// ExecutionPath returns the node ids executed so far, in order.
func (e *Executor) ExecutionPath() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.path...)
}

// Results returns the run results once Run has finished, nil before that.
func (e *Executor) Results() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.results
}

// Run executes the graph with the given initial input and returns the run
// results. Cancellation surfaces as a WORKFLOW_CANCELLED error.
func (e *Executor) Run(initialInput string) (map[string]any, error) {
	start := e.def.StartNode()
	if start == nil {
		return nil, apperrors.Validation("graph has no start node")
	}

	e.emit(NewLogEntry("INFO", "", EventWorkflowStart,
		fmt.Sprintf("Starting workflow %s", e.def.Graph.ID)))
	runStart := time.Now()

	input := initialInput
	node := start
	var lastOutput string
	// Loops are allowed but bounded so a bad router cannot spin forever.
	maxSteps := len(e.def.Graph.Nodes) * 4
	for step := 0; node != nil; step++ {
		if step >= maxSteps {
			return nil, apperrors.WorkflowExecution("workflow exceeded maximum step count").
				WithDetail("max_steps", maxSteps)
		}
		if e.IsCancelled() {
			return nil, e.cancelError()
		}

		nodeStart := time.Now()
		entry := NewLogEntry("INFO", node.ID, EventNodeStart,
			fmt.Sprintf("Executing node %s (%s)", node.ID, node.Type))
		entry.ExecutionPath = e.ExecutionPath()
		e.emit(entry)

		output, err := e.executeNode(node, input)
		e.watcher.afterNode(node.ID)
		if err != nil {
			if e.IsCancelled() {
				return nil, e.cancelError()
			}
			fail := NewLogEntry("ERROR", node.ID, EventNodeError, err.Error())
			e.emit(fail)
			return nil, apperrors.AsAppError(err)
		}

		e.mu.Lock()
		e.path = append(e.path, node.ID)
		e.outputs[node.ID] = output
		e.mu.Unlock()

		duration := time.Since(nodeStart).Seconds()
		done := NewLogEntry("INFO", node.ID, EventNodeComplete,
			fmt.Sprintf("Node %s completed", node.ID))
		done.Duration = &duration
		done.ExecutionPath = e.ExecutionPath()
		e.emit(done)

		lastOutput = output
		input = output
		node = e.nextNode(node, output)
	}

	if e.IsCancelled() {
		return nil, e.cancelError()
	}

	results := map[string]any{
		"final_output":   lastOutput,
		"execution_path": e.ExecutionPath(),
		"node_outputs":   e.nodeOutputs(),
		"token_usage":    e.tokens.Summary(),
	}
	e.mu.Lock()
	e.results = results
	e.mu.Unlock()

	total := time.Since(runStart).Seconds()
	finish := NewLogEntry("INFO", "", EventWorkflowComplete,
		fmt.Sprintf("Workflow %s completed", e.def.Graph.ID))
	finish.Duration = &total
	finish.ExecutionPath = e.ExecutionPath()
	e.emit(finish)
	return results, nil
}

func (e *Executor) executeNode(node *NodeDef, input string) (string, error) {
	switch node.Type {
	case NodeAgent:
		return e.runAgent(node, input)
	case NodeHuman:
		return e.runHuman(node, input)
	case NodeTool:
		return e.runTool(node, input)
	case NodeRouter:
		// Routers pass input through; branch choice happens on the edges.
		return input, nil
	default:
		return "", apperrors.Validation(fmt.Sprintf("unknown node type %q", node.Type))
	}
}

func (e *Executor) runAgent(node *NodeDef, input string) (string, error) {
	prompt := e.render(node.Prompt, input)
	if prompt == "" {
		prompt = input
	}
	output, usage, err := e.provider.Complete(e.ctx, node.ID, prompt)
	if err != nil {
		if e.ctx.Err() != nil {
			return "", e.cancelError()
		}
		return "", apperrors.ExternalService("model call failed").WithCause(err).
			WithDetail("node_id", node.ID)
	}
	e.tokens.Record(node.ID, usage)

	dir, err := e.runCtx.NodeDir(node.ID)
	if err != nil {
		return "", apperrors.WorkflowExecution(err.Error())
	}
	outPath := filepath.Join(dir, node.ID+"_output.md")
	if err := os.WriteFile(outPath, []byte(output), 0o644); err != nil {
		e.logger.Warn("Failed to persist output for node %s: %v", node.ID, err)
	}
	return output, nil
}

func (e *Executor) runHuman(node *NodeDef, input string) (string, error) {
	if e.prompts == nil {
		return "", apperrors.Validation("workflow requires interactive input but no prompt channel is attached").
			WithDetail("node_id", node.ID)
	}
	task := e.render(node.Task, input)
	if task == "" {
		task = "Please provide input"
	}

	wait := NewLogEntry("INFO", node.ID, EventWaitingForInput, task)
	e.emit(wait)

	result, err := e.prompts.Request(node.ID, task, input)
	if err != nil {
		return "", err
	}
	got := NewLogEntry("INFO", node.ID, EventInputReceived,
		fmt.Sprintf("Received input for node %s", node.ID))
	got.Details = map[string]any{"attachments": len(result.Blocks)}
	e.emit(got)

	if result.Text == "" && len(result.Blocks) > 0 {
		names := make([]string, 0, len(result.Blocks))
		for _, block := range result.Blocks {
			names = append(names, block.Name)
		}
		return "Provided attachments: " + strings.Join(names, ", "), nil
	}
	return result.Text, nil
}

func (e *Executor) runTool(node *NodeDef, input string) (string, error) {
	name := node.Tool
	if name == "" {
		name = node.ID
	}
	fn, ok := e.tools[name]
	if !ok {
		return "", apperrors.Validation(fmt.Sprintf("unknown tool %q", name)).
			WithDetail("node_id", node.ID)
	}
	output, err := fn(e.runCtx, node, input)
	if err != nil {
		return "", apperrors.WorkflowExecution(fmt.Sprintf("tool %s failed", name)).WithCause(err)
	}
	return output, nil
}

// nextNode picks the edge to follow. For routers, a non-empty When must
// appear in the output (case-insensitive); the first conditionless edge is
// the default branch.
func (e *Executor) nextNode(node *NodeDef, output string) *NodeDef {
	edges := e.def.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return nil
	}
	if node.Type == NodeRouter {
		lowered := strings.ToLower(output)
		var fallback *EdgeDef
		for i := range edges {
			if edges[i].When == "" {
				if fallback == nil {
					fallback = &edges[i]
				}
				continue
			}
			if strings.Contains(lowered, strings.ToLower(edges[i].When)) {
				return e.def.Node(edges[i].To)
			}
		}
		if fallback != nil {
			return e.def.Node(fallback.To)
		}
		return nil
	}
	return e.def.Node(edges[0].To)
}

// render substitutes {var} placeholders from the vars block plus the
// builtin {task} and {input} values.
func (e *Executor) render(template, input string) string {
	if template == "" {
		return ""
	}
	out := strings.ReplaceAll(template, "{task}", input)
	out = strings.ReplaceAll(out, "{input}", input)
	if e.def.Vars != nil {
		for key, value := range e.def.Vars {
			out = strings.ReplaceAll(out, "{"+key+"}", fmt.Sprint(value))
		}
	}
	return out
}

func (e *Executor) cancelError() error {
	reason := e.CancelReason()
	if reason == "" {
		reason = "workflow execution was cancelled"
	}
	return apperrors.WorkflowCancelled(reason)
}

func (e *Executor) nodeOutputs() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.outputs))
	for id, output := range e.outputs {
		out[id] = output
	}
	return out
}

func (e *Executor) emit(entry LogEntry) {
	if logLevelRank(entry.Level) < e.minLevel {
		return
	}
	e.wfLogger.Emit(entry)
}

// saveOutputTool writes its input into the node's output directory.
func saveOutputTool(runCtx *Context, node *NodeDef, input string) (string, error) {
	dir, err := runCtx.NodeDir(node.ID)
	if err != nil {
		return "", err
	}
	name := "output.txt"
	if v, ok := node.Config["filename"].(string); ok && v != "" {
		name = v
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, []byte(input), 0o644); err != nil {
		return "", err
	}
	return input, nil
}
