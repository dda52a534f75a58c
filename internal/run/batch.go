package run

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/OpenBMB/ChatDev-sub003/internal/attachments"
	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/graph"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
	"github.com/OpenBMB/ChatDev-sub003/internal/workflowstore"
	"github.com/OpenBMB/ChatDev-sub003/internal/ws"
)

// DefaultBatchParallelism bounds parallel task execution when the request
// does not specify max_parallel.
const DefaultBatchParallelism = 5

const maxBatchParallelism = 16

var taskDirSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BatchResult records the outcome of one batch task row. Status is "success"
// or "failed"; a task skipped or interrupted by batch cancellation counts as
// failed with the cancel reason in Error.
type BatchResult struct {
	RowIndex    int               `json:"row_index"`
	TaskID      string            `json:"task_id"`
	TaskDir     string            `json:"task_dir"`
	Status      string            `json:"status"`
	DurationMS  int64             `json:"duration_ms"`
	TokenUsage  *graph.TokenUsage `json:"token_usage"`
	NodeOutputs map[string]string `json:"results"`
	FinalOutput string            `json:"graph_output"`
	Error       string            `json:"error"`
}

// BatchSummary aggregates a finished batch.
type BatchSummary struct {
	BatchID      string        `json:"batch_id"`
	YamlFile     string        `json:"yaml_file"`
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	OutputDir    string        `json:"output_dir"`
	ResultsPath  string        `json:"results_path"`
	ManifestPath string        `json:"manifest_path"`
	Results      []BatchResult `json:"results"`
}

// BatchService executes a workflow once per task row, fanned out under a
// parallelism bound. Workflows with human nodes are rejected up front since
// nobody is attached to answer them.
type BatchService struct {
	conns      FrameSender
	yamlDir    string
	outputRoot string
	provider   graph.Provider
	logger     logging.Logger

	mu     sync.Mutex
	active map[string]*batchRun

	// onBatchDone, when set, is signalled after the batch goroutine has
	// persisted its results. Used by tests.
	onBatchDone func(summary *BatchSummary)
}

type batchRun struct {
	cancel *session.CancelSignal

	mu        sync.Mutex
	executors map[string]*graph.Executor
}

// NewBatchService wires the batch runner. conns may deliver frames to a live
// session; without one the frames are dropped by the sender.
func NewBatchService(conns FrameSender, yamlDir, outputRoot string) *BatchService {
	return &BatchService{
		conns:      conns,
		yamlDir:    yamlDir,
		outputRoot: outputRoot,
		logger:     logging.NewComponentLogger("BatchRunService"),
		active:     make(map[string]*batchRun),
	}
}

// SetProvider overrides the default model provider for all batch tasks.
func (b *BatchService) SetProvider(p graph.Provider) { b.provider = p }

// SetBatchDoneHook installs a callback fired when a batch goroutine exits.
func (b *BatchService) SetBatchDoneHook(fn func(summary *BatchSummary)) { b.onBatchDone = fn }

// Cancel stops a running batch: queued tasks are skipped and running ones
// receive a cancel request.
func (b *BatchService) Cancel(batchID, reason string) error {
	b.mu.Lock()
	run, ok := b.active[batchID]
	b.mu.Unlock()
	if !ok {
		return apperrors.NotFound("batch not found").WithDetail("batch_id", batchID)
	}
	if reason == "" {
		reason = "batch cancellation requested"
	}
	run.cancel.Set(reason)
	run.mu.Lock()
	for _, executor := range run.executors {
		executor.RequestCancel(reason)
	}
	run.mu.Unlock()
	return nil
}

// Start validates the batch request and spawns the batch worker, returning
// the batch id immediately. Progress frames stream to sessionID's connection
// while the worker runs. A non-empty logLevel overrides every task's
// definition log level.
func (b *BatchService) Start(sessionID, yamlFile string, tasks []BatchTask, maxParallel int, logLevel string) (string, error) {
	yamlPath, err := workflowstore.SafeJoin(b.yamlDir, yamlFile)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "", apperrors.Validation("batch has no tasks")
	}
	def, err := graph.LoadDefinition(yamlPath, nil)
	if err != nil {
		return "", err
	}
	if def.HasHumanNodes() {
		return "", apperrors.Validation("workflow contains human nodes and cannot run in batch mode").
			WithDetail("yaml_file", yamlFile)
	}
	if maxParallel <= 0 {
		maxParallel = DefaultBatchParallelism
	}
	if maxParallel > maxBatchParallelism {
		maxParallel = maxBatchParallelism
	}

	batchID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	outputDir := filepath.Join(b.outputRoot, batchDirName(sessionID, batchID))
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", apperrors.WorkflowExecution("failed to create batch directory").WithCause(err)
	}

	run := &batchRun{
		cancel:    session.NewCancelSignal(),
		executors: make(map[string]*graph.Executor),
	}
	b.mu.Lock()
	b.active[batchID] = run
	b.mu.Unlock()

	go b.execute(sessionID, batchID, outputDir, yamlPath, yamlFile, tasks, maxParallel, logLevel, run)
	return batchID, nil
}

func (b *BatchService) execute(sessionID, batchID, outputDir, yamlPath, yamlFile string, tasks []BatchTask, maxParallel int, logLevel string, run *batchRun) {
	defer func() {
		b.mu.Lock()
		delete(b.active, batchID)
		b.mu.Unlock()
	}()

	b.logger.Info("Batch %s starting: %d tasks of %s, max parallel %d", batchID, len(tasks), yamlFile, maxParallel)
	b.conns.Send(sessionID, ws.BatchFrame("batch_started", sessionID, map[string]any{
		"batch_id": batchID,
		"total":    len(tasks),
	}))

	sem := semaphore.NewWeighted(int64(maxParallel))
	results := make([]BatchResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			break
		}
		wg.Add(1)
		go func(slot int, task BatchTask) {
			defer wg.Done()
			defer sem.Release(1)
			results[slot] = b.runTask(sessionID, batchID, outputDir, yamlPath, task, logLevel, run)
		}(i, task)
	}
	wg.Wait()

	summary := &BatchSummary{
		BatchID:   batchID,
		YamlFile:  yamlFile,
		Total:     len(tasks),
		OutputDir: outputDir,
		Results:   results,
	}
	for _, result := range results {
		if result.Status == "success" {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	if err := b.writeResults(outputDir, summary); err != nil {
		b.logger.Error("Batch %s failed to persist results: %v", batchID, err)
	}

	b.conns.Send(sessionID, ws.BatchFrame("batch_completed", sessionID, map[string]any{
		"batch_id":  batchID,
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}))
	b.logger.Info("Batch %s finished: %d ok, %d failed", batchID, summary.Succeeded, summary.Failed)
	if b.onBatchDone != nil {
		b.onBatchDone(summary)
	}
}

// batchDirName places batch outputs at the session workspace root so task
// workspaces, batch_results.csv, and batch_manifest.json live together.
func batchDirName(sessionID, batchID string) string {
	if sessionID == "" {
		return "batch_" + batchID
	}
	return attachments.SessionDirName(sessionID)
}

// SanitizeTaskDir converts a task id into a safe directory name.
func SanitizeTaskDir(taskID string) string {
	name := taskDirSanitizer.ReplaceAllString(taskID, "_")
	name = strings.Trim(name, "._-")
	if name == "" {
		name = "task"
	}
	return name
}

func (b *BatchService) runTask(sessionID, batchID, outputDir, yamlPath string, task BatchTask, logLevel string, run *batchRun) (result BatchResult) {
	result = BatchResult{
		RowIndex: task.RowIndex,
		TaskID:   task.ID,
		TaskDir:  SanitizeTaskDir("batch-" + task.ID),
		Status:   "failed",
	}
	start := time.Now()
	defer func() { result.DurationMS = time.Since(start).Milliseconds() }()

	if run.cancel.IsSet() {
		return b.finishTask(sessionID, batchID, result, apperrors.WorkflowCancelled(run.cancel.Reason()))
	}

	b.conns.Send(sessionID, ws.BatchFrame("batch_task_started", sessionID, map[string]any{
		"row_index": task.RowIndex,
		"task_id":   task.ID,
		"task_dir":  result.TaskDir,
	}))

	def, err := graph.LoadDefinition(yamlPath, task.Vars)
	if err != nil {
		return b.finishTask(sessionID, batchID, result, err)
	}
	runLevel := logLevel
	if runLevel == "" {
		runLevel = def.Graph.LogLevel
	}
	runCtx, err := graph.NewContext(graph.Config{
		Definition: def,
		Name:       result.TaskDir,
		OutputRoot: outputDir,
		SourcePath: yamlPath,
		LogLevel:   runLevel,
	})
	if err != nil {
		return b.finishTask(sessionID, batchID, result, apperrors.WorkflowExecution(err.Error()))
	}

	opts := []graph.Option{}
	if b.provider != nil {
		opts = append(opts, graph.WithProvider(b.provider))
	}
	executor := graph.NewExecutor(runCtx, opts...)
	run.mu.Lock()
	run.executors[task.ID] = executor
	run.mu.Unlock()
	defer func() {
		run.mu.Lock()
		delete(run.executors, task.ID)
		run.mu.Unlock()
	}()
	if run.cancel.IsSet() {
		executor.RequestCancel(run.cancel.Reason())
	}

	input, err := b.buildTaskInput(task, runCtx)
	if err != nil {
		return b.finishTask(sessionID, batchID, result, err)
	}

	runResults, err := executor.Run(input)
	if err != nil {
		if apperrors.IsCancelled(err) {
			err = apperrors.WorkflowCancelled(executor.CancelReason())
		}
		return b.finishTask(sessionID, batchID, result, err)
	}

	result.Status = "success"
	result.DurationMS = time.Since(start).Milliseconds()
	result.FinalOutput, _ = runResults["final_output"].(string)
	result.NodeOutputs, _ = runResults["node_outputs"].(map[string]string)
	usage := executor.Tokens().Total()
	result.TokenUsage = &usage
	b.conns.Send(sessionID, ws.BatchFrame("batch_task_completed", sessionID, map[string]any{
		"row_index":   task.RowIndex,
		"task_id":     task.ID,
		"task_dir":    result.TaskDir,
		"results":     result.NodeOutputs,
		"token_usage": result.TokenUsage,
		"duration_ms": result.DurationMS,
	}))
	return result
}

func (b *BatchService) finishTask(sessionID, batchID string, result BatchResult, err error) BatchResult {
	app := apperrors.AsAppError(err)
	result.Status = "failed"
	result.Error = app.Message
	b.logger.Warn("Batch %s task %s failed: %v", batchID, result.TaskID, app)
	b.conns.Send(sessionID, ws.BatchFrame("batch_task_failed", sessionID, map[string]any{
		"row_index": result.RowIndex,
		"task_id":   result.TaskID,
		"task_dir":  result.TaskDir,
		"error":     app.Message,
	}))
	return result
}

// buildTaskInput registers referenced input files into the task workspace
// and combines them with the prompt.
func (b *BatchService) buildTaskInput(task BatchTask, runCtx *graph.Context) (string, error) {
	if len(task.Attachments) == 0 {
		return task.Prompt, nil
	}
	store := runCtx.AttachmentStore()
	names := make([]string, 0, len(task.Attachments))
	for _, path := range task.Attachments {
		record, err := store.RegisterFile(path, "", "", map[string]any{"source": "batch_input"})
		if err != nil {
			return "", apperrors.Validation("batch attachment not readable").
				WithDetail("path", path).WithCause(err)
		}
		names = append(names, record.Name)
	}
	if strings.TrimSpace(task.Prompt) == "" {
		return "Attached files: " + strings.Join(names, ", "), nil
	}
	return task.Prompt + "\n\nAttached files: " + strings.Join(names, ", "), nil
}

// writeResults persists batch_results.csv and batch_manifest.json at the
// batch output root.
func (b *BatchService) writeResults(outputDir string, summary *BatchSummary) error {
	summary.ResultsPath = filepath.Join(outputDir, "batch_results.csv")
	file, err := os.Create(summary.ResultsPath)
	if err != nil {
		return fmt.Errorf("create results csv: %w", err)
	}
	writer := csv.NewWriter(file)
	_ = writer.Write([]string{"row_index", "task_id", "task_dir", "status", "duration_ms", "token_usage", "results", "error"})
	for _, result := range summary.Results {
		usage := ""
		if result.TokenUsage != nil {
			if data, err := json.Marshal(result.TokenUsage); err == nil {
				usage = string(data)
			}
		}
		_ = writer.Write([]string{
			strconv.Itoa(result.RowIndex),
			result.TaskID,
			result.TaskDir,
			result.Status,
			strconv.FormatInt(result.DurationMS, 10),
			usage,
			result.FinalOutput,
			result.Error,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("write results csv: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}

	summary.ManifestPath = filepath.Join(outputDir, "batch_manifest.json")
	data, err := json.MarshalIndent(summary.Results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(summary.ManifestPath, data, 0o644)
}
