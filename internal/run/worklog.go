package run

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/OpenBMB/ChatDev-sub003/internal/graph"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
)

// workflowLogWriter appends workflow log entries to a shared JSONL file so a
// run can be replayed after the session record is gone. The file is opened
// lazily on the first entry and shared by all runs.
type workflowLogWriter struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	failed bool
	logger logging.Logger
}

func newWorkflowLogWriter(path string) *workflowLogWriter {
	return &workflowLogWriter{
		path:   path,
		logger: logging.NewComponentLogger("WorkflowLog"),
	}
}

func (w *workflowLogWriter) write(sessionID string, entry graph.LogEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	if w.file == nil {
		file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.logger.Warn("Cannot open workflow log %s: %v", w.path, err)
			w.failed = true
			return
		}
		w.file = file
	}
	line := struct {
		SessionID string `json:"session_id"`
		graph.LogEntry
	}{SessionID: sessionID, LogEntry: entry}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.logger.Warn("Workflow log write failed: %v", err)
	}
}

// sessionLogSink binds the shared writer to one session id.
type sessionLogSink struct {
	writer    *workflowLogWriter
	sessionID string
}

func (s sessionLogSink) Emit(entry graph.LogEntry) {
	s.writer.write(s.sessionID, entry)
}

// teeWorkflowLogger fans one entry out to every sink in order.
type teeWorkflowLogger []graph.WorkflowLogger

func (t teeWorkflowLogger) Emit(entry graph.LogEntry) {
	for _, sink := range t {
		sink.Emit(entry)
	}
}
