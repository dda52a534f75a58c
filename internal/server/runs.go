package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/run"
)

type executeRequest struct {
	SessionID     string   `json:"session_id" binding:"required"`
	YamlFile      string   `json:"yaml_file" binding:"required"`
	TaskPrompt    string   `json:"task_prompt"`
	AttachmentIDs []string `json:"attachments"`
	LogLevel      string   `json:"log_level"`
}

// handleExecute starts a workflow on an existing WebSocket session. Progress
// streams over the socket; this endpoint only acknowledges the spawn.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.Validation("session_id and yaml_file are required").WithCause(err))
		return
	}
	if err := s.runs.Start(req.SessionID, req.YamlFile, req.TaskPrompt, req.AttachmentIDs, req.LogLevel); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "started",
		"session_id": req.SessionID,
		"yaml_file":  req.YamlFile,
		"message":    "Workflow execution started",
	})
}

// handleBatch accepts an uploaded CSV/XLSX task file and starts a batch run.
// The batch executes in the background; progress streams over the session's
// WebSocket connection.
func (s *Server) handleBatch(c *gin.Context) {
	yamlFile := c.PostForm("yaml_file")
	if yamlFile == "" {
		s.renderError(c, apperrors.Validation("form field 'yaml_file' is required"))
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.renderError(c, apperrors.Validation("multipart field 'file' is required"))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		s.renderError(c, apperrors.Validation("failed to read task file").WithCause(err))
		return
	}
	defer file.Close()

	tasks, err := run.ParseTaskFile(fileHeader.Filename, file)
	if err != nil {
		s.renderError(c, err)
		return
	}

	maxParallel := 0
	if raw := c.PostForm("max_parallel"); raw != "" {
		maxParallel, err = strconv.Atoi(raw)
		if err != nil || maxParallel < 1 {
			s.renderError(c, apperrors.Validation("max_parallel must be a positive integer"))
			return
		}
	}

	sessionID := c.PostForm("session_id")
	batchID, err := s.batch.Start(sessionID, yamlFile, tasks, maxParallel, c.PostForm("log_level"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "accepted",
		"session_id": sessionID,
		"batch_id":   batchID,
		"task_count": len(tasks),
	})
}
