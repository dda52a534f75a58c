package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

func (s *Server) handleListWorkflows(c *gin.Context) {
	metas, err := s.workflows.List()
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": metas})
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	name := c.Param("name")
	content, err := s.workflows.Read(name)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "content": content})
}

type uploadWorkflowRequest struct {
	Filename string `json:"filename" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

// handleUploadWorkflow creates a workflow file from inline YAML content.
// Uploads never overwrite; PUT is the update path.
func (s *Server) handleUploadWorkflow(c *gin.Context) {
	var req uploadWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.Validation("filename and content are required").WithCause(err))
		return
	}
	if err := s.workflows.Save(req.Filename, req.Content, false); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"filename": req.Filename,
		"message":  "Workflow " + req.Filename + " created successfully from content",
	})
}

func (s *Server) handleUpdateWorkflow(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.Validation("content is required").WithCause(err))
		return
	}
	if err := s.workflows.Save(c.Param("name"), req.Content, true); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "status": "saved"})
}

func (s *Server) handleDeleteWorkflow(c *gin.Context) {
	if err := s.workflows.Delete(c.Param("name")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "status": "deleted"})
}

type renameRequest struct {
	NewName string `json:"new_name" binding:"required"`
}

func (s *Server) handleRenameWorkflow(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.Validation("new_name is required").WithCause(err))
		return
	}
	if err := s.workflows.Rename(c.Param("name"), req.NewName); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.NewName, "status": "renamed"})
}

func (s *Server) handleCopyWorkflow(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.Validation("new_name is required").WithCause(err))
		return
	}
	if err := s.workflows.Copy(c.Param("name"), req.NewName); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.NewName, "status": "copied"})
}
