package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

func (s *Server) handleListVueGraphs(c *gin.Context) {
	metas, err := s.graphs.List()
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"graphs": metas})
}

func (s *Server) handleGetVueGraph(c *gin.Context) {
	graph, err := s.graphs.Get(c.Param("name"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name": graph.Name,
		"data": json.RawMessage(graph.Data),
	})
}

func (s *Server) handleSaveVueGraph(c *gin.Context) {
	var req struct {
		Name string          `json:"name" binding:"required"`
		Data json.RawMessage `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.Validation("name and data are required").WithCause(err))
		return
	}
	graph, err := s.graphs.Save(req.Name, req.Data)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": graph.Name, "id": graph.ID, "status": "saved"})
}

func (s *Server) handleRenameVueGraph(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperrors.Validation("new_name is required").WithCause(err))
		return
	}
	if err := s.graphs.Rename(c.Param("name"), req.NewName); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.NewName, "status": "renamed"})
}

func (s *Server) handleDeleteVueGraph(c *gin.Context) {
	if err := s.graphs.Delete(c.Param("name")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "status": "deleted"})
}
