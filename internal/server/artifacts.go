package server

import (
	"archive/zip"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/OpenBMB/ChatDev-sub003/internal/attachments"
	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

// handleGetArtifact serves one artifact either as metadata (optionally with
// an inlined data URI) or as the raw file stream.
func (s *Server) handleGetArtifact(c *gin.Context) {
	sessionID := c.Param("session_id")
	artifactID := c.Param("artifact_id")
	if !s.store.Has(sessionID) {
		s.renderError(c, apperrors.NotFound("Session not found").
			WithDetail("session_id", sessionID))
		return
	}

	// Uploads and run artifacts share the session workspace store.
	store, err := s.uploads.StoreFor(sessionID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	record := store.Get(artifactID)
	if record == nil {
		s.renderError(c, apperrors.NotFound("artifact not found").
			WithDetail("artifact_id", artifactID))
		return
	}

	switch c.DefaultQuery("mode", "meta") {
	case "stream":
		path := store.AbsolutePath(record)
		if _, err := os.Stat(path); err != nil {
			s.renderError(c, apperrors.NotFound("artifact file missing").
				WithDetail("artifact_id", artifactID))
			return
		}
		if isTruthy(c.Query("download")) {
			c.FileAttachment(path, record.Name)
		} else {
			c.File(path)
		}
	case "meta":
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"artifact":   record,
			"data_uri":   s.cachedDataURI(sessionID, store, record),
		})
	default:
		s.renderError(c, apperrors.Validation("mode must be meta or stream").
			WithDetail("mode", c.Query("mode")))
	}
}

// cachedDataURI inlines small artifacts, memoizing across repeated polls.
func (s *Server) cachedDataURI(sessionID string, store *attachments.Store, record *attachments.Record) string {
	key := sessionID + "/" + record.AttachmentID + "/" + record.SHA256
	if uri, ok := s.dataURICache.Get(key); ok {
		return uri
	}
	uri := store.DataURI(record, attachments.DefaultInlineLimit)
	if uri != "" {
		s.dataURICache.Add(key, uri)
	}
	return uri
}

// handleDownloadWorkspace streams the whole session workspace as a zip.
func (s *Server) handleDownloadWorkspace(c *gin.Context) {
	sessionID := c.Param("session_id")
	root := s.uploads.SessionRoot(sessionID)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		s.renderError(c, apperrors.NotFound("session workspace not found").
			WithDetail("session_id", sessionID))
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="`+attachments.SessionDirName(sessionID)+`.zip"`)
	c.Status(http.StatusOK)

	writer := zip.NewWriter(c.Writer)
	defer writer.Close()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(entry, file)
		return err
	})
	if err != nil {
		// Headers are gone; all we can do is log and truncate.
		s.logger.Error("Workspace download for %s failed: %v", sessionID, err)
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !s.store.Has(sessionID) {
		s.renderError(c, apperrors.NotFound("Session not found").
			WithDetail("session_id", sessionID))
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.renderError(c, apperrors.Validation("multipart field 'file' is required"))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		s.renderError(c, apperrors.Validation("failed to read upload").WithCause(err))
		return
	}
	defer file.Close()

	record, err := s.uploads.SaveUpload(sessionID, fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"), file)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "attachment": record})
}

func (s *Server) handleListUploads(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !s.store.Has(sessionID) {
		s.renderError(c, apperrors.NotFound("Session not found").
			WithDetail("session_id", sessionID))
		return
	}
	manifest, err := s.uploads.ListAttachments(sessionID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
