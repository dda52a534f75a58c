package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
)

const (
	defaultWaitSeconds = 25.0
	maxWaitSeconds     = 60.0
	defaultEventLimit  = 25
	maxEventLimit      = 100
)

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.store.List()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	info := s.store.Info(c.Param("session_id"))
	if info == nil {
		s.renderError(c, apperrors.NotFound("Session not found").
			WithDetail("session_id", c.Param("session_id")))
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleCancelSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := s.runs.RequestCancel(sessionID, body.Reason); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": "cancelling"})
}

// handleArtifactEvents long-polls the session's artifact queue. The wait is
// bounded to keep proxies from reaping the request; clients resume from
// next_cursor.
func (s *Server) handleArtifactEvents(c *gin.Context) {
	sessionID := c.Param("session_id")
	queue := s.store.ArtifactQueue(sessionID)
	if queue == nil {
		s.renderError(c, apperrors.NotFound("Session not found").
			WithDetail("session_id", sessionID))
		return
	}

	after := parseInt64(c.Query("after"), 0)
	limit := int(parseInt64(c.Query("limit"), defaultEventLimit))
	if limit < 1 {
		limit = 1
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	waitSeconds := parseFloat(c.Query("wait_seconds"), defaultWaitSeconds)
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > maxWaitSeconds {
		waitSeconds = maxWaitSeconds
	}

	filter := session.ArtifactFilter{
		IncludeMime: splitList(c.Query("include_mime")),
		IncludeExt:  splitList(c.Query("include_ext")),
		MaxSize:     parseInt64(c.Query("max_size"), 0),
	}

	events, next, timedOut := queue.WaitForEvents(after, filter, limit,
		time.Duration(waitSeconds*float64(time.Second)))
	if events == nil {
		events = []*session.ArtifactEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    sessionID,
		"events":        events,
		"next_cursor":   next,
		"has_more":      queue.LastSequence() > next,
		"timed_out":     timedOut,
		"last_sequence": queue.LastSequence(),
		"min_sequence":  queue.MinSequence(),
	})
}

func parseInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
