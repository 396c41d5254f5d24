package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"patapim-server/internal/feedback"
)

func (s *Server) handleBugReport(c *gin.Context) {
	var report feedback.BugReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, "INVALID_JSON", "Invalid JSON")
		return
	}

	if _, err := s.svc.Feedback.SubmitBug(c.Request.Context(), report); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
