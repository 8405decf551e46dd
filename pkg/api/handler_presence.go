package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// presenceHeartbeatHandler handles POST /api/v1/reviews/:review_id/presence.
// Clients call it on an interval well under the 60s presence TTL.
func (s *Server) presenceHeartbeatHandler(c *gin.Context) {
	var req PresenceHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	if err := s.presence.Heartbeat(c.Request.Context(), c.Param("review_id"), req.UserID); err != nil {
		abortServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// presenceActiveHandler handles GET /api/v1/reviews/:review_id/presence.
func (s *Server) presenceActiveHandler(c *gin.Context) {
	reviewID := c.Param("review_id")

	entries, err := s.presence.Active(c.Request.Context(), reviewID)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"review_id": reviewID, "active": entries})
}
