package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// addCommentHandler handles POST /api/v1/reviews/:review_id/comments.
func (s *Server) addCommentHandler(c *gin.Context) {
	var req AddCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	comment, err := s.comments.Add(c.Request.Context(),
		c.Param("review_id"), req.FileID, req.ColumnID, req.AuthorID, req.Body)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, comment)
}

// listCommentsHandler handles GET /api/v1/reviews/:review_id/comments.
// With file_id and column_id query params it narrows to one cell's thread.
func (s *Server) listCommentsHandler(c *gin.Context) {
	reviewID := c.Param("review_id")
	fileID := c.Query("file_id")
	columnID := c.Query("column_id")

	var err error
	var comments any
	if fileID != "" && columnID != "" {
		comments, err = s.comments.Thread(c.Request.Context(), reviewID, fileID, columnID)
	} else {
		comments, err = s.comments.ListReview(c.Request.Context(), reviewID)
	}
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"review_id": reviewID, "comments": comments})
}

// editCommentHandler handles PATCH /api/v1/reviews/:review_id/comments/:comment_id.
func (s *Server) editCommentHandler(c *gin.Context) {
	var req EditCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	comment, err := s.comments.Edit(c.Request.Context(), c.Param("comment_id"), req.UserID, req.Body)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, comment)
}

// deleteCommentHandler handles DELETE /api/v1/reviews/:review_id/comments/:comment_id.
// The acting user comes from the user_id query param.
func (s *Server) deleteCommentHandler(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	if err := s.comments.Delete(c.Request.Context(), c.Param("comment_id"), userID); err != nil {
		abortServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// resolveCommentHandler handles POST /api/v1/reviews/:review_id/comments/:comment_id/resolve.
func (s *Server) resolveCommentHandler(c *gin.Context) {
	req := ResolveCommentRequest{Resolved: true}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	comment, err := s.comments.Resolve(c.Request.Context(), c.Param("comment_id"), req.UserID, req.Resolved)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, comment)
}
