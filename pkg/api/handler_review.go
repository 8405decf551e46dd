package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listCellsHandler handles GET /api/v1/reviews/:review_id/cells.
func (s *Server) listCellsHandler(c *gin.Context) {
	reviewID := c.Param("review_id")

	cells, err := s.reviews.Cells(c.Request.Context(), reviewID)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"review_id": reviewID, "cells": cells})
}

// overrideCellHandler handles POST /api/v1/reviews/:review_id/cells/:cell_id/override.
func (s *Server) overrideCellHandler(c *gin.Context) {
	var req OverrideCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cell, err := s.reviews.Override(c.Request.Context(),
		c.Param("review_id"), c.Param("cell_id"), req.Value, req.UserID)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, cell)
}
