package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/artemis/modernizer/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StartMigration accepts a migration request and returns its id
func (s *Server) StartMigration(c *gin.Context) {
	var req service.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	id, err := s.service.StartMigration(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("failed to start migration", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"migration_id": id})
}

// GetMigration returns the latest state snapshot for a migration
func (s *Server) GetMigration(c *gin.Context) {
	id := c.Param("id")

	st, err := s.service.GetMigration(id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "migration not found"})
			return
		}
		s.logger.Error("failed to get migration", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, st)
}

// ListMigrations returns state snapshots, newest first
func (s *Server) ListMigrations(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	states, err := s.service.ListMigrations(limit, offset)
	if err != nil {
		s.logger.Error("failed to list migrations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"migrations": states, "count": len(states)})
}

// CancelMigration requests cancellation of a live migration
func (s *Server) CancelMigration(c *gin.Context) {
	id := c.Param("id")

	if err := s.service.Cancel(id); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "migration not found or already finished"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "canceling", "migration_id": id})
}
