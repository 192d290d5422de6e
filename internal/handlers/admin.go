package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lockstep/api/internal/models"
)

func (h HandlerSet) AdminListSecurityEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	var (
		events []models.SecurityEvent
		err    error
	)
	if userID := c.Query("userId"); userID != "" {
		events, err = h.secEvents.ListByUser(c.Request.Context(), userID, limit)
	} else {
		events, err = h.secEvents.ListRecent(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}
