package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lockstep/api/internal/models"
	"lockstep/api/internal/service"
)

type heartbeatRequest struct {
	ActivityKind string            `json:"activityKind"`
	Leader       *bool             `json:"leader"`
	Metadata     map[string]string `json:"metadata"`
}

// Heartbeat keeps the calling session's idle clock fresh. Heartbeating an
// already-ended session is reported, not failed: the tab learns it should
// re-authenticate.
func (h HandlerSet) Heartbeat(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.registry.Heartbeat(c.Request.Context(), claims.SessionID, req.Leader, req.Metadata)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": "ok", "activityKind": req.ActivityKind})
	case errors.Is(err, service.ErrSessionAlreadyEnded):
		c.JSON(http.StatusOK, gin.H{"result": "already_ended"})
	case errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type sessionResponse struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"deviceId"`
	TabID          string    `json:"tabId,omitempty"`
	Status         string    `json:"status"`
	Leader         bool      `json:"leader"`
	IPAddress      string    `json:"ipAddress"`
	UserAgent      string    `json:"userAgent"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	IdleExpiresAt  time.Time `json:"idleExpiresAt"`
	Current        bool      `json:"current"`
}

func (h HandlerSet) ListSessions(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sessions, err := h.sessions.ListActiveByUser(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		resp = append(resp, sessionResponse{
			ID:             session.ID,
			DeviceID:       session.DeviceID,
			TabID:          session.TabID,
			Status:         string(session.Status),
			Leader:         session.Leader,
			IPAddress:      session.IPAddress,
			UserAgent:      session.UserAgent,
			CreatedAt:      session.CreatedAt,
			LastActivityAt: session.LastActivityAt,
			IdleExpiresAt:  session.IdleExpiresAt,
			Current:        session.ID == claims.SessionID,
		})
	}

	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

// RevokeSession terminates one of the caller's other sessions.
func (h HandlerSet) RevokeSession(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId required"})
		return
	}
	if sessionID == claims.SessionID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_revoke_current_session"})
		return
	}

	session, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session.UserID != claims.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	result, err := h.registry.Terminate(c.Request.Context(), sessionID, models.TerminateReasonLogout, claims.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if result.AlreadyEnded {
		c.JSON(http.StatusOK, gin.H{"result": "already_ended"})
		return
	}
	c.Status(http.StatusNoContent)
}

type deviceResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TrustLevel  string    `json:"trustLevel"`
	RiskScore   int       `json:"riskScore"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

func (h HandlerSet) ListDevices(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	devices, err := h.devices.ListByUser(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]deviceResponse, 0, len(devices))
	for _, device := range devices {
		resp = append(resp, deviceResponse{
			ID:          device.ID,
			Name:        device.Name,
			TrustLevel:  string(device.TrustLevel),
			RiskScore:   device.RiskScore,
			FirstSeenAt: device.FirstSeenAt,
			LastSeenAt:  device.LastSeenAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"devices": resp})
}
