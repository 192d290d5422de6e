package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lockstep/api/internal/middleware"
	"lockstep/api/internal/models"
	"lockstep/api/internal/security"
	"lockstep/api/internal/service"
)

const refreshCookiePath = "/api/v1/auth"

type registerRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"displayName" binding:"required"`
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Status      string `json:"status"`
}

func toUserResponse(user models.User) userResponse {
	return userResponse{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        string(user.Role),
		Status:      string(user.Status),
	}
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.auth.Register(c.Request.Context(), service.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": toUserResponse(user)})
}

type loginRequest struct {
	Email    string            `json:"email" binding:"required,email"`
	Password string            `json:"password" binding:"required"`
	TabID    string            `json:"tabId"`
	Platform string            `json:"platform"`
	Screen   string            `json:"screen"`
	Timezone string            `json:"timezone"`
	Metadata map[string]string `json:"metadata"`
}

type loginResponse struct {
	User            userResponse `json:"user"`
	SessionID       string       `json:"sessionId"`
	DeviceID        string       `json:"deviceId"`
	TrustLevel      string       `json:"trustLevel"`
	CSRFToken       string       `json:"csrfToken"`
	AccessExpiresAt int64        `json:"accessExpiresAt"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.auth.Login(c.Request.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		TabID:    req.TabID,
		Metadata: req.Metadata,
		Device: models.DeviceInfo{
			UserAgent: c.GetHeader("User-Agent"),
			Platform:  req.Platform,
			Screen:    req.Screen,
			Timezone:  req.Timezone,
			IPAddress: c.ClientIP(),
		},
	})
	if err != nil {
		h.writeLoginError(c, err)
		return
	}

	h.setAuthCookies(c, result.Credentials.AccessToken, result.Credentials.RefreshToken, result.CSRFToken)

	c.JSON(http.StatusOK, loginResponse{
		User:            toUserResponse(result.User),
		SessionID:       result.Session.ID,
		DeviceID:        result.Device.ID,
		TrustLevel:      string(result.Assessment.TrustLevel),
		CSRFToken:       result.CSRFToken,
		AccessExpiresAt: result.Credentials.AccessExpiresAt.Unix(),
	})
}

func (h HandlerSet) writeLoginError(c *gin.Context, err error) {
	var lockout service.LockoutError
	switch {
	case errors.As(err, &lockout):
		c.Header("Retry-After", strconv.FormatInt(int64(lockout.RetryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "account_locked"})
	case errors.Is(err, service.ErrAccountLocked):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "account_locked"})
	case errors.Is(err, service.ErrUserSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "user_suspended"})
	case errors.Is(err, service.ErrDeviceUntrusted):
		c.JSON(http.StatusForbidden, gin.H{"error": "device_untrusted"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	default:
		h.log.Error().Err(err).Msg("login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// Refresh rotates the refresh cookie into a new credential pair. A reused
// or revoked token means forced re-login: cookies are cleared and the
// client must not retry.
func (h HandlerSet) Refresh(c *gin.Context) {
	refreshToken, err := c.Cookie(middleware.RefreshCookie)
	if err != nil || refreshToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_refresh_token"})
		return
	}

	creds, err := h.tokens.Refresh(c.Request.Context(), refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenReused), errors.Is(err, service.ErrTokenRevoked):
			h.clearAuthCookies(c)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "reauthentication_required"})
		case errors.Is(err, service.ErrTokenExpired), errors.Is(err, service.ErrTokenNotFound):
			h.clearAuthCookies(c)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh_expired"})
		case errors.Is(err, service.ErrUserSuspended):
			h.clearAuthCookies(c)
			c.JSON(http.StatusForbidden, gin.H{"error": "user_suspended"})
		default:
			h.log.Error().Err(err).Msg("refresh failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	csrfToken, err := security.GenerateCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	h.setAuthCookies(c, creds.AccessToken, creds.RefreshToken, csrfToken)

	c.JSON(http.StatusOK, gin.H{
		"csrfToken":       csrfToken,
		"accessExpiresAt": creds.AccessExpiresAt.Unix(),
	})
}

func (h HandlerSet) Logout(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	if err := h.auth.Logout(c.Request.Context(), claims.UserID, claims.SessionID); err != nil {
		if !errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) LogoutOthers(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	terminated, err := h.auth.LogoutOthers(c.Request.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"terminated": terminated})
}

func (h HandlerSet) LogoutAll(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	terminated, err := h.auth.LogoutAll(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.clearAuthCookies(c)
	c.JSON(http.StatusOK, gin.H{"terminated": terminated})
}

func (h HandlerSet) Me(c *gin.Context) {
	userVal, exists := c.Get("current_user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, ok := userVal.(models.User)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": toUserResponse(user)})
}

func mustClaims(c *gin.Context) *security.AccessClaims {
	claimsVal, _ := c.Get("access_claims")
	claims, ok := claimsVal.(security.AccessClaims)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_claims"})
		return nil
	}
	return &claims
}

func (h HandlerSet) setAuthCookies(c *gin.Context, accessToken, refreshToken, csrfToken string) {
	secure := h.cfg.Environment == "production"
	accessTTL := int(h.cfg.Security.AccessTTL.Seconds())
	refreshTTL := int(h.cfg.Security.RefreshTTL.Seconds())

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.AccessCookie, accessToken, accessTTL, "/", "", secure, true)
	c.SetCookie(middleware.RefreshCookie, refreshToken, refreshTTL, refreshCookiePath, "", secure, true)
	// The CSRF half is deliberately script-readable.
	c.SetCookie(middleware.CSRFCookie, csrfToken, refreshTTL, "/", "", secure, false)
}

func (h HandlerSet) clearAuthCookies(c *gin.Context) {
	secure := h.cfg.Environment == "production"
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.AccessCookie, "", -1, "/", "", secure, true)
	c.SetCookie(middleware.RefreshCookie, "", -1, refreshCookiePath, "", secure, true)
	c.SetCookie(middleware.CSRFCookie, "", -1, "/", "", secure, false)
}
