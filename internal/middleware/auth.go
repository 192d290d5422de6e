package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lockstep/api/internal/models"
	"lockstep/api/internal/repository"
	"lockstep/api/internal/service"
)

// AccessCookie and RefreshCookie carry the credential pair; both are
// HttpOnly and never readable from script.
const (
	AccessCookie  = "ls_access"
	RefreshCookie = "ls_refresh"
)

// Auth authenticates the request from the access cookie (or a bearer
// header for non-browser clients), verifies the claims against the live
// session, and loads the current user into the context.
func Auth(tokens *service.TokenAuthority, users *repository.UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := tokenFromRequest(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		claims, err := tokens.VerifyAccess(c.Request.Context(), tokenStr)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrTokenExpired):
				// The client should attempt one silent refresh before
				// treating this as a logout.
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_expired"})
			case errors.Is(err, service.ErrSessionRevoked):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_revoked"})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			}
			return
		}

		user, err := users.GetByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_not_found"})
			return
		}
		if user.Status != models.UserStatusActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user_inactive"})
			return
		}

		c.Set("access_claims", *claims)
		c.Set("current_user", user)

		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(AccessCookie); err == nil && cookie != "" {
		return cookie
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
