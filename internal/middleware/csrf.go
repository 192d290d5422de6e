package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lockstep/api/internal/security"
)

const (
	// CSRFCookie is script-readable; CSRFHeader must echo it on every
	// state-changing request (double-submit pattern).
	CSRFCookie = "ls_csrf"
	CSRFHeader = "X-CSRF-Token"
)

// CSRF enforces the double-submit check before any state-changing call
// reaches a service. Safe methods pass through.
func CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		cookie, err := c.Cookie(CSRFCookie)
		if err != nil || cookie == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_cookie_missing"})
			return
		}

		if !security.ValidateCSRFToken(cookie, c.GetHeader(CSRFHeader)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_mismatch"})
			return
		}

		c.Next()
	}
}
