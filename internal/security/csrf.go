package security

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateCSRFToken returns the script-readable half of the double-submit
// pair. It carries no server-side state; matching cookie and header is the
// whole proof.
func GenerateCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func ValidateCSRFToken(cookieValue string, headerValue string) bool {
	if cookieValue == "" || headerValue == "" {
		return false
	}
	return hmac.Equal([]byte(cookieValue), []byte(headerValue))
}
