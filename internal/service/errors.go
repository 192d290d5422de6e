package service

import (
	"errors"
	"fmt"
	"time"

	"lockstep/api/internal/security"
)

var (
	// Authentication.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrUserSuspended      = errors.New("user suspended")

	// Tokens. Expired and invalid-signature failures originate in the
	// security package and surface unchanged.
	ErrTokenExpired          = security.ErrTokenExpired
	ErrTokenInvalidSignature = security.ErrTokenInvalidSignature
	ErrTokenReused           = errors.New("refresh token reuse detected")
	ErrTokenRevoked          = errors.New("refresh token revoked")
	ErrTokenNotFound         = errors.New("refresh token not found")
	ErrSessionRevoked        = errors.New("session revoked")

	// Sessions.
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyEnded  = errors.New("session already ended")
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	// Devices.
	ErrDeviceUntrusted = errors.New("device untrusted")
)

// LockoutError carries retry metadata for the escalating login lockout.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e LockoutError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrAccountLocked.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrAccountLocked.Error(), e.RetryAfter)
}

func (e LockoutError) Unwrap() error { return ErrAccountLocked }
