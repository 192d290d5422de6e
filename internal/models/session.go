package models

import "time"

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusEnded  SessionStatus = "ended"
)

// Termination reasons recorded on ended sessions.
const (
	TerminateReasonLogout     = "logout"
	TerminateReasonLogoutAll  = "logout_all"
	TerminateReasonTimeout    = "timeout"
	TerminateReasonEvicted    = "evicted"
	TerminateReasonTokenReuse = "token_reuse"
	TerminateReasonAdmin      = "admin"
)

// Session is the unit of authenticated presence for one device (and
// optionally one tab). It is mutated by heartbeats and terminal once ended.
type Session struct {
	ID                string
	UserID            string
	DeviceID          string
	TabID             string
	Status            SessionStatus
	Leader            bool
	Metadata          map[string]string
	IPAddress         string
	UserAgent         string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	IdleExpiresAt     time.Time
	AbsoluteExpiresAt time.Time
	EndedAt           *time.Time
	EndReason         string
}

// Expired reports whether the session has passed either of its deadlines.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.IdleExpiresAt) || now.After(s.AbsoluteExpiresAt)
}
