package models

import "time"

type RefreshState string

const (
	RefreshStateActive  RefreshState = "active"
	RefreshStateRotated RefreshState = "rotated"
	RefreshStateRevoked RefreshState = "revoked"
)

// RefreshRecord is one link in a session's rotation chain. State
// transitions are one-way: active -> rotated | revoked, and active
// records age out of the store when their TTL elapses unused. At most one
// record per chain is ever active.
type RefreshRecord struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	UserID          string       `json:"user_id"`
	RotationChainID string       `json:"rotation_chain_id"`
	State           RefreshState `json:"state"`
	TokenHash       string       `json:"token_hash"`
	IssuedAt        time.Time    `json:"issued_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
}

type SecuritySeverity string

const (
	SeverityLow      SecuritySeverity = "low"
	SeverityMedium   SecuritySeverity = "medium"
	SeverityHigh     SecuritySeverity = "high"
	SeverityCritical SecuritySeverity = "critical"
)

// SecurityEvent types emitted by the core.
const (
	EventTypeTokenReuse       = "token_reuse"
	EventTypeNewDevice        = "new_device"
	EventTypeImpossibleTravel = "impossible_travel"
	EventTypeLoginFailed      = "login_failed"
	EventTypeLoginLocked      = "login_locked"
	EventTypeSessionEvicted   = "session_evicted"
)

// SecurityEvent is an append-only audit record; rows are never mutated
// after insert (archival only flips a marker).
type SecurityEvent struct {
	ID        string
	UserID    string
	SessionID string
	Type      string
	Severity  SecuritySeverity
	Details   map[string]any
	CreatedAt time.Time
	Archived  bool
}
