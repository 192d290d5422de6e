package models

import "time"

type TrustLevel string

const (
	TrustLevelTrusted TrustLevel = "trusted"
	TrustLevelKnown   TrustLevel = "known"
	TrustLevelUnknown TrustLevel = "unknown"
)

// DeviceInfo is the raw client environment a connecting device presents.
// The IP prefix, not the full address, participates in the fingerprint.
type DeviceInfo struct {
	UserAgent string
	Platform  string
	Screen    string
	Timezone  string
	IPAddress string
}

// Device is created on first sighting of a (user, fingerprint) pair and
// updated on every login. Devices are never deleted while sessions
// reference them.
type Device struct {
	ID          string
	UserID      string
	Fingerprint string
	Name        string
	TrustLevel  TrustLevel
	RiskScore   int
	IPPrefix    string
	SeenCount   int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}
