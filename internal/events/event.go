package events

import (
	"encoding/json"
	"fmt"
	"time"

	"lockstep/api/internal/ids"
)

type EventType string

const (
	TypeSessionTerminated  EventType = "session-terminated"
	TypeCredentialsRevoked EventType = "credentials-revoked"
	TypeSecurityEvent      EventType = "security-event"
)

// UserChannel and DeviceChannel name the two pub/sub channel families:
// one channel per user id and one per device id.
func UserChannel(userID string) string     { return "user:" + userID }
func DeviceChannel(deviceID string) string { return "device:" + deviceID }

// Event is the envelope published on user and device channels. Payload is
// a tagged union keyed on Type; delivery is at-least-once, so consumers
// dedupe on ID.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type SessionTerminated struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	Reason    string `json:"reason"`
	Initiator string `json:"initiator,omitempty"`
}

type CredentialsRevoked struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	RotationChainID string `json:"rotation_chain_id"`
}

type SecurityNotice struct {
	EventID   string `json:"event_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Severity  string `json:"severity"`
}

// New wraps a typed payload into an envelope with a fresh event id.
func New(t EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Event{
		ID:         ids.New(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload for the envelope's type. Unknown types
// return an error so consumers can skip rather than misinterpret them.
func (e Event) Decode() (any, error) {
	switch e.Type {
	case TypeSessionTerminated:
		var p SessionTerminated
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeCredentialsRevoked:
		var p CredentialsRevoked
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeSecurityEvent:
		var p SecurityNotice
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}
