package service

import (
	"context"

	"github.com/rs/zerolog"

	"lockstep/api/internal/events"
	"lockstep/api/internal/ids"
	"lockstep/api/internal/models"
)

// EventSink persists security events. *repository.EventRepository
// satisfies it.
type EventSink interface {
	Insert(ctx context.Context, event models.SecurityEvent) error
}

// EventPublisher fans events out to other devices and processes.
// *events.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, ev events.Event)
}

// SecurityRecorder appends to the audit log and notifies the owning
// user's channel. Recording is best-effort relative to the operation that
// triggered it: a failed insert is logged, never propagated, so audit
// trouble cannot block a security response.
type SecurityRecorder struct {
	sink EventSink
	bus  EventPublisher
	log  zerolog.Logger
}

func NewSecurityRecorder(sink EventSink, bus EventPublisher, log zerolog.Logger) *SecurityRecorder {
	return &SecurityRecorder{sink: sink, bus: bus, log: log}
}

func (r *SecurityRecorder) Record(ctx context.Context, userID, sessionID, kind string, severity models.SecuritySeverity, details map[string]any) models.SecurityEvent {
	event := models.SecurityEvent{
		ID:        ids.New(),
		UserID:    userID,
		SessionID: sessionID,
		Type:      kind,
		Severity:  severity,
		Details:   details,
	}

	if err := r.sink.Insert(ctx, event); err != nil {
		r.log.Error().
			Err(err).
			Str("type", kind).
			Str("user_id", userID).
			Msg("security event insert failed")
	}

	if userID != "" {
		notice, err := events.New(events.TypeSecurityEvent, events.SecurityNotice{
			EventID:   event.ID,
			UserID:    userID,
			SessionID: sessionID,
			Kind:      kind,
			Severity:  string(severity),
		})
		if err != nil {
			r.log.Error().Err(err).Str("type", kind).Msg("security notice build failed")
			return event
		}
		r.bus.Publish(ctx, events.UserChannel(userID), notice)
	}

	return event
}
