package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lockstep/api/internal/config"
	"lockstep/api/internal/events"
	"lockstep/api/internal/ids"
	"lockstep/api/internal/models"
	"lockstep/api/internal/repository"
)

// SessionStore abstracts session persistence. *repository.SessionRepository
// satisfies it; tests use an in-memory fake.
type SessionStore interface {
	Create(ctx context.Context, session models.Session) error
	GetByID(ctx context.Context, id string) (models.Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]models.Session, error)
	Heartbeat(ctx context.Context, id string, idleExpiresAt time.Time, leader *bool, metadata map[string]string) (bool, error)
	MarkEnded(ctx context.Context, id string, reason string) (bool, error)
	ExpiredBefore(ctx context.Context, now time.Time, limit int) ([]models.Session, error)
}

// ChainRevoker revokes every refresh record descending from a session's
// login. *repository.RefreshStore satisfies it.
type ChainRevoker interface {
	RevokeChain(ctx context.Context, sessionID string) (int, error)
}

// TabMeta carries the client-supplied context attached to a new session.
type TabMeta struct {
	TabID     string
	Metadata  map[string]string
	IPAddress string
	UserAgent string
}

// TerminateResult reports how a termination resolved. AlreadyEnded is a
// report, not an error: terminating an ended session succeeds silently.
type TerminateResult struct {
	AlreadyEnded bool
	Session      models.Session
}

// SessionRegistry owns the per-session state machine: creation with an
// eviction cap, heartbeats, idempotent termination, and the timeout sweep.
// Every operation is safe to invoke from multiple server processes.
type SessionRegistry struct {
	cfg    *config.AppConfig
	store  SessionStore
	chains ChainRevoker
	bus    EventPublisher
	rec    *SecurityRecorder
	log    zerolog.Logger
}

func NewSessionRegistry(
	cfg *config.AppConfig,
	store SessionStore,
	chains ChainRevoker,
	bus EventPublisher,
	rec *SecurityRecorder,
	log zerolog.Logger,
) *SessionRegistry {
	return &SessionRegistry{
		cfg:    cfg,
		store:  store,
		chains: chains,
		bus:    bus,
		rec:    rec,
		log:    log,
	}
}

// Create opens a session for a device (and optionally a tab). When the
// user is already at the concurrent-session cap, the least-recently-active
// session is terminated first.
func (r *SessionRegistry) Create(ctx context.Context, userID string, deviceID string, tab TabMeta) (models.Session, error) {
	active, err := r.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}

	if max := r.cfg.Security.MaxSessions; max > 0 && len(active) >= max {
		// ListActiveByUser orders by recency, so the victim is last. The
		// cap only hard-fails when the victim cannot be evicted.
		victim := active[len(active)-1]
		if _, err := r.Terminate(ctx, victim.ID, models.TerminateReasonEvicted, ""); err != nil {
			return models.Session{}, fmt.Errorf("%w: evicting %s: %v", ErrSessionLimitExceeded, victim.ID, err)
		}
		r.rec.Record(ctx, userID, victim.ID, models.EventTypeSessionEvicted, models.SeverityLow, map[string]any{
			"evicted_for_device": deviceID,
		})
	}

	now := time.Now()
	session := models.Session{
		ID:                ids.New(),
		UserID:            userID,
		DeviceID:          deviceID,
		TabID:             tab.TabID,
		Status:            models.SessionStatusActive,
		Metadata:          tab.Metadata,
		IPAddress:         tab.IPAddress,
		UserAgent:         tab.UserAgent,
		CreatedAt:         now,
		LastActivityAt:    now,
		IdleExpiresAt:     now.Add(r.cfg.Security.IdleTimeout),
		AbsoluteExpiresAt: now.Add(r.cfg.Security.AbsoluteTimeout),
	}

	if err := r.store.Create(ctx, session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (r *SessionRegistry) Get(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := r.store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

// IsActive reports whether the session can still back credentials. An
// ended or deadline-passed session cannot.
func (r *SessionRegistry) IsActive(ctx context.Context, sessionID string) (bool, error) {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return session.Status != models.SessionStatusEnded && !session.Expired(time.Now()), nil
}

// Heartbeat resets the idle clock. Leadership claims and metadata tags
// ride along when the client supplies them. Heartbeating an ended session
// reports ErrSessionAlreadyEnded; callers treat that as advice to
// re-authenticate, not as a fault.
func (r *SessionRegistry) Heartbeat(ctx context.Context, sessionID string, leader *bool, metadata map[string]string) error {
	idleDeadline := time.Now().Add(r.cfg.Security.IdleTimeout)

	updated, err := r.store.Heartbeat(ctx, sessionID, idleDeadline, leader, metadata)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}

	if _, err := r.Get(ctx, sessionID); err != nil {
		return err
	}
	return ErrSessionAlreadyEnded
}

// Terminate moves the session to its terminal state, revokes its rotation
// chain, and broadcasts the termination on the user and device channels.
// Exactly one concurrent caller performs the transition; the rest observe
// AlreadyEnded and succeed.
func (r *SessionRegistry) Terminate(ctx context.Context, sessionID string, reason string, initiator string) (TerminateResult, error) {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return TerminateResult{}, err
	}

	updated, err := r.store.MarkEnded(ctx, sessionID, reason)
	if err != nil {
		return TerminateResult{}, err
	}
	if !updated {
		return TerminateResult{AlreadyEnded: true, Session: session}, nil
	}

	if n, err := r.chains.RevokeChain(ctx, sessionID); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("chain revocation failed")
	} else if n > 0 {
		r.log.Debug().Str("session_id", sessionID).Int("revoked", n).Msg("rotation chain revoked")
	}

	r.publishTerminated(ctx, session, reason, initiator)

	r.log.Info().
		Str("session_id", sessionID).
		Str("user_id", session.UserID).
		Str("reason", reason).
		Msg("session terminated")

	return TerminateResult{Session: session}, nil
}

// TerminateAllExcept ends every live session of the user except the one to
// keep ("log out other devices"). Termination is idempotent, so racing
// callers are harmless.
func (r *SessionRegistry) TerminateAllExcept(ctx context.Context, userID string, keepSessionID string, reason string) (int, error) {
	active, err := r.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	terminated := 0
	for _, session := range active {
		if session.ID == keepSessionID {
			continue
		}
		result, err := r.Terminate(ctx, session.ID, reason, keepSessionID)
		if err != nil {
			return terminated, err
		}
		if !result.AlreadyEnded {
			terminated++
		}
	}
	return terminated, nil
}

// TerminateAll ends every live session of the user ("log out everywhere").
func (r *SessionRegistry) TerminateAll(ctx context.Context, userID string, reason string) (int, error) {
	return r.TerminateAllExcept(ctx, userID, "", reason)
}

// Sweep terminates sessions past either deadline with reason timeout.
// Transient store failures are retried locally and never surfaced;
// duplicate sweeps from concurrent workers are harmless because
// termination is idempotent.
func (r *SessionRegistry) Sweep(ctx context.Context) int {
	const batch = 200

	expired, err := r.expiredWithRetry(ctx, batch)
	if err != nil {
		r.log.Warn().Err(err).Msg("session sweep scan failed")
		return 0
	}

	swept := 0
	for _, session := range expired {
		result, err := r.Terminate(ctx, session.ID, models.TerminateReasonTimeout, "")
		if err != nil {
			r.log.Warn().Err(err).Str("session_id", session.ID).Msg("sweep terminate failed")
			continue
		}
		if !result.AlreadyEnded {
			swept++
		}
	}

	if swept > 0 {
		r.log.Info().Int("swept", swept).Msg("expired sessions terminated")
	}
	return swept
}

func (r *SessionRegistry) expiredWithRetry(ctx context.Context, limit int) ([]models.Session, error) {
	retries := r.cfg.Jobs.SweepRetry
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		expired, err := r.store.ExpiredBefore(ctx, time.Now(), limit)
		if err == nil {
			return expired, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (r *SessionRegistry) publishTerminated(ctx context.Context, session models.Session, reason string, initiator string) {
	ev, err := events.New(events.TypeSessionTerminated, events.SessionTerminated{
		SessionID: session.ID,
		UserID:    session.UserID,
		DeviceID:  session.DeviceID,
		Reason:    reason,
		Initiator: initiator,
	})
	if err != nil {
		r.log.Error().Err(err).Str("session_id", session.ID).Msg("termination event build failed")
		return
	}

	r.bus.Publish(ctx, events.UserChannel(session.UserID), ev)
	r.bus.Publish(ctx, events.DeviceChannel(session.DeviceID), ev)
}
