package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"lockstep/api/internal/config"
	"lockstep/api/internal/events"
	"lockstep/api/internal/ids"
	"lockstep/api/internal/models"
	"lockstep/api/internal/repository"
	"lockstep/api/internal/security"
)

// RefreshTokenStore abstracts the TTL-keyed refresh record store.
// *repository.RefreshStore satisfies it; tests use an in-memory fake with
// the same CAS semantics.
type RefreshTokenStore interface {
	Save(ctx context.Context, record models.RefreshRecord) error
	GetByHash(ctx context.Context, tokenHash string) (models.RefreshRecord, error)
	Rotate(ctx context.Context, tokenHash string) (repository.RotateOutcome, error)
	RevokeChain(ctx context.Context, sessionID string) (int, error)
}

// UserLookup resolves the owning user during refresh.
// *repository.UserRepository satisfies it.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (models.User, error)
}

// IssuedCredentials is a freshly minted access/refresh pair bound to one
// session and one rotation chain.
type IssuedCredentials struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	RotationChainID  string
}

// TokenAuthority issues, verifies, and rotates credential pairs, and is
// the sole writer of refresh-record state. Rotation is fail-secure: a
// refresh token that lost its compare-and-set can never silently succeed.
type TokenAuthority struct {
	cfg      *config.AppConfig
	store    RefreshTokenStore
	users    UserLookup
	registry *SessionRegistry
	rec      *SecurityRecorder
	bus      EventPublisher
	log      zerolog.Logger
}

func NewTokenAuthority(
	cfg *config.AppConfig,
	store RefreshTokenStore,
	users UserLookup,
	registry *SessionRegistry,
	rec *SecurityRecorder,
	bus EventPublisher,
	log zerolog.Logger,
) *TokenAuthority {
	return &TokenAuthority{
		cfg:      cfg,
		store:    store,
		users:    users,
		registry: registry,
		rec:      rec,
		bus:      bus,
		log:      log,
	}
}

// Issue starts a new rotation chain for the session and returns its first
// credential pair.
func (a *TokenAuthority) Issue(ctx context.Context, user models.User, session models.Session) (IssuedCredentials, error) {
	chainID := ids.New()
	return a.mint(ctx, user, session, chainID)
}

// VerifyAccess validates the signed claims and then confirms, server side,
// that the bound session is still active. A valid signature over a dead
// session fails with ErrSessionRevoked.
func (a *TokenAuthority) VerifyAccess(ctx context.Context, accessToken string) (*security.AccessClaims, error) {
	claims, err := security.ParseAccessToken(accessToken, a.cfg.Security.JWTAccessSecret)
	if err != nil {
		return nil, err
	}

	active, err := a.registry.IsActive(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

// Refresh rotates a refresh token into a new credential pair.
//
// The state transition active -> rotated runs as a compare-and-set in the
// backing store. Losing the CAS because the record is already rotated or
// revoked is a reuse event: the whole chain is revoked, the owning session
// terminated, and a critical security event recorded. Exactly one caller
// per token ever succeeds.
func (a *TokenAuthority) Refresh(ctx context.Context, refreshToken string) (IssuedCredentials, error) {
	tokenHash := security.HashRefreshToken(refreshToken)

	outcome, err := a.store.Rotate(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshNotFound) {
			return IssuedCredentials{}, ErrTokenNotFound
		}
		return IssuedCredentials{}, err
	}

	if outcome.Conflict {
		a.handleReuse(ctx, outcome.Record)
		return IssuedCredentials{}, ErrTokenReused
	}

	record := outcome.Record
	if time.Now().After(record.ExpiresAt) {
		return IssuedCredentials{}, ErrTokenExpired
	}

	user, err := a.users.GetByID(ctx, record.UserID)
	if err != nil {
		return IssuedCredentials{}, err
	}
	if user.Status != models.UserStatusActive {
		return IssuedCredentials{}, ErrUserSuspended
	}

	session, err := a.registry.Get(ctx, record.SessionID)
	if err != nil {
		return IssuedCredentials{}, err
	}
	if session.Status == models.SessionStatusEnded || session.Expired(time.Now()) {
		if _, err := a.store.RevokeChain(ctx, record.SessionID); err != nil {
			a.log.Error().Err(err).Str("session_id", record.SessionID).Msg("chain revocation failed")
		}
		return IssuedCredentials{}, ErrTokenRevoked
	}

	// Extend the chain: successor record, same rotationChainId.
	return a.mint(ctx, user, session, record.RotationChainID)
}

// RevokeChain marks every record in the session's chain revoked and
// broadcasts the revocation. Used on explicit logout.
func (a *TokenAuthority) RevokeChain(ctx context.Context, userID string, sessionID string) error {
	if _, err := a.store.RevokeChain(ctx, sessionID); err != nil {
		return err
	}
	a.publishRevoked(ctx, userID, sessionID, "")
	return nil
}

func (a *TokenAuthority) mint(ctx context.Context, user models.User, session models.Session, chainID string) (IssuedCredentials, error) {
	refreshToken, tokenHash, err := security.GenerateRefreshToken(64)
	if err != nil {
		return IssuedCredentials{}, err
	}

	now := time.Now()
	record := models.RefreshRecord{
		ID:              ids.New(),
		SessionID:       session.ID,
		UserID:          user.ID,
		RotationChainID: chainID,
		State:           models.RefreshStateActive,
		TokenHash:       tokenHash,
		IssuedAt:        now,
		ExpiresAt:       now.Add(a.cfg.Security.RefreshTTL),
	}

	if err := a.store.Save(ctx, record); err != nil {
		return IssuedCredentials{}, err
	}

	accessToken, err := security.GenerateAccessToken(
		a.cfg.Security.JWTAccessSecret,
		user.ID,
		session.ID,
		session.DeviceID,
		string(user.Role),
		a.cfg.Security.AccessTTL,
	)
	if err != nil {
		return IssuedCredentials{}, err
	}

	return IssuedCredentials{
		AccessToken:      accessToken,
		AccessExpiresAt:  now.Add(a.cfg.Security.AccessTTL),
		RefreshToken:     refreshToken,
		RefreshExpiresAt: record.ExpiresAt,
		RotationChainID:  chainID,
	}, nil
}

// handleReuse is the fail-secure path: never recovered, always cascades.
func (a *TokenAuthority) handleReuse(ctx context.Context, record models.RefreshRecord) {
	a.log.Warn().
		Str("session_id", record.SessionID).
		Str("user_id", record.UserID).
		Str("chain_id", record.RotationChainID).
		Str("state", string(record.State)).
		Msg("refresh token reuse detected")

	if _, err := a.store.RevokeChain(ctx, record.SessionID); err != nil {
		a.log.Error().Err(err).Str("session_id", record.SessionID).Msg("chain revocation failed")
	}

	if _, err := a.registry.Terminate(ctx, record.SessionID, models.TerminateReasonTokenReuse, ""); err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			a.log.Error().Err(err).Str("session_id", record.SessionID).Msg("reuse termination failed")
		}
	}

	a.rec.Record(ctx, record.UserID, record.SessionID, models.EventTypeTokenReuse, models.SeverityCritical, map[string]any{
		"rotation_chain_id": record.RotationChainID,
		"record_id":         record.ID,
		"observed_state":    string(record.State),
	})

	a.publishRevoked(ctx, record.UserID, record.SessionID, record.RotationChainID)
}

func (a *TokenAuthority) publishRevoked(ctx context.Context, userID, sessionID, chainID string) {
	ev, err := events.New(events.TypeCredentialsRevoked, events.CredentialsRevoked{
		SessionID:       sessionID,
		UserID:          userID,
		RotationChainID: chainID,
	})
	if err != nil {
		a.log.Error().Err(err).Str("session_id", sessionID).Msg("revocation event build failed")
		return
	}
	a.bus.Publish(ctx, events.UserChannel(userID), ev)
}
