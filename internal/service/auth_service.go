package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lockstep/api/internal/config"
	"lockstep/api/internal/ids"
	"lockstep/api/internal/models"
	"lockstep/api/internal/repository"
	"lockstep/api/internal/security"
)

// CredentialStore validates raw login secrets. It is an external
// collaborator from this core's point of view: password storage policy
// lives behind it, not here.
type CredentialStore interface {
	Verify(ctx context.Context, email string, secret string) (models.User, error)
}

// LocalCredentialStore is the default CredentialStore, verifying argon2id
// hashes held in the user repository.
type LocalCredentialStore struct {
	users *repository.UserRepository
}

func NewLocalCredentialStore(users *repository.UserRepository) *LocalCredentialStore {
	return &LocalCredentialStore{users: users}
}

func (s *LocalCredentialStore) Verify(ctx context.Context, email string, secret string) (models.User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}

	ok, err := security.VerifyPassword(secret, user.PasswordHash)
	if err != nil || !ok {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// AuthService orchestrates the login flow: lockout check, credential
// verification, device trust assessment, session creation, and credential
// issuance.
type AuthService struct {
	cfg      *config.AppConfig
	creds    CredentialStore
	users    *repository.UserRepository
	trust    *DeviceTrustEvaluator
	registry *SessionRegistry
	tokens   *TokenAuthority
	rec      *SecurityRecorder
	cache    *redis.Client
	log      zerolog.Logger
}

func NewAuthService(
	cfg *config.AppConfig,
	creds CredentialStore,
	users *repository.UserRepository,
	trust *DeviceTrustEvaluator,
	registry *SessionRegistry,
	tokens *TokenAuthority,
	rec *SecurityRecorder,
	cache *redis.Client,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		cfg:      cfg,
		creds:    creds,
		users:    users,
		trust:    trust,
		registry: registry,
		tokens:   tokens,
		rec:      rec,
		cache:    cache,
		log:      log,
	}
}

type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (models.User, error) {
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))
	if input.Email == "" || input.Password == "" {
		return models.User{}, fmt.Errorf("email and password required")
	}

	if _, err := s.users.FindByEmail(ctx, input.Email); err == nil {
		return models.User{}, fmt.Errorf("email already registered")
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return models.User{}, err
	}

	passwordHash, err := security.HashPassword(input.Password)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           ids.New(),
		Email:        input.Email,
		PasswordHash: passwordHash,
		DisplayName:  input.DisplayName,
		Role:         models.UserRoleUser,
		Status:       models.UserStatusActive,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return models.User{}, err
	}
	return user, nil
}

type LoginInput struct {
	Email    string
	Password string
	TabID    string
	Metadata map[string]string
	Device   models.DeviceInfo
}

type LoginResult struct {
	User        models.User
	Device      models.Device
	Session     models.Session
	Credentials IssuedCredentials
	CSRFToken   string
	Assessment  Assessment
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))

	if retryAfter, locked, err := s.checkLockout(ctx, input.Email); err != nil {
		return LoginResult{}, err
	} else if locked {
		return LoginResult{}, LockoutError{RetryAfter: retryAfter}
	}

	user, err := s.creds.Verify(ctx, input.Email, input.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.registerFailure(ctx, input.Email, user.ID)
		}
		return LoginResult{}, err
	}

	if user.Status != models.UserStatusActive {
		return LoginResult{}, ErrUserSuspended
	}

	device, assessment, err := s.trust.AssessRisk(ctx, user.ID, input.Device)
	if err != nil {
		return LoginResult{}, err
	}
	if assessment.RiskScore >= riskBlockThreshold {
		return LoginResult{}, ErrDeviceUntrusted
	}

	session, err := s.registry.Create(ctx, user.ID, device.ID, TabMeta{
		TabID:     input.TabID,
		Metadata:  input.Metadata,
		IPAddress: input.Device.IPAddress,
		UserAgent: input.Device.UserAgent,
	})
	if err != nil {
		return LoginResult{}, err
	}

	creds, err := s.tokens.Issue(ctx, user, session)
	if err != nil {
		return LoginResult{}, err
	}

	csrfToken, err := security.GenerateCSRFToken()
	if err != nil {
		return LoginResult{}, err
	}

	s.clearFailures(ctx, input.Email)

	s.log.Info().
		Str("user_id", user.ID).
		Str("session_id", session.ID).
		Str("device_id", device.ID).
		Str("trust", string(assessment.TrustLevel)).
		Int("risk", assessment.RiskScore).
		Msg("login succeeded")

	return LoginResult{
		User:        user,
		Device:      device,
		Session:     session,
		Credentials: creds,
		CSRFToken:   csrfToken,
		Assessment:  assessment,
	}, nil
}

// Logout ends the calling session and revokes its chain.
func (s *AuthService) Logout(ctx context.Context, userID string, sessionID string) error {
	result, err := s.registry.Terminate(ctx, sessionID, models.TerminateReasonLogout, sessionID)
	if err != nil {
		return err
	}
	if result.AlreadyEnded {
		return nil
	}
	return s.tokens.RevokeChain(ctx, userID, sessionID)
}

// LogoutOthers ends every other session of the user ("log out other devices").
func (s *AuthService) LogoutOthers(ctx context.Context, userID string, keepSessionID string) (int, error) {
	return s.registry.TerminateAllExcept(ctx, userID, keepSessionID, models.TerminateReasonLogoutAll)
}

// LogoutAll ends every session of the user ("log out everywhere").
func (s *AuthService) LogoutAll(ctx context.Context, userID string) (int, error) {
	return s.registry.TerminateAll(ctx, userID, models.TerminateReasonLogoutAll)
}

func failureKey(identifier string) string { return "login:fail:" + identifier }
func lockKey(identifier string) string    { return "login:lock:" + identifier }

func (s *AuthService) checkLockout(ctx context.Context, identifier string) (time.Duration, bool, error) {
	ttl, err := s.cache.TTL(ctx, lockKey(identifier)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("lockout check: %w", err)
	}
	if ttl > 0 {
		return ttl, true, nil
	}
	return 0, false, nil
}

// registerFailure counts the miss and escalates the lockout when a
// threshold is crossed. Escalation durations grow with repeated abuse.
func (s *AuthService) registerFailure(ctx context.Context, identifier string, userID string) {
	sec := s.cfg.Security

	count, err := s.cache.Incr(ctx, failureKey(identifier)).Result()
	if err != nil {
		s.log.Warn().Err(err).Msg("failure counter unavailable")
		return
	}
	if count == 1 {
		s.cache.Expire(ctx, failureKey(identifier), sec.LockoutWindow)
	}

	s.rec.Record(ctx, userID, "", models.EventTypeLoginFailed, models.SeverityLow, map[string]any{
		"identifier": identifier,
		"failures":   count,
	})

	var lockFor time.Duration
	switch {
	case sec.LockoutSevereThreshold > 0 && count >= int64(sec.LockoutSevereThreshold):
		lockFor = sec.LockoutSevereDuration
	case sec.LockoutLongThreshold > 0 && count >= int64(sec.LockoutLongThreshold):
		lockFor = sec.LockoutLongDuration
	case sec.LockoutShortThreshold > 0 && count >= int64(sec.LockoutShortThreshold):
		lockFor = sec.LockoutShortDuration
	default:
		return
	}

	if err := s.cache.Set(ctx, lockKey(identifier), "1", lockFor).Err(); err != nil {
		s.log.Warn().Err(err).Msg("lockout set failed")
		return
	}

	s.rec.Record(ctx, userID, "", models.EventTypeLoginLocked, models.SeverityMedium, map[string]any{
		"identifier": identifier,
		"failures":   count,
		"locked_for": lockFor.String(),
	})
}

func (s *AuthService) clearFailures(ctx context.Context, identifier string) {
	if err := s.cache.Del(ctx, failureKey(identifier)).Err(); err != nil {
		s.log.Warn().Err(err).Msg("failure counter clear failed")
	}
}
