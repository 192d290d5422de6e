package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"lockstep/api/internal/events"
	"lockstep/api/internal/models"
	"lockstep/api/internal/security"
)

func TestTokenAuthority_IssueAndRefresh(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	user := h.seedUser("u1", models.UserStatusActive)

	session, err := h.registry.Create(ctx, user.ID, "d1", TabMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	creds, err := h.tokens.Issue(ctx, user, session)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		t.Fatalf("empty credentials")
	}
	if creds.RotationChainID == "" {
		t.Fatalf("missing rotation chain id")
	}

	next, err := h.tokens.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == creds.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}
	if next.RotationChainID != creds.RotationChainID {
		t.Fatalf("chain id changed across rotation: %q != %q", next.RotationChainID, creds.RotationChainID)
	}

	// The consumed record must be rotated, the successor active.
	old, err := h.refresh.GetByHash(ctx, security.HashRefreshToken(creds.RefreshToken))
	if err != nil {
		t.Fatalf("GetByHash old: %v", err)
	}
	if old.State != models.RefreshStateRotated {
		t.Fatalf("old record state = %q, want rotated", old.State)
	}
	cur, err := h.refresh.GetByHash(ctx, security.HashRefreshToken(next.RefreshToken))
	if err != nil {
		t.Fatalf("GetByHash new: %v", err)
	}
	if cur.State != models.RefreshStateActive {
		t.Fatalf("new record state = %q, want active", cur.State)
	}
}

func TestTokenAuthority_ReuseCascades(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	user := h.seedUser("u1", models.UserStatusActive)

	session, err := h.registry.Create(ctx, user.ID, "d1", TabMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	creds, err := h.tokens.Issue(ctx, user, session)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := h.tokens.Refresh(ctx, creds.RefreshToken); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// Presenting the consumed token again is a reuse event.
	_, err = h.tokens.Refresh(ctx, creds.RefreshToken)
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("second refresh err = %v, want ErrTokenReused", err)
	}

	got, err := h.registry.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if got.Status != models.SessionStatusEnded {
		t.Fatalf("session status = %q, want ended", got.Status)
	}
	if got.EndReason != models.TerminateReasonTokenReuse {
		t.Fatalf("end reason = %q, want %q", got.EndReason, models.TerminateReasonTokenReuse)
	}

	for _, state := range h.refresh.states(session.ID) {
		if state != models.RefreshStateRevoked {
			t.Fatalf("chain record state = %q after reuse, want revoked", state)
		}
	}

	reuse := h.sink.byType(models.EventTypeTokenReuse)
	if len(reuse) != 1 {
		t.Fatalf("token_reuse events = %d, want 1", len(reuse))
	}
	if reuse[0].Severity != models.SeverityCritical {
		t.Fatalf("token_reuse severity = %q, want critical", reuse[0].Severity)
	}
}

func TestTokenAuthority_RefreshUnknownToken(t *testing.T) {
	h := newHarness()

	_, err := h.tokens.Refresh(context.Background(), "never-issued")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenAuthority_RefreshSuspendedUser(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	user := h.seedUser("u1", models.UserStatusActive)

	session, err := h.registry.Create(ctx, user.ID, "d1", TabMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	creds, err := h.tokens.Issue(ctx, user, session)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	user.Status = models.UserStatusSuspended
	h.users.put(user)

	_, err = h.tokens.Refresh(ctx, creds.RefreshToken)
	if !errors.Is(err, ErrUserSuspended) {
		t.Fatalf("err = %v, want ErrUserSuspended", err)
	}
}

func TestTokenAuthority_RefreshEndedSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	user := h.seedUser("u1", models.UserStatusActive)

	session, err := h.registry.Create(ctx, user.ID, "d1", TabMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	creds, err := h.tokens.Issue(ctx, user, session)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := h.registry.Terminate(ctx, session.ID, models.TerminateReasonLogout, ""); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	// Termination already revoked the chain, so the stale token reads as
	// reuse, which is the fail-secure answer.
	_, err = h.tokens.Refresh(ctx, creds.RefreshToken)
	if !errors.Is(err, ErrTokenReused) && !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("err = %v, want reuse or revoked", err)
	}
}

func TestTokenAuthority_VerifyAccess(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	user := h.seedUser("u1", models.UserStatusActive)

	session, err := h.registry.Create(ctx, user.ID, "d1", TabMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	creds, err := h.tokens.Issue(ctx, user, session)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := h.tokens.VerifyAccess(ctx, creds.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.UserID != user.ID || claims.SessionID != session.ID || claims.DeviceID != "d1" {
		t.Fatalf("claims = %+v", claims)
	}

	// A valid signature over a terminated session must fail.
	if _, err := h.registry.Terminate(ctx, session.ID, models.TerminateReasonLogout, ""); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	_, err = h.tokens.VerifyAccess(ctx, creds.AccessToken)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("err = %v, want ErrSessionRevoked", err)
	}
}

func TestTokenAuthority_VerifyAccessExpired(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	expired, err := security.GenerateAccessToken(
		h.cfg.Security.JWTAccessSecret, "u1", "s1", "d1", "user", -time.Minute,
	)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	_, err = h.tokens.VerifyAccess(ctx, expired)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTokenAuthority_VerifyAccessBadSignature(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	forged, err := security.GenerateAccessToken("wrong-secret", "u1", "s1", "d1", "user", time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	_, err = h.tokens.VerifyAccess(ctx, forged)
	if !errors.Is(err, ErrTokenInvalidSignature) {
		t.Fatalf("err = %v, want ErrTokenInvalidSignature", err)
	}
}

func TestTokenAuthority_RevokeChain(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	user := h.seedUser("u1", models.UserStatusActive)

	session, err := h.registry.Create(ctx, user.ID, "d1", TabMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.tokens.Issue(ctx, user, session); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := h.tokens.RevokeChain(ctx, user.ID, session.ID); err != nil {
		t.Fatalf("RevokeChain: %v", err)
	}
	for _, state := range h.refresh.states(session.ID) {
		if state != models.RefreshStateRevoked {
			t.Fatalf("record state = %q, want revoked", state)
		}
	}

	if len(h.bus.byType(events.TypeCredentialsRevoked)) == 0 {
		t.Fatalf("no credentials-revoked event published")
	}
}
