package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lockstep/api/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, user_id, device_id, tab_id, status, leader, metadata, ip_address, user_agent,
	created_at, last_activity_at, idle_expires_at, absolute_expires_at, ended_at, end_reason`

func (r *SessionRepository) Create(ctx context.Context, session models.Session) error {
	const query = `
		INSERT INTO sessions (
			id, user_id, device_id, tab_id, status, leader, metadata, ip_address, user_agent,
			created_at, last_activity_at, idle_expires_at, absolute_expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), $10, $11
		)
	`

	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.DeviceID,
		session.TabID,
		session.Status,
		session.Leader,
		session.Metadata,
		session.IPAddress,
		session.UserAgent,
		session.IdleExpiresAt,
		session.AbsoluteExpiresAt,
	)
	return err
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *SessionRepository) ListActiveByUser(ctx context.Context, userID string) ([]models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND status <> 'ended'
		ORDER BY last_activity_at DESC
	`
	return r.list(ctx, query, userID)
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1
		ORDER BY last_activity_at DESC
	`
	return r.list(ctx, query, userID)
}

// Heartbeat bumps the activity clock and pushes the idle deadline out.
// Leader flag and metadata travel with the heartbeat when present.
// Returns false when the session exists but is already ended.
func (r *SessionRepository) Heartbeat(ctx context.Context, id string, idleExpiresAt time.Time, leader *bool, metadata map[string]string) (bool, error) {
	const query = `
		UPDATE sessions
		SET last_activity_at = NOW(),
		    idle_expires_at = $2,
		    status = 'active',
		    leader = COALESCE($3, leader),
		    metadata = COALESCE($4, metadata)
		WHERE id = $1 AND status <> 'ended'
	`
	cmd, err := r.pool.Exec(ctx, query, id, idleExpiresAt, leader, metadata)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkEnded is the single write path into the terminal state. The status
// guard makes it idempotent under concurrent sweepers: exactly one caller
// observes updated=true.
func (r *SessionRepository) MarkEnded(ctx context.Context, id string, reason string) (bool, error) {
	const query = `
		UPDATE sessions
		SET status = 'ended', ended_at = NOW(), end_reason = $2
		WHERE id = $1 AND status <> 'ended'
	`
	cmd, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkIdle flips active sessions past their idle deadline to idle without
// ending them. Used for presence display only.
func (r *SessionRepository) MarkIdle(ctx context.Context, id string) error {
	const query = `
		UPDATE sessions SET status = 'idle' WHERE id = $1 AND status = 'active'
	`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// ExpiredBefore returns live sessions whose idle or absolute deadline has
// passed, oldest first, capped at limit.
func (r *SessionRepository) ExpiredBefore(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status <> 'ended' AND (idle_expires_at < $1 OR absolute_expires_at < $1)
		ORDER BY last_activity_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, now, limit)
}

func (r *SessionRepository) list(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *SessionRepository) scanOne(row pgx.Row) (models.Session, error) {
	var session models.Session
	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.DeviceID,
		&session.TabID,
		&session.Status,
		&session.Leader,
		&session.Metadata,
		&session.IPAddress,
		&session.UserAgent,
		&session.CreatedAt,
		&session.LastActivityAt,
		&session.IdleExpiresAt,
		&session.AbsoluteExpiresAt,
		&session.EndedAt,
		&session.EndReason,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}
