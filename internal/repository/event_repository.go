package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lockstep/api/internal/models"
)

var ErrEventNotFound = errors.New("security event not found")

// EventRepository is the append-only security audit log. Rows are inserted
// once and never updated, except for the archived marker flipped by the
// export job.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

const eventColumns = `id, user_id, session_id, type, severity, details, created_at, archived`

func (r *EventRepository) Insert(ctx context.Context, event models.SecurityEvent) error {
	const query = `
		INSERT INTO security_events (
			id, user_id, session_id, type, severity, details, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, NOW()
		)
	`

	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.UserID,
		event.SessionID,
		event.Type,
		event.Severity,
		event.Details,
	)
	return err
}

func (r *EventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	const query = `
		SELECT ` + eventColumns + `
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.list(ctx, query, userID, limit)
}

func (r *EventRepository) ListRecent(ctx context.Context, limit int) ([]models.SecurityEvent, error) {
	const query = `
		SELECT ` + eventColumns + `
		FROM security_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.list(ctx, query, limit)
}

// CountSince reports how many events of one type a user accumulated
// inside a window. Used for audit queries alongside ListByUser.
func (r *EventRepository) CountSince(ctx context.Context, userID string, eventType string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM security_events
		WHERE user_id = $1 AND type = $2 AND created_at >= $3
	`
	var count int
	if err := r.pool.QueryRow(ctx, query, userID, eventType, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UnarchivedBefore feeds the daily export job.
func (r *EventRepository) UnarchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.SecurityEvent, error) {
	const query = `
		SELECT ` + eventColumns + `
		FROM security_events
		WHERE archived = FALSE AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, cutoff, limit)
}

func (r *EventRepository) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE security_events SET archived = TRUE WHERE id = ANY($1)`
	_, err := r.pool.Exec(ctx, query, ids)
	return err
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]models.SecurityEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.SecurityEvent
	for rows.Next() {
		event, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *EventRepository) scanOne(row pgx.Row) (models.SecurityEvent, error) {
	var event models.SecurityEvent
	if err := row.Scan(
		&event.ID,
		&event.UserID,
		&event.SessionID,
		&event.Type,
		&event.Severity,
		&event.Details,
		&event.CreatedAt,
		&event.Archived,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SecurityEvent{}, ErrEventNotFound
		}
		return models.SecurityEvent{}, err
	}
	return event, nil
}
