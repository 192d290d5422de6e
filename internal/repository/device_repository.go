package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lockstep/api/internal/models"
)

var ErrDeviceNotFound = errors.New("device not found")

type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

const deviceColumns = `id, user_id, fingerprint, name, trust_level, risk_score, ip_prefix, seen_count, first_seen_at, last_seen_at`

// Upsert records a sighting. A device row is keyed by (user_id, fingerprint);
// repeat sightings bump seen_count and last_seen_at and carry the updated
// trust fields.
func (r *DeviceRepository) Upsert(ctx context.Context, device models.Device) (models.Device, error) {
	const query = `
		INSERT INTO devices (
			id, user_id, fingerprint, name, trust_level, risk_score, ip_prefix, seen_count, first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, 1, NOW(), NOW()
		)
		ON CONFLICT (user_id, fingerprint)
		DO UPDATE SET
			trust_level = EXCLUDED.trust_level,
			risk_score = EXCLUDED.risk_score,
			ip_prefix = EXCLUDED.ip_prefix,
			seen_count = devices.seen_count + 1,
			last_seen_at = NOW()
		RETURNING ` + deviceColumns

	return r.scanOne(r.pool.QueryRow(ctx, query,
		device.ID,
		device.UserID,
		device.Fingerprint,
		device.Name,
		device.TrustLevel,
		device.RiskScore,
		device.IPPrefix,
	))
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *DeviceRepository) FindByFingerprint(ctx context.Context, userID string, fingerprint string) (models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 AND fingerprint = $2`
	return r.scanOne(r.pool.QueryRow(ctx, query, userID, fingerprint))
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	const query = `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE user_id = $1
		ORDER BY last_seen_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		device, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (r *DeviceRepository) UpdateTrust(ctx context.Context, id string, level models.TrustLevel, riskScore int) error {
	const query = `
		UPDATE devices SET trust_level = $2, risk_score = $3 WHERE id = $1
	`
	cmd, err := r.pool.Exec(ctx, query, id, level, riskScore)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *DeviceRepository) scanOne(row pgx.Row) (models.Device, error) {
	var device models.Device
	if err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.Fingerprint,
		&device.Name,
		&device.TrustLevel,
		&device.RiskScore,
		&device.IPPrefix,
		&device.SeenCount,
		&device.FirstSeenAt,
		&device.LastSeenAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Device{}, ErrDeviceNotFound
		}
		return models.Device{}, err
	}
	return device, nil
}
