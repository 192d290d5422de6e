package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lockstep/api/internal/config"
	"lockstep/api/internal/ids"
	"lockstep/api/internal/models"
	"lockstep/api/internal/repository"
)

// DeviceStore abstracts device persistence. *repository.DeviceRepository
// satisfies it.
type DeviceStore interface {
	Upsert(ctx context.Context, device models.Device) (models.Device, error)
	FindByFingerprint(ctx context.Context, userID string, fingerprint string) (models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]models.Device, error)
}

// Risk weights. Scores saturate at 100; anything at or above
// riskBlockThreshold refuses the login outright.
const (
	riskNewDevice        = 40
	riskImpossibleTravel = 30
	riskPrefixChange     = 10
	riskDecayPerSighting = 5
	riskBlockThreshold   = 90
)

// Trust promotion gates: sighting count plus account age with a
// consistent IP prefix.
const (
	knownAfterSightings   = 3
	knownAfterAge         = 24 * time.Hour
	trustedAfterSightings = 10
	trustedAfterAge       = 7 * 24 * time.Hour
)

// Assessment is the trust verdict for one connecting client.
type Assessment struct {
	TrustLevel       models.TrustLevel
	RiskScore        int
	NewDevice        bool
	ImpossibleTravel bool
}

// DeviceTrustEvaluator fingerprints connecting clients and scores them
// against the user's sighting history.
type DeviceTrustEvaluator struct {
	cfg     *config.AppConfig
	devices DeviceStore
	rec     *SecurityRecorder
	log     zerolog.Logger
}

func NewDeviceTrustEvaluator(cfg *config.AppConfig, devices DeviceStore, rec *SecurityRecorder, log zerolog.Logger) *DeviceTrustEvaluator {
	return &DeviceTrustEvaluator{cfg: cfg, devices: devices, rec: rec, log: log}
}

// Fingerprint derives the deterministic composite identifier. Only the IP
// prefix participates, so an address change inside the same network does
// not mint a new device.
func Fingerprint(info models.DeviceInfo) string {
	composite := strings.Join([]string{
		info.UserAgent,
		info.Platform,
		info.Screen,
		info.Timezone,
		IPPrefix(info.IPAddress),
	}, "|")

	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}

// IPPrefix truncates an address to /24 for IPv4 and /48 for IPv6.
// Unparseable input is returned as-is so it still participates in the
// composite deterministically.
func IPPrefix(addr string) string {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return addr
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// RecordDevice upserts the (user, fingerprint) sighting without changing
// the trust verdict. Used when the caller has already assessed risk.
func (e *DeviceTrustEvaluator) RecordDevice(ctx context.Context, userID string, info models.DeviceInfo) (models.Device, error) {
	fingerprint := Fingerprint(info)

	existing, err := e.devices.FindByFingerprint(ctx, userID, fingerprint)
	if err != nil && !errors.Is(err, repository.ErrDeviceNotFound) {
		return models.Device{}, err
	}

	device := models.Device{
		ID:          existing.ID,
		UserID:      userID,
		Fingerprint: fingerprint,
		Name:        deviceName(info),
		TrustLevel:  existing.TrustLevel,
		RiskScore:   existing.RiskScore,
		IPPrefix:    IPPrefix(info.IPAddress),
	}
	if device.ID == "" {
		device.ID = ids.New()
		device.TrustLevel = models.TrustLevelUnknown
	}

	return e.devices.Upsert(ctx, device)
}

// AssessRisk evaluates a connecting client against the user's known
// devices, persists the updated sighting, and emits security events for
// anomalies. Identical fingerprint with a consistent IP prefix never
// downgrades the trust level.
func (e *DeviceTrustEvaluator) AssessRisk(ctx context.Context, userID string, info models.DeviceInfo) (models.Device, Assessment, error) {
	fingerprint := Fingerprint(info)
	prefix := IPPrefix(info.IPAddress)
	now := time.Now()

	existing, err := e.devices.FindByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		if !errors.Is(err, repository.ErrDeviceNotFound) {
			return models.Device{}, Assessment{}, err
		}
		return e.assessNew(ctx, userID, info, fingerprint, prefix, now)
	}

	assessment := Assessment{TrustLevel: existing.TrustLevel, RiskScore: existing.RiskScore}

	if existing.IPPrefix == prefix {
		assessment.RiskScore = maxInt(0, assessment.RiskScore-riskDecayPerSighting)
	} else {
		assessment.RiskScore = minInt(100, assessment.RiskScore+riskPrefixChange)
		if e.travelledTooFast(existing.LastSeenAt, now) {
			assessment.ImpossibleTravel = true
			assessment.RiskScore = minInt(100, assessment.RiskScore+riskImpossibleTravel)
			e.rec.Record(ctx, userID, "", models.EventTypeImpossibleTravel, models.SeverityMedium, map[string]any{
				"device_id":   existing.ID,
				"from_prefix": existing.IPPrefix,
				"to_prefix":   prefix,
				"interval_s":  int64(now.Sub(existing.LastSeenAt).Seconds()),
			})
		}
	}

	assessment.TrustLevel = promote(existing, prefix, now, assessment.TrustLevel)

	device, err := e.devices.Upsert(ctx, models.Device{
		ID:          existing.ID,
		UserID:      userID,
		Fingerprint: fingerprint,
		Name:        deviceName(info),
		TrustLevel:  assessment.TrustLevel,
		RiskScore:   assessment.RiskScore,
		IPPrefix:    prefix,
	})
	if err != nil {
		return models.Device{}, Assessment{}, err
	}
	return device, assessment, nil
}

func (e *DeviceTrustEvaluator) assessNew(ctx context.Context, userID string, info models.DeviceInfo, fingerprint, prefix string, now time.Time) (models.Device, Assessment, error) {
	assessment := Assessment{
		TrustLevel: models.TrustLevelUnknown,
		RiskScore:  riskNewDevice,
		NewDevice:  true,
	}

	// Impossible travel: another of the user's devices was just seen from
	// a different network. Without a geo database, prefix-change inside
	// the travel window is the velocity proxy.
	others, err := e.devices.ListByUser(ctx, userID)
	if err != nil {
		return models.Device{}, Assessment{}, err
	}
	for _, other := range others {
		if other.IPPrefix != prefix && e.travelledTooFast(other.LastSeenAt, now) {
			assessment.ImpossibleTravel = true
			assessment.RiskScore = minInt(100, assessment.RiskScore+riskImpossibleTravel)
			e.rec.Record(ctx, userID, "", models.EventTypeImpossibleTravel, models.SeverityMedium, map[string]any{
				"device_id":   other.ID,
				"from_prefix": other.IPPrefix,
				"to_prefix":   prefix,
				"interval_s":  int64(now.Sub(other.LastSeenAt).Seconds()),
			})
			break
		}
	}

	device, err := e.devices.Upsert(ctx, models.Device{
		ID:          ids.New(),
		UserID:      userID,
		Fingerprint: fingerprint,
		Name:        deviceName(info),
		TrustLevel:  assessment.TrustLevel,
		RiskScore:   assessment.RiskScore,
		IPPrefix:    prefix,
	})
	if err != nil {
		return models.Device{}, Assessment{}, err
	}

	e.rec.Record(ctx, userID, "", models.EventTypeNewDevice, models.SeverityMedium, map[string]any{
		"device_id":   device.ID,
		"fingerprint": fingerprint,
		"user_agent":  info.UserAgent,
		"platform":    info.Platform,
	})

	return device, assessment, nil
}

func (e *DeviceTrustEvaluator) travelledTooFast(lastSeen time.Time, now time.Time) bool {
	window := e.cfg.Security.TravelWindow
	if window <= 0 || lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) < window
}

// promote walks trust one way: unknown -> known -> trusted. Promotion to
// trusted requires a consistent prefix; nothing here ever demotes.
func promote(existing models.Device, prefix string, now time.Time, current models.TrustLevel) models.TrustLevel {
	age := now.Sub(existing.FirstSeenAt)
	sightings := existing.SeenCount + 1

	switch current {
	case models.TrustLevelUnknown:
		if sightings >= knownAfterSightings && age >= knownAfterAge {
			return models.TrustLevelKnown
		}
	case models.TrustLevelKnown:
		if sightings >= trustedAfterSightings && age >= trustedAfterAge && existing.IPPrefix == prefix {
			return models.TrustLevelTrusted
		}
	}
	return current
}

func deviceName(info models.DeviceInfo) string {
	if info.Platform != "" {
		return info.Platform
	}
	return "Unknown Device"
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
