package service

import (
	"context"
	"testing"
	"time"

	"lockstep/api/internal/models"
)

func laptopInfo(ip string) models.DeviceInfo {
	return models.DeviceInfo{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
		Platform:  "MacIntel",
		Screen:    "2560x1440",
		Timezone:  "Europe/Berlin",
		IPAddress: ip,
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(laptopInfo("203.0.113.7"))
	b := Fingerprint(laptopInfo("203.0.113.7"))
	if a != b {
		t.Fatalf("identical input produced different fingerprints")
	}

	// Address movement inside the same /24 keeps the fingerprint.
	c := Fingerprint(laptopInfo("203.0.113.200"))
	if a != c {
		t.Fatalf("same-prefix address change minted a new fingerprint")
	}

	other := laptopInfo("203.0.113.7")
	other.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	if Fingerprint(other) == a {
		t.Fatalf("different user agent produced identical fingerprint")
	}
}

func TestIPPrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"203.0.113.77", "203.0.113.0/24"},
		{"10.1.2.3", "10.1.2.0/24"},
		{"2001:db8:abcd:12::1", "2001:db8:abcd::/48"},
		{"not-an-ip", "not-an-ip"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := IPPrefix(tc.in); got != tc.want {
			t.Fatalf("IPPrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAssessRisk_NewDevice(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	device, assessment, err := h.trust.AssessRisk(ctx, "u1", laptopInfo("203.0.113.7"))
	if err != nil {
		t.Fatalf("AssessRisk: %v", err)
	}
	if !assessment.NewDevice {
		t.Fatalf("first sighting not flagged as new device")
	}
	if assessment.TrustLevel != models.TrustLevelUnknown {
		t.Fatalf("trust level = %q, want unknown", assessment.TrustLevel)
	}
	if assessment.RiskScore != riskNewDevice {
		t.Fatalf("risk = %d, want %d", assessment.RiskScore, riskNewDevice)
	}
	if device.ID == "" || device.SeenCount != 1 {
		t.Fatalf("device = %+v", device)
	}

	if len(h.sink.byType(models.EventTypeNewDevice)) != 1 {
		t.Fatalf("expected one new_device event")
	}
}

func TestAssessRisk_RepeatSightingDecaysRisk(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, first, err := h.trust.AssessRisk(ctx, "u1", laptopInfo("203.0.113.7"))
	if err != nil {
		t.Fatalf("first AssessRisk: %v", err)
	}

	_, second, err := h.trust.AssessRisk(ctx, "u1", laptopInfo("203.0.113.7"))
	if err != nil {
		t.Fatalf("second AssessRisk: %v", err)
	}
	if second.NewDevice {
		t.Fatalf("repeat sighting flagged as new device")
	}
	if second.RiskScore != first.RiskScore-riskDecayPerSighting {
		t.Fatalf("risk = %d, want %d", second.RiskScore, first.RiskScore-riskDecayPerSighting)
	}
}

func TestAssessRisk_PromotesToKnown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	info := laptopInfo("203.0.113.7")
	fingerprint := Fingerprint(info)

	h.devices.put(models.Device{
		ID:          "dev1",
		UserID:      "u1",
		Fingerprint: fingerprint,
		TrustLevel:  models.TrustLevelUnknown,
		RiskScore:   10,
		IPPrefix:    IPPrefix(info.IPAddress),
		SeenCount:   3,
		FirstSeenAt: time.Now().Add(-48 * time.Hour),
		LastSeenAt:  time.Now().Add(-2 * time.Hour),
	})

	_, assessment, err := h.trust.AssessRisk(ctx, "u1", info)
	if err != nil {
		t.Fatalf("AssessRisk: %v", err)
	}
	if assessment.TrustLevel != models.TrustLevelKnown {
		t.Fatalf("trust level = %q, want known", assessment.TrustLevel)
	}
}

func TestAssessRisk_PromotesToTrusted(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	info := laptopInfo("203.0.113.7")
	fingerprint := Fingerprint(info)

	h.devices.put(models.Device{
		ID:          "dev1",
		UserID:      "u1",
		Fingerprint: fingerprint,
		TrustLevel:  models.TrustLevelKnown,
		RiskScore:   0,
		IPPrefix:    IPPrefix(info.IPAddress),
		SeenCount:   12,
		FirstSeenAt: time.Now().Add(-30 * 24 * time.Hour),
		LastSeenAt:  time.Now().Add(-time.Hour),
	})

	_, assessment, err := h.trust.AssessRisk(ctx, "u1", info)
	if err != nil {
		t.Fatalf("AssessRisk: %v", err)
	}
	if assessment.TrustLevel != models.TrustLevelTrusted {
		t.Fatalf("trust level = %q, want trusted", assessment.TrustLevel)
	}
}

func TestAssessRisk_NeverDemotes(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	info := laptopInfo("203.0.113.7")
	h.devices.put(models.Device{
		ID:          "dev1",
		UserID:      "u1",
		Fingerprint: Fingerprint(info),
		TrustLevel:  models.TrustLevelTrusted,
		RiskScore:   0,
		IPPrefix:    IPPrefix(info.IPAddress),
		SeenCount:   50,
		FirstSeenAt: time.Now().Add(-90 * 24 * time.Hour),
		LastSeenAt:  time.Now().Add(-time.Hour),
	})

	_, assessment, err := h.trust.AssessRisk(ctx, "u1", info)
	if err != nil {
		t.Fatalf("AssessRisk: %v", err)
	}
	if assessment.TrustLevel != models.TrustLevelTrusted {
		t.Fatalf("trusted device demoted to %q", assessment.TrustLevel)
	}
}

func TestAssessRisk_ImpossibleTravel(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// Phone seen from one network minutes ago.
	if _, _, err := h.trust.AssessRisk(ctx, "u1", laptopInfo("203.0.113.7")); err != nil {
		t.Fatalf("seed AssessRisk: %v", err)
	}

	// A brand-new fingerprint from a different network inside the travel
	// window trips the velocity check.
	desktop := models.DeviceInfo{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Platform:  "Linux x86_64",
		Screen:    "1920x1080",
		Timezone:  "America/New_York",
		IPAddress: "198.51.100.20",
	}
	_, assessment, err := h.trust.AssessRisk(ctx, "u1", desktop)
	if err != nil {
		t.Fatalf("AssessRisk: %v", err)
	}
	if !assessment.ImpossibleTravel {
		t.Fatalf("prefix jump inside travel window not flagged")
	}
	if assessment.RiskScore != riskNewDevice+riskImpossibleTravel {
		t.Fatalf("risk = %d, want %d", assessment.RiskScore, riskNewDevice+riskImpossibleTravel)
	}

	if len(h.sink.byType(models.EventTypeImpossibleTravel)) != 1 {
		t.Fatalf("expected one impossible_travel event")
	}
}

func TestAssessRisk_TravelWindowElapsed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	info := laptopInfo("203.0.113.7")
	h.devices.put(models.Device{
		ID:          "dev1",
		UserID:      "u1",
		Fingerprint: Fingerprint(info),
		TrustLevel:  models.TrustLevelKnown,
		IPPrefix:    IPPrefix(info.IPAddress),
		SeenCount:   5,
		FirstSeenAt: time.Now().Add(-30 * 24 * time.Hour),
		LastSeenAt:  time.Now().Add(-3 * time.Hour),
	})

	desktop := models.DeviceInfo{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Platform:  "Linux x86_64",
		Screen:    "1920x1080",
		Timezone:  "America/New_York",
		IPAddress: "198.51.100.20",
	}
	_, assessment, err := h.trust.AssessRisk(ctx, "u1", desktop)
	if err != nil {
		t.Fatalf("AssessRisk: %v", err)
	}
	if assessment.ImpossibleTravel {
		t.Fatalf("sighting outside travel window flagged as impossible travel")
	}
}

func TestRecordDevice_BumpsSightings(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	info := laptopInfo("203.0.113.7")

	first, err := h.trust.RecordDevice(ctx, "u1", info)
	if err != nil {
		t.Fatalf("first RecordDevice: %v", err)
	}
	if first.SeenCount != 1 || first.TrustLevel != models.TrustLevelUnknown {
		t.Fatalf("first sighting = %+v", first)
	}

	second, err := h.trust.RecordDevice(ctx, "u1", info)
	if err != nil {
		t.Fatalf("second RecordDevice: %v", err)
	}
	if second.SeenCount != 2 {
		t.Fatalf("seen count = %d, want 2", second.SeenCount)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat sighting minted a new device id")
	}
}
