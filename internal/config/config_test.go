package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Environment != "development" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("http port = %d", cfg.HTTP.Port)
	}
	if cfg.Security.AccessTTL != 15*time.Minute {
		t.Fatalf("access ttl = %v", cfg.Security.AccessTTL)
	}
	if cfg.Security.RefreshTTL != 720*time.Hour {
		t.Fatalf("refresh ttl = %v", cfg.Security.RefreshTTL)
	}
	if cfg.Security.IdleTimeout != 30*time.Minute {
		t.Fatalf("idle timeout = %v", cfg.Security.IdleTimeout)
	}
	if cfg.Security.AbsoluteTimeout != 24*time.Hour {
		t.Fatalf("absolute timeout = %v", cfg.Security.AbsoluteTimeout)
	}
	if cfg.Security.MaxSessions != 10 {
		t.Fatalf("max sessions = %d", cfg.Security.MaxSessions)
	}
	if cfg.Security.LockoutShortThreshold != 5 || cfg.Security.LockoutSevereThreshold != 20 {
		t.Fatalf("lockout thresholds = %d/%d", cfg.Security.LockoutShortThreshold, cfg.Security.LockoutSevereThreshold)
	}
	if cfg.Security.TravelWindow != time.Hour {
		t.Fatalf("travel window = %v", cfg.Security.TravelWindow)
	}
	if cfg.Tabs.HeartbeatInterval != 5*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.Tabs.HeartbeatInterval)
	}
	if cfg.Jobs.SweepSpec == "" || cfg.Jobs.ArchiveSpec == "" {
		t.Fatalf("job specs missing: %+v", cfg.Jobs)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOCKSTEP_ENVIRONMENT", "production")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("environment = %q, want production", cfg.Environment)
	}
}
