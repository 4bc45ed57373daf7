package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SessionTTL != 5*time.Minute {
		t.Fatalf("SessionTTL = %v, want 5m", cfg.SessionTTL)
	}
	if cfg.TerminalRetention != 10*time.Minute {
		t.Fatalf("TerminalRetention = %v, want 10m", cfg.TerminalRetention)
	}
	if cfg.MaxTerminalSessions != 1024 {
		t.Fatalf("MaxTerminalSessions = %d, want 1024", cfg.MaxTerminalSessions)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("APP_SESSION_TTL", "90s")
	t.Setenv("APP_TERMINAL_RETENTION", "20m")
	t.Setenv("APP_MAX_TERMINAL_SESSIONS", "50")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9999")
	}
	if cfg.SessionTTL != 90*time.Second {
		t.Fatalf("SessionTTL = %v, want 90s", cfg.SessionTTL)
	}
	if cfg.TerminalRetention != 20*time.Minute {
		t.Fatalf("TerminalRetention = %v, want 20m", cfg.TerminalRetention)
	}
	if cfg.MaxTerminalSessions != 50 {
		t.Fatalf("MaxTerminalSessions = %d, want 50", cfg.MaxTerminalSessions)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsTinyTTL(t *testing.T) {
	t.Setenv("APP_SESSION_TTL", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a TTL below 5s")
	}
}

func TestLoadRejectsRetentionBelowTTL(t *testing.T) {
	t.Setenv("APP_SESSION_TTL", "10m")
	t.Setenv("APP_TERMINAL_RETENTION", "1m")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject retention shorter than the TTL")
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("APP_REAP_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a malformed duration")
	}
}

func TestLoadRejectsMalformedBool(t *testing.T) {
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a malformed bool")
	}
}
