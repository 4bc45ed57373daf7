package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the progress service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	// SessionTTL is the maximum gap between producer updates before the
	// reaper declares a session abandoned.
	SessionTTL time.Duration
	// ReapInterval is how often the reaper sweeps.
	ReapInterval time.Duration
	// TerminalRetention is how long finished sessions stay readable.
	TerminalRetention time.Duration
	// MaxTerminalSessions caps retained finished sessions.
	MaxTerminalSessions int
	// SubscriberBuffer is the per-subscriber event channel capacity.
	SubscriberBuffer int
	// FanoutGrace is how long subscriptions survive a terminal event.
	FanoutGrace time.Duration

	// AuthHMACSecret verifies optional bearer tokens on reads. Empty
	// disables token verification; reads then rely on the user_id query
	// parameter or stay unauthenticated.
	AuthHMACSecret string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "progressd"),
		LogLevel:            envOrDefault("APP_LOG_LEVEL", "info"),
		AuthHMACSecret:      trimSpaceEnv("APP_AUTH_HMAC_SECRET"),
		ShutdownTimeout:     15 * time.Second,
		SessionTTL:          5 * time.Minute,
		ReapInterval:        30 * time.Second,
		TerminalRetention:   10 * time.Minute,
		MaxTerminalSessions: 1024,
		SubscriberBuffer:    64,
		FanoutGrace:         5 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ReapInterval, err = durationFromEnv("APP_REAP_INTERVAL", cfg.ReapInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TerminalRetention, err = durationFromEnv("APP_TERMINAL_RETENTION", cfg.TerminalRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.FanoutGrace, err = durationFromEnv("APP_FANOUT_GRACE", cfg.FanoutGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTerminalSessions, err = intFromEnv("APP_MAX_TERMINAL_SESSIONS", cfg.MaxTerminalSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.SubscriberBuffer, err = intFromEnv("APP_SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least 5s")
	}
	if cfg.ReapInterval <= 0 {
		return Config{}, fmt.Errorf("APP_REAP_INTERVAL must be positive")
	}
	if cfg.TerminalRetention < cfg.SessionTTL {
		return Config{}, fmt.Errorf("APP_TERMINAL_RETENTION must not be shorter than APP_SESSION_TTL")
	}
	if cfg.MaxTerminalSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_TERMINAL_SESSIONS must be positive")
	}
	if cfg.SubscriberBuffer <= 0 {
		return Config{}, fmt.Errorf("APP_SUBSCRIBER_BUFFER must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpaceEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
