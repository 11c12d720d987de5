// Package config loads configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// TLS (optional — if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Websocket
	AllowedOrigin  string // "" allows any origin
	MaxMessageSize int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration

	// Per-connection inbound event budget (0 = unlimited)
	EventsPerMinute int

	// Rooms
	ChatHistoryLimit int

	// Sandbox (used by the agent's local runner)
	SandboxTimeout time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		TLSCertFile:      envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:       envOr("TLS_KEY_FILE", ""),
		AllowedOrigin:    envOr("ALLOWED_ORIGIN", ""),
		MaxMessageSize:   envInt64("MAX_MESSAGE_SIZE", 4*1024*1024), // trees travel whole
		WriteTimeout:     envDuration("WRITE_TIMEOUT", 10*time.Second),
		PingInterval:     envDuration("PING_INTERVAL", 30*time.Second),
		EventsPerMinute:  envInt("EVENTS_PER_MINUTE", 600),
		ChatHistoryLimit: envInt("CHAT_HISTORY_LIMIT", 500),
		SandboxTimeout:   envDuration("SANDBOX_TIMEOUT", 2*time.Second),
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
