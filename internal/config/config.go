// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Presence backends.
const (
	PresenceMemory = "memory"
	PresenceSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	NodeID       string
	LogLevel     slog.Level
	Auth         AuthConfig
	Presence     PresenceConfig
	Realtime     RealtimeConfig
	OTLPEndpoint string
	GRPCHealth   string // optional listen address for the gRPC health service
}

// AuthConfig controls bearer credential verification.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// PresenceConfig selects the presence register backend.
type PresenceConfig struct {
	Backend string
	DBPath  string
}

// RealtimeConfig tunes the connection gateway and its transports.
type RealtimeConfig struct {
	OutboxSize      int
	ReadLimit       int64
	PingInterval    time.Duration
	PollWait        time.Duration
	PollIdleTimeout time.Duration
	CleanupTimeout  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		NodeID:      getEnv("NODE_ID", defaultNodeID()),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
			Audience:  getEnv("JWT_AUDIENCE", ""),
		},
		Presence: PresenceConfig{
			Backend: strings.ToLower(getEnv("PRESENCE_BACKEND", PresenceMemory)),
			DBPath:  getEnv("PRESENCE_DB_PATH", "./data/presence.db"),
		},
		Realtime: RealtimeConfig{
			OutboxSize:      getEnvInt("OUTBOX_SIZE", 256),
			ReadLimit:       int64(getEnvInt("WS_READ_LIMIT", 64*1024)),
			PingInterval:    getEnvDuration("WS_PING_INTERVAL", 25*time.Second),
			PollWait:        getEnvDuration("POLL_WAIT", 25*time.Second),
			PollIdleTimeout: getEnvDuration("POLL_IDLE_TIMEOUT", 60*time.Second),
			CleanupTimeout:  getEnvDuration("CLEANUP_TIMEOUT", 10*time.Second),
		},
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		GRPCHealth:   getEnv("GRPC_HEALTH_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	switch c.Presence.Backend {
	case PresenceMemory:
	case PresenceSQLite:
		if c.Presence.DBPath == "" {
			return fmt.Errorf("PRESENCE_DB_PATH cannot be empty when PRESENCE_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("PRESENCE_BACKEND must be %q or %q, got %q", PresenceMemory, PresenceSQLite, c.Presence.Backend)
	}
	if c.NodeID == "" {
		return fmt.Errorf("NODE_ID cannot be empty")
	}
	if c.Realtime.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be > 0")
	}
	if c.Realtime.ReadLimit <= 0 {
		return fmt.Errorf("WS_READ_LIMIT must be > 0")
	}
	if c.Realtime.PingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be > 0")
	}
	if c.Realtime.PollWait <= 0 {
		return fmt.Errorf("POLL_WAIT must be > 0")
	}
	if c.Realtime.PollIdleTimeout <= c.Realtime.PollWait {
		return fmt.Errorf("POLL_IDLE_TIMEOUT must be greater than POLL_WAIT")
	}
	if c.Realtime.CleanupTimeout <= 0 {
		return fmt.Errorf("CLEANUP_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins accepted by CORS and the websocket handshake.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "boardsync"
	}
	return host
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
