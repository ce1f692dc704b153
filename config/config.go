package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string   `env:"PORT" env-default:"8080"`
	Environment    string   `env:"ENVIRONMENT" env-default:"development"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string   `env:"JWT_SECRET" env-default:"change-me-in-production"`
	Redis          RedisConfig
	Rooms          RoomConfig
	Client         ClientConfig
}

type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED" env-default:"false"`
	Host     string `env:"REDIS_HOST" env-default:"localhost"`
	Port     string `env:"REDIS_PORT" env-default:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type RoomConfig struct {
	CodeTTL        time.Duration `env:"CODE_TTL" env-default:"10m"`
	IdleTimeout    time.Duration `env:"ROOM_IDLE_TIMEOUT" env-default:"30m"`
	MaxMembers     int           `env:"ROOM_MAX_MEMBERS" env-default:"2"`
	JoinTimeout    time.Duration `env:"JOIN_TIMEOUT" env-default:"5s"`
	AllowAdhoc     bool          `env:"ALLOW_ADHOC_ROOMS" env-default:"false"`
	RejoinTokenTTL time.Duration `env:"REJOIN_TOKEN_TTL" env-default:"24h"`
}

// ClientConfig is read by the camera and viewer binaries.
type ClientConfig struct {
	SignalURL            string        `env:"SIGNAL_URL" env-default:"ws://localhost:8080/ws/signal"`
	RoomCode             string        `env:"ROOM_CODE"`
	ICEServers           []string      `env:"ICE_SERVERS" env-separator:"," env-default:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`
	// TokenFile overrides the per-role default from TokenPath.
	TokenFile            string        `env:"TOKEN_FILE"`
	FallbackDir          string        `env:"FALLBACK_DIR" env-default:"fallback-frames"`
	PionLogLevel         string        `env:"PION_LOG_LEVEL" env-default:"warn"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" env-default:"3"`
	ReconnectBackoff     time.Duration `env:"RECONNECT_BACKOFF" env-default:"1s"`
	// VideoFile is an IVF (VP8) file the camera loops; empty sends a test pattern.
	VideoFile            string        `env:"VIDEO_FILE"`
	// WatchOnly makes the viewer subscribe to fallback frames without joining.
	WatchOnly            bool          `env:"WATCH_ONLY" env-default:"false"`
}

// TokenPath is where the given role keeps its rejoin token. Camera and
// viewer default to separate files so both can run from one directory.
func (c ClientConfig) TokenPath(role string) string {
	if c.TokenFile != "" {
		return c.TokenFile
	}
	return ".camlink-" + role + "-token"
}

// Load reads a .env file when present, then the process environment.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	if cfg.Rooms.MaxMembers < 2 {
		return nil, fmt.Errorf("ROOM_MAX_MEMBERS must be at least 2, got %d", cfg.Rooms.MaxMembers)
	}
	if cfg.Rooms.JoinTimeout <= 0 {
		return nil, fmt.Errorf("JOIN_TIMEOUT must be positive")
	}

	return &cfg, nil
}

// IsProduction reports whether the server runs in release mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
