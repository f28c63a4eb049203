package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Auth modes selecting the token verifier backing the gateway handshake.
const (
	AuthModeJWT   = "jwt"
	AuthModeRedis = "redis"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	AuthMode  string `env:"AUTH_MODE" default:"jwt"`
	JWTSecret string `env:"JWT_SECRET"`
	RedisURL  string `env:"REDIS_URL"`

	AuthTimeout       time.Duration `env:"AUTH_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" default:"60s"`

	MaxConnections      int64 `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int   `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.AuthMode {
	case AuthModeJWT:
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is required when AUTH_MODE=jwt")
		}
		if len(cfg.JWTSecret) < 16 {
			return errors.New("JWT_SECRET must be at least 16 characters")
		}
	case AuthModeRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when AUTH_MODE=redis")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeJWT, AuthModeRedis, cfg.AuthMode)
	}

	if cfg.AuthTimeout <= 0 {
		return errors.New("AUTH_TIMEOUT must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}

	return nil
}
