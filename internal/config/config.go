// Package config loads the live server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the live server. Field defaults match a single
// node deployment; DATABASE_URL and JWT_SECRET have no sensible default.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NATSURL     string `envconfig:"NATS_URL"` // empty keeps fan-out in process
	ServerName  string `envconfig:"SERVER_NAME"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// StrictUserRooms requires join_user to match the bound identity. Turning
	// it off accepts any user id, which lets a client read someone else's
	// notifications.
	StrictUserRooms bool `envconfig:"STRICT_USER_ROOMS" default:"true"`

	HTTPRateRPS   int      `envconfig:"HTTP_RATE_RPS" default:"20"`
	HTTPRateBurst int      `envconfig:"HTTP_RATE_BURST" default:"40"`
	CORSOrigins   []string `envconfig:"CORS_ORIGINS" default:"*"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads an optional .env file and then processes the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.DatabaseURL == "" || cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL and JWT_SECRET must not be empty")
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "live-1"
	}
	if cfg.WorkerPoolSize <= 0 {
		return Config{}, fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", cfg.WorkerPoolSize)
	}
	return cfg, nil
}
