// Package config loads relayd settings from the environment. A .env file in
// the working directory is read first when present; real environment
// variables win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the complete relayd configuration.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":4040"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"1s"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NATSURL     string `envconfig:"NATS_URL"` // empty disables event publication

	JWTSecret    string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL     time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	CookieSecure bool          `envconfig:"COOKIE_SECURE" default:"true"`

	MessageRateLimit  int           `envconfig:"MESSAGE_RATE_LIMIT" default:"0"`
	MessageRateWindow time.Duration `envconfig:"MESSAGE_RATE_WINDOW" default:"10s"`

	ServerName string `envconfig:"SERVER_NAME"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromEnv()
}

// FromEnv parses the process environment only.
func FromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.ServerName == "" {
		c.ServerName, _ = os.Hostname()
	}
	if c.ServerName == "" {
		c.ServerName = "relay-1"
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("config: DATABASE_URL is required")
	case c.JWTSecret == "":
		return errors.New("config: JWT_SECRET is required")
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0:
		return errors.New("config: heartbeat interval and timeout must be positive")
	case c.HeartbeatInterval <= c.HeartbeatTimeout:
		return fmt.Errorf("config: HEARTBEAT_INTERVAL (%s) must exceed HEARTBEAT_TIMEOUT (%s)",
			c.HeartbeatInterval, c.HeartbeatTimeout)
	case c.WorkerPoolSize <= 0:
		return errors.New("config: WORKER_POOL_SIZE must be positive")
	case c.MessageRateLimit < 0:
		return errors.New("config: MESSAGE_RATE_LIMIT must not be negative")
	case c.LogFormat != "json" && c.LogFormat != "console":
		return fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}
