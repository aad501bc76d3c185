// Package config loads process-wide configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the immutable, process-wide configuration for one gateway
// worker. It is parsed once at startup and passed explicitly to every
// component — nothing reads the environment after Load returns.
type Config struct {
	Port      int    `env:"PORT" envDefault:"8080"`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	Workers   int    `env:"WORKERS" envDefault:"0"` // 0 = runtime.NumCPU()

	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) then environment variables, env vars
// always winning. Returns an error only on malformed values; a missing
// .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine — production deployments set real env vars.
		_ = err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// Print writes a human-readable summary of the loaded configuration,
// intended for startup logs.
func (c *Config) Print() string {
	return fmt.Sprintf(
		"port=%d cors_origin=%s redis_url=%s workers=%d ping_interval=%s heartbeat_timeout=%s log_level=%s log_format=%s",
		c.Port, c.CORSOrigin, c.RedisURL, c.Workers, c.PingInterval, c.HeartbeatTimeout, c.LogLevel, c.LogFormat,
	)
}
