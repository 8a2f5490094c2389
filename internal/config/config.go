// Package config loads service configuration from YAML with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "TENANTGATE_"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	HTTPAddr     string        `yaml:"http_addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig enables the Redis refresh-token store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig contains token and credential settings.
type AuthConfig struct {
	Secret       string        `yaml:"secret"`
	Issuer       string        `yaml:"issuer"`
	AccessTTL    time.Duration `yaml:"access_ttl"`
	RefreshTTL   time.Duration `yaml:"refresh_ttl"`
	PasswordHash string        `yaml:"password_hash"`
}

// RateLimitConfig configures the per-IP token bucket.
type RateLimitConfig struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. Defaults are applied first, then the file, then TENANTGATE_*
// variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     ":8080",
			GRPCAddr:     ":9090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 50,
			MaxIdleConns: 25,
		},
		Auth: AuthConfig{
			Issuer:       "tenantgate",
			AccessTTL:    time.Hour,
			RefreshTTL:   7 * 24 * time.Hour,
			PasswordHash: "argon2id",
		},
		RateLimit: RateLimitConfig{
			Burst:     20,
			PerSecond: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("PG_DSN", &cfg.Database.DSN)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("AUTH_SECRET", &cfg.Auth.Secret)
	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	str("PASSWORD_HASH", &cfg.Auth.PasswordHash)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	durations := map[string]*time.Duration{
		"ACCESS_TTL":  &cfg.Auth.AccessTTL,
		"REFRESH_TTL": &cfg.Auth.RefreshTTL,
	}
	for key, dst := range durations {
		v := os.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"REDIS_DB":        &cfg.Redis.DB,
		"RATE_BURST":      &cfg.RateLimit.Burst,
		"RATE_PER_SECOND": &cfg.RateLimit.PerSecond,
	}
	for key, dst := range ints {
		v := os.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var problems []string
	if len(c.Auth.Secret) < 32 {
		problems = append(problems, "auth.secret must be at least 32 bytes")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		problems = append(problems, "auth token TTLs must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		problems = append(problems, "auth.refresh_ttl must not be shorter than auth.access_ttl")
	}
	switch strings.ToLower(c.Auth.PasswordHash) {
	case "argon2id", "bcrypt":
	default:
		problems = append(problems, fmt.Sprintf("auth.password_hash %q is not supported", c.Auth.PasswordHash))
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0 {
		problems = append(problems, "rate_limit values must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		problems = append(problems, "server.max_body_bytes must be positive")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
