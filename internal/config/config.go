// Package config loads runtime configuration from environment variables.
// A .env file in the working directory is applied first when present, so
// local development matches containerized deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every setting the scanner and quarantine subsystems consume.
type Config struct {
	// Scan engine connection
	EngineHost    string
	EnginePort    int
	EngineTimeout time.Duration

	// Quarantine encryption and TTL policy
	SecretMaterial     string
	DefaultTTL         time.Duration
	MaxTTL             time.Duration
	EphemeralKeyPrefix string

	// Backing stores
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabasePath  string

	// Expiry reconciliation
	SweepInterval time.Duration

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

const minSecretLength = 32

// Load reads configuration from the environment, applying .env when present.
// Missing required values and out-of-range numbers return an error so
// misconfigured deployments fail at startup rather than at first use.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		EngineHost:         getEnv("ENGINE_HOST", "localhost"),
		EnginePort:         getEnvInt("ENGINE_PORT", 3310),
		EngineTimeout:      getEnvDuration("ENGINE_TIMEOUT", 30*time.Second),
		SecretMaterial:     os.Getenv("SECRET_MATERIAL"),
		DefaultTTL:         getEnvDuration("QUARANTINE_DEFAULT_TTL", 24*time.Hour),
		MaxTTL:             getEnvDuration("QUARANTINE_MAX_TTL", 30*24*time.Hour),
		EphemeralKeyPrefix: getEnv("QUARANTINE_KEY_PREFIX", "filesentry:quarantine"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		DatabasePath:       getEnv("DB_PATH", "filesentry.db"),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "auto"),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9091"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.SecretMaterial) < minSecretLength {
		return fmt.Errorf("SECRET_MATERIAL must be set and at least %d characters", minSecretLength)
	}
	if c.EnginePort < 1 || c.EnginePort > 65535 {
		return fmt.Errorf("ENGINE_PORT out of range: %d", c.EnginePort)
	}
	if c.EngineTimeout <= 0 {
		return fmt.Errorf("ENGINE_TIMEOUT must be positive")
	}
	if c.DefaultTTL < time.Second {
		return fmt.Errorf("QUARANTINE_DEFAULT_TTL must be at least 1s")
	}
	if c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("QUARANTINE_MAX_TTL (%s) must not be less than the default TTL (%s)", c.MaxTTL, c.DefaultTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept either a Go duration string ("30s") or a bare number of seconds.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
	return fallback
}
