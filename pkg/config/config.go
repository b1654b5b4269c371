// Package config loads runtime configuration from environment variables
// and layered YAML profiles. Validation is strict at startup: unknown keys
// and missing mandatory thresholds abort boot rather than degrade silently.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the process-level settings sourced from the environment.
type Config struct {
	Port         string
	LogLevel     string
	DatabasePath string // sqlite file for control-plane state
	PostgresURL  string // idempotency backend; empty selects in-memory
	RedisURL     string // distributed locks; empty selects in-process
	OTLPEndpoint string
	ProfilePath  string
	JWTSecret    string
	Environment  string
}

// Load reads environment variables with development defaults.
func Load() *Config {
	cfg := &Config{
		Port:         getenv("PORT", "8080"),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		DatabasePath: getenv("SARDIS_DB_PATH", "sardis.db"),
		PostgresURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		ProfilePath:  getenv("SARDIS_PROFILE", "profiles/default.yaml"),
		JWTSecret:    os.Getenv("SARDIS_JWT_SECRET"),
		Environment:  getenv("SARDIS_ENV", "development"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Environment == "production" && c.JWTSecret == "" {
		return fmt.Errorf("config: SARDIS_JWT_SECRET is required in production")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("config: PORT %q is not numeric", c.Port)
	}
	return nil
}

// Durations below are parsed from profile values like "24h".
func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: bad duration %q", key, raw)
	}
	return d, nil
}
