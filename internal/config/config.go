package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // PostgreSQL; empty means SQLite
	SQLitePath  string
	RedisURL    string // empty means in-process rate limiting

	// Send quota per sender.
	RateLimitSends  int
	RateLimitWindow time.Duration

	// Background maintenance.
	SweepInterval time.Duration
	ChallengeTTL  time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      getEnv("SQLITE_PATH", "./data/clawsend.db"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RateLimitSends:  getEnvInt("RATE_LIMIT_SENDS", 60),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		ChallengeTTL:    getEnvDuration("CHALLENGE_TTL", 5*time.Minute),
	}

	// In production, require a shared database and redis
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
