// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string
	JWTSecret   []byte

	// AllowedOrigins restricts WebSocket upgrades. Empty allows every origin.
	AllowedOrigins []string

	TelegramBotToken string
	LocalesDir       string

	RingTimeout          time.Duration
	PresenceQueryTimeout time.Duration
	PresenceWatchTTL     time.Duration
	StoreTimeout         time.Duration
	TokenTTL             time.Duration
}

// Load reads configuration from environment variables, loading a .env file first
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        []byte(os.Getenv("JWT_SECRET")),
		AllowedOrigins:   splitList(os.Getenv("ALLOWED_ORIGINS")),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		LocalesDir:       os.Getenv("LOCALES_DIR"),
	}

	var err error
	if cfg.RingTimeout, err = getDuration("CALL_RING_TIMEOUT", DefaultRingTimeout); err != nil {
		return nil, err
	}
	if cfg.PresenceQueryTimeout, err = getDuration("PRESENCE_QUERY_TIMEOUT", DefaultPresenceQueryTimeout); err != nil {
		return nil, err
	}
	if cfg.PresenceWatchTTL, err = getDuration("PRESENCE_WATCH_TTL", DefaultPresenceWatchTTL); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getDuration("STORE_TIMEOUT", DefaultStoreTimeout); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", DefaultTokenTTL); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.Env == "production" {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.JWTSecret) == 0 {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
	}
	if len(c.JWTSecret) == 0 {
		c.JWTSecret = []byte("matchwire-development-secret")
	}
	return nil
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

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
