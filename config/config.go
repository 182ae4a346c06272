// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with defaults;
// cmd/server flags override the storage and port settings.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	DBDriver    string // sqlite | postgres | memory
	DBPath      string
	DatabaseURL string

	// Ledger
	Timezone          string
	CacheChats        int
	CacheMaxItems     int
	CacheStaleAfter   time.Duration
	HistorySize       int
	ConfirmTTL        time.Duration
	SchedulerInterval time.Duration

	// Rate feed
	RateFeedURL    string
	RateFeedPath   string
	HTTPTimeout    time.Duration
	MaxRetries     int
	InitialBackoff time.Duration

	// Telegram
	TelegramToken string
	BotID         int64

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DBPath:      getEnv("DB_PATH", "billing.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		Timezone:          getEnv("TIMEZONE", "Asia/Shanghai"),
		CacheChats:        getEnvInt("CACHE_CHATS", 10000),
		CacheMaxItems:     getEnvInt("CACHE_MAX_ITEMS", 100),
		CacheStaleAfter:   getEnvDuration("CACHE_STALE_AFTER", 30*time.Minute),
		HistorySize:       getEnvInt("HISTORY_SIZE", 10),
		ConfirmTTL:        getEnvDuration("CONFIRM_TTL", 60*time.Second),
		SchedulerInterval: getEnvDuration("SCHEDULER_INTERVAL", time.Minute),

		RateFeedURL:    getEnv("RATE_FEED_URL", ""),
		RateFeedPath:   getEnv("RATE_FEED_PATH", "data.{currency}"),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 200*time.Millisecond),

		TelegramToken: getEnv("TELEGRAM_TOKEN", ""),
		BotID:         getEnvInt64("BOT_ID", 0),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Location resolves Timezone, falling back to UTC+8 when the tz database
// is unavailable.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.FixedZone(c.Timezone, 8*3600)
	}
	return loc
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
