package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the gateway process.
// Broker credentials and routing defaults live in the brokers file.
type Config struct {
	Port string

	// Database
	DBPath string

	// Redis (status mirror + event fan-out); empty addr disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Brokers file
	BrokersFile string

	// Execution retry policy
	MaxAttempts  int
	RetryBackoff time.Duration

	// Per-call timeout for adapter operations
	CallTimeout time.Duration

	// Webhook keys allowed to post signals; empty list disables the check.
	WebhookKeys []string

	// API rate limit (requests per second per client)
	RateLimit float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/gateway.db")
	}

	return &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        dbPath,
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CacheTTL:      getEnvDuration("CACHE_TTL", 5*time.Minute),
		BrokersFile:   getEnv("BROKERS_FILE", "./config/brokers.yaml"),
		MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 3),
		RetryBackoff:  getEnvDuration("RETRY_BACKOFF", 500*time.Millisecond),
		CallTimeout:   getEnvDuration("CALL_TIMEOUT", 15*time.Second),
		WebhookKeys:   splitAndTrim(getEnv("WEBHOOK_KEYS", "")),
		RateLimit:     getEnvFloat("RATE_LIMIT", 20),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
