// Package config loads runtime configuration from environment variables.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config carries the runtime settings shared by the daemons and the CLI.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string
	// RedisAddr, RedisPassword and RedisDB locate the broker backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ListenAddr is the admin/metrics HTTP bind address (monitord only).
	ListenAddr string
	// AdminToken guards the /api surface; empty disables auth.
	AdminToken string

	// MaxConcurrentChecks bounds the worker pool size per workerd process.
	MaxConcurrentChecks int
	// MinCheckInterval clamps task check intervals from below.
	MinCheckInterval time.Duration
	// ProxyCoolOff is how long a rate-limited proxy stays blocked.
	ProxyCoolOff time.Duration
	// FetchTimeout is the per-request deadline handed to the Fetcher.
	FetchTimeout time.Duration
	// StatementTimeout bounds individual database statements.
	StatementTimeout time.Duration

	// TelegramBotToken and TelegramChatID configure the notifier; when the
	// token is empty notifications go to the log instead.
	TelegramBotToken string
	TelegramChatID   string

	// WorkerID identifies a workerd process in liveness reporting.
	WorkerID string
}

// Load reads the environment and returns a Config with defaults applied.
// Malformed numeric values fall back to the default with a logged warning.
func Load() Config {
	cfg := Config{
		DatabaseURL:         getEnv("DATABASE_URL", "postgres://localhost:5432/steamwatch"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getInt("REDIS_DB", 0),
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		AdminToken:          getEnv("ADMIN_TOKEN", ""),
		MaxConcurrentChecks: getInt("MAX_CONCURRENT_CHECKS", 10),
		MinCheckInterval:    getSeconds("MIN_CHECK_INTERVAL", 30),
		ProxyCoolOff:        getSeconds("PROXY_COOL_OFF", 300),
		FetchTimeout:        getSeconds("FETCH_TIMEOUT", 30),
		StatementTimeout:    getSeconds("STATEMENT_TIMEOUT", 30),
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:      getEnv("TELEGRAM_CHAT_ID", ""),
		WorkerID:            getEnv("WORKER_ID", defaultWorkerID()),
	}
	if cfg.MaxConcurrentChecks < 1 {
		log.Printf("[config] MAX_CONCURRENT_CHECKS=%d invalid, using 1", cfg.MaxConcurrentChecks)
		cfg.MaxConcurrentChecks = 1
	}
	return cfg
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "worker-" + strconv.Itoa(os.Getpid())
	}
	return hostname + "-" + strconv.Itoa(os.Getpid())
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}
