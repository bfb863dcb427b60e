package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// t.Setenv for keys we must control; unset ones fall back.
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAX_CONCURRENT_CHECKS", "")
	t.Setenv("PROXY_COOL_OFF", "")

	cfg := Load()

	if cfg.DatabaseURL != "postgres://localhost:5432/steamwatch" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.MaxConcurrentChecks != 10 {
		t.Errorf("MaxConcurrentChecks = %d, want 10", cfg.MaxConcurrentChecks)
	}
	if cfg.ProxyCoolOff != 300*time.Second {
		t.Errorf("ProxyCoolOff = %v, want 5m", cfg.ProxyCoolOff)
	}
	if cfg.WorkerID == "" {
		t.Error("WorkerID should never be empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MAX_CONCURRENT_CHECKS", "25")
	t.Setenv("MIN_CHECK_INTERVAL", "15")

	cfg := Load()

	if cfg.RedisAddr != "redis.internal:6380" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.MaxConcurrentChecks != 25 {
		t.Errorf("MaxConcurrentChecks = %d, want 25", cfg.MaxConcurrentChecks)
	}
	if cfg.MinCheckInterval != 15*time.Second {
		t.Errorf("MinCheckInterval = %v, want 15s", cfg.MinCheckInterval)
	}
}

func TestLoadRejectsGarbageNumbers(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CHECKS", "lots")
	t.Setenv("REDIS_DB", "-")

	cfg := Load()

	if cfg.MaxConcurrentChecks != 10 {
		t.Errorf("MaxConcurrentChecks = %d, want default 10", cfg.MaxConcurrentChecks)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("RedisDB = %d, want default 0", cfg.RedisDB)
	}
}

func TestLoadClampsNonPositiveConcurrency(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CHECKS", "0")

	cfg := Load()
	if cfg.MaxConcurrentChecks != 1 {
		t.Errorf("MaxConcurrentChecks = %d, want clamp to 1", cfg.MaxConcurrentChecks)
	}
}
