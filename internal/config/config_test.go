package config

import (
	"testing"
	"time"
)

func setDatabaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_NAME", "dopplersky")
	t.Setenv("DB_USER", "worker")
	t.Setenv("DB_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setDatabaseEnv(t)
	t.Setenv("DB_PORT", "")
	t.Setenv("MAX_WORKERS", "")
	t.Setenv("TIME_RANGE_DAYS", "")
	t.Setenv("BLUESKY_BASE_URL", "")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Port != 5432 {
		t.Fatalf("expected default port 5432, got %d", cfg.Database.Port)
	}
	if cfg.MaxWorkers != 10 {
		t.Fatalf("expected default workers 10, got %d", cfg.MaxWorkers)
	}
	if cfg.TimeRangeDays != 7 {
		t.Fatalf("expected default window 7, got %d", cfg.TimeRangeDays)
	}
	if cfg.BlueskyBaseURL != "https://public.api.bsky.app" {
		t.Fatalf("unexpected base URL: %s", cfg.BlueskyBaseURL)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %s", cfg.HTTPTimeout)
	}
}

func TestLoadRequiresDatabaseCredentials(t *testing.T) {
	setDatabaseEnv(t)
	t.Setenv("DB_PASSWORD", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when DB_PASSWORD is unset")
	}
}

func TestLoadOverrides(t *testing.T) {
	setDatabaseEnv(t)
	t.Setenv("DB_PORT", "5433")
	t.Setenv("MAX_WORKERS", "4")
	t.Setenv("BLUESKY_BASE_URL", "http://localhost:8080")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Port != 5433 {
		t.Fatalf("expected port 5433, got %d", cfg.Database.Port)
	}
	if cfg.MaxWorkers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.MaxWorkers)
	}
	if cfg.BlueskyBaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected base URL: %s", cfg.BlueskyBaseURL)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Fatalf("expected timeout 10s, got %s", cfg.HTTPTimeout)
	}
}
