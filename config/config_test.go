package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithDatabaseURLFallback(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://fallback/db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if cfg.Database.URL != "postgres://fallback/db" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", cfg.Database.URL)
	}
	if cfg.Scheduler.Interval != time.Hour {
		t.Fatalf("expected default interval 1h, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Engine.MaxMatchAttempts != 3 {
		t.Fatalf("expected 3 match attempts, got %d", cfg.Engine.MaxMatchAttempts)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("expected redis to be disabled without an address")
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commissiond.yaml")
	body := []byte(`
database:
  url: postgres://file/db
  max_conns: 4
redis:
  addr: localhost:6379
  policy_cache_ttl: 30s
scheduler:
  interval: 15m
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("COMMISSION_SCHEDULER_INTERVAL", "5m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if cfg.Database.URL != "postgres://file/db" || cfg.Database.MaxConns != 4 {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Redis.PolicyCacheTTL != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %s", cfg.Redis.PolicyCacheTTL)
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("expected env override of 5m, got %s", cfg.Scheduler.Interval)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("COMMISSION_DATABASE_URL", "")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when database url is missing")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x/db")

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
