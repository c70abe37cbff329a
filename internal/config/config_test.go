package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresDSN(t *testing.T) {
	t.Setenv("AC_DB_DSN", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AC_DB_DSN", "postgres://localhost/accesscache")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.BatchSize != 100 {
		t.Fatalf("expected default batch size, got %d", cfg.Cache.BatchSize)
	}
	horizon, err := cfg.Horizon()
	if err != nil {
		t.Fatalf("horizon: %v", err)
	}
	if !horizon.Equal(time.Date(2037, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected horizon %s", horizon)
	}
	if cfg.Rebuild.Schedule != "@daily" || cfg.Rebuild.MaxAttempts != 3 {
		t.Fatalf("unexpected rebuild defaults: %+v", cfg.Rebuild)
	}
	if got := cfg.ResourceTypes(); len(got) != 5 || got[0] != "file" {
		t.Fatalf("unexpected resource types %v", got)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accesscache.yaml")
	body := `
database:
  dsn: postgres://file/accesscache
cache:
  batch_size: 250
rebuild:
  lock_ttl: 2m
resources:
  tables:
    lesson:
      table: lessons
      key_column: lesson_id
      title_column: name
      link_column: url
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AC_DB_DSN", "postgres://env/accesscache")
	t.Setenv("AC_VISIBLE_TYPES", "lesson, page ,")
	t.Setenv("AC_REBUILD_POLL_TIMEOUT", "750ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env/accesscache" {
		t.Fatalf("expected dsn env override, got %q", cfg.Database.DSN)
	}
	if cfg.Cache.BatchSize != 250 {
		t.Fatalf("expected batch size from file, got %d", cfg.Cache.BatchSize)
	}
	if cfg.Rebuild.LockTTL != 2*time.Minute {
		t.Fatalf("expected lock ttl from file, got %s", cfg.Rebuild.LockTTL)
	}
	if cfg.Rebuild.PollTimeout != 750*time.Millisecond {
		t.Fatalf("expected poll timeout override, got %s", cfg.Rebuild.PollTimeout)
	}
	if len(cfg.Resources.VisibleTypes) != 2 || cfg.Resources.VisibleTypes[0] != "lesson" {
		t.Fatalf("expected visible types override, got %v", cfg.Resources.VisibleTypes)
	}
	if tc, ok := cfg.Resources.Tables["lesson"]; !ok || tc.TitleColumn != "name" {
		t.Fatalf("expected lesson table from file, got %+v", cfg.Resources.Tables)
	}
}

func TestLoadRejectsBadHorizon(t *testing.T) {
	t.Setenv("AC_DB_DSN", "postgres://localhost/accesscache")
	t.Setenv("AC_CACHE_FOREVER_HORIZON", "someday")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected horizon parse error")
	}
}

func TestLogDebugFlag(t *testing.T) {
	t.Setenv("AC_DB_DSN", "postgres://localhost/accesscache")
	t.Setenv("AC_LOG_DEBUG", "yes")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug override, got %q", cfg.Log.Level)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accesscache.env")
	if err := os.WriteFile(path, []byte("AC_CACHE_WORKERS=4\nAC_REBUILD_SCHEDULE=\"0 3 * * *\"\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("AC_DB_DSN", "postgres://localhost/accesscache")
	t.Setenv("AC_ENV_FILE", path)
	t.Cleanup(func() {
		os.Unsetenv("AC_CACHE_WORKERS")
		os.Unsetenv("AC_REBUILD_SCHEDULE")
	})

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Workers != 4 {
		t.Fatalf("expected workers from env file, got %d", cfg.Cache.Workers)
	}
	if cfg.Rebuild.Schedule != "0 3 * * *" {
		t.Fatalf("expected schedule from env file, got %q", cfg.Rebuild.Schedule)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv("AC_DB_DSN", "postgres://localhost/accesscache")
	t.Setenv("AC_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := Load(""); err == nil {
		t.Fatalf("expected missing env file error")
	}
}
