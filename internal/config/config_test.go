package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":20428" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":20428")
	}
	if cfg.MessengerMode != "mock" {
		t.Fatalf("MessengerMode = %q, want %q", cfg.MessengerMode, "mock")
	}
	if cfg.TaskMaxRestarts != 1000 {
		t.Fatalf("TaskMaxRestarts = %d, want 1000", cfg.TaskMaxRestarts)
	}
	if cfg.TaskSaveInterval != 30*time.Second {
		t.Fatalf("TaskSaveInterval = %v, want 30s", cfg.TaskSaveInterval)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadPortOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PORT", "9191")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}

	t.Setenv("APP_BIND_ADDR", "127.0.0.1:7000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("BindAddr = %q, want explicit bind address", cfg.BindAddr)
	}
}

func TestLoadRejectsHTTPModeWithoutURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MESSENGER_MODE", "http")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for http mode without url")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TASK_HEALTH_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected parse error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"SNAPSHOT_PATH",
		"CREDENTIALS_DIR",
		"DATABASE_URL",
		"MESSENGER_MODE",
		"MESSENGER_HTTP_URL",
		"MESSENGER_HTTP_RPS",
		"TASK_MAX_RESTARTS",
		"TASK_SAVE_INTERVAL",
		"TASK_HEALTH_INTERVAL",
		"TASK_STALL_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
