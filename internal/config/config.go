package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the message loop supervisor.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	SnapshotPath   string
	CredentialsDir string
	DatabaseURL    string

	MessengerMode    string
	MessengerHTTPURL string
	MessengerHTTPRPS int

	TaskMaxRestarts    int
	TaskSaveInterval   time.Duration
	TaskHealthInterval time.Duration
	TaskStallTimeout   time.Duration
}

const defaultPort = "20428"

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	bind := stringsTrimSpace("APP_BIND_ADDR")
	if bind == "" {
		bind = ":" + envOrDefault("PORT", defaultPort)
	}
	cfg := Config{
		BindAddr:           bind,
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "loopd"),
		AllowAnyOrigin:     false,
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "console"),
		SnapshotPath:       envOrDefault("SNAPSHOT_PATH", "active_tasks.json"),
		CredentialsDir:     envOrDefault("CREDENTIALS_DIR", "cookies"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		MessengerMode:      envOrDefault("MESSENGER_MODE", "mock"),
		MessengerHTTPURL:   stringsTrimSpace("MESSENGER_HTTP_URL"),
		MessengerHTTPRPS:   5,
		TaskMaxRestarts:    1000,
		ShutdownTimeout:    15 * time.Second,
		TaskSaveInterval:   30 * time.Second,
		TaskHealthInterval: 60 * time.Second,
		TaskStallTimeout:   300 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MessengerHTTPRPS, err = intFromEnv("MESSENGER_HTTP_RPS", cfg.MessengerHTTPRPS)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskMaxRestarts, err = intFromEnv("TASK_MAX_RESTARTS", cfg.TaskMaxRestarts)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskSaveInterval, err = durationFromEnv("TASK_SAVE_INTERVAL", cfg.TaskSaveInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskHealthInterval, err = durationFromEnv("TASK_HEALTH_INTERVAL", cfg.TaskHealthInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskStallTimeout, err = durationFromEnv("TASK_STALL_TIMEOUT", cfg.TaskStallTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.TaskMaxRestarts < 0 {
		return Config{}, fmt.Errorf("TASK_MAX_RESTARTS must be >= 0")
	}
	if cfg.MessengerHTTPRPS <= 0 {
		return Config{}, fmt.Errorf("MESSENGER_HTTP_RPS must be positive")
	}
	if cfg.TaskSaveInterval < time.Second {
		return Config{}, fmt.Errorf("TASK_SAVE_INTERVAL must be at least 1s")
	}
	if cfg.TaskHealthInterval < time.Second {
		return Config{}, fmt.Errorf("TASK_HEALTH_INTERVAL must be at least 1s")
	}
	if cfg.TaskStallTimeout <= 0 {
		return Config{}, fmt.Errorf("TASK_STALL_TIMEOUT must be positive")
	}
	switch strings.ToLower(cfg.MessengerMode) {
	case "mock":
	case "http":
		if cfg.MessengerHTTPURL == "" {
			return Config{}, fmt.Errorf("MESSENGER_HTTP_URL is required when MESSENGER_MODE=http")
		}
	default:
		return Config{}, fmt.Errorf("invalid MESSENGER_MODE: %q (expected mock|http)", cfg.MessengerMode)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
