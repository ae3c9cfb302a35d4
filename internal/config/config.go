package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowedOrigins   []string
	LogLevel         string
	LogFormat        string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	AgentMode          string
	AgentHTTPURL       string
	AgentToken         string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AgentModel         string
	AgentCallTimeout   time.Duration
	ChatRequestTimeout time.Duration

	ApprovalMaxIterations   int
	ApprovalAllowedTools    []string
	ApprovalScreenArguments bool

	MemoryMaxFacts     int
	MemoryMaxChars     int
	MemoryHistoryTurns int
	DefaultUserID      string

	AuthJWTSecret string
	AuthRequired  bool
}

// LoadEnvFile loads KEY=VALUE pairs from path without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "mnemo"),
		AllowedOrigins:        listFromEnv("APP_ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:              strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		StoreDriver:           strings.ToLower(envOrDefault("STORE_DRIVER", "auto")),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		SQLitePath:            envOrDefault("SQLITE_PATH", "mnemo.db"),
		AgentMode:             strings.ToLower(envOrDefault("AGENT_MODE", "auto")),
		AgentHTTPURL:          stringsTrimSpace("AGENT_HTTP_URL"),
		AgentToken:            stringsTrimSpace("AGENT_TOKEN"),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         stringsTrimSpace("OPENAI_BASE_URL"),
		AgentModel:            envOrDefault("AGENT_MODEL", "gpt-4o-mini"),
		ApprovalAllowedTools:  listFromEnv("APPROVAL_ALLOWED_TOOLS", nil),
		DefaultUserID:         envOrDefault("DEFAULT_USER_ID", "default_user"),
		AuthJWTSecret:         stringsTrimSpace("AUTH_JWT_SECRET"),
		ShutdownTimeout:       15 * time.Second,
		AgentCallTimeout:      60 * time.Second,
		ChatRequestTimeout:    120 * time.Second,
		ApprovalMaxIterations: 5,
		MemoryMaxFacts:        50,
		MemoryMaxChars:        2000,
		MemoryHistoryTurns:    10,
		AuthRequired:          true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentCallTimeout, err = durationFromEnv("AGENT_CALL_TIMEOUT", cfg.AgentCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatRequestTimeout, err = durationFromEnv("CHAT_REQUEST_TIMEOUT", cfg.ChatRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ApprovalMaxIterations, err = intFromEnv("APPROVAL_MAX_ITERATIONS", cfg.ApprovalMaxIterations)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMaxFacts, err = intFromEnv("MEMORY_MAX_FACTS", cfg.MemoryMaxFacts)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMaxChars, err = intFromEnv("MEMORY_MAX_CHARS", cfg.MemoryMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryHistoryTurns, err = intFromEnv("MEMORY_HISTORY_TURNS", cfg.MemoryHistoryTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.ApprovalScreenArguments, err = boolFromEnv("APPROVAL_SCREEN_ARGUMENTS", cfg.ApprovalScreenArguments)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthRequired, err = boolFromEnv("AUTH_REQUIRED", cfg.AuthRequired)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.AgentCallTimeout <= 0 {
		return Config{}, fmt.Errorf("AGENT_CALL_TIMEOUT must be positive")
	}
	if cfg.ChatRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("CHAT_REQUEST_TIMEOUT must be positive")
	}
	if cfg.ApprovalMaxIterations < 1 {
		return Config{}, fmt.Errorf("APPROVAL_MAX_ITERATIONS must be at least 1")
	}
	if cfg.MemoryMaxFacts <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MAX_FACTS must be positive")
	}
	if cfg.MemoryMaxChars <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MAX_CHARS must be positive")
	}
	if cfg.MemoryHistoryTurns < 0 {
		return Config{}, fmt.Errorf("MEMORY_HISTORY_TURNS must be >= 0")
	}
	switch cfg.StoreDriver {
	case "auto", "memory", "in-memory", "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER %q is not supported", cfg.StoreDriver)
	}
	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	switch cfg.AgentMode {
	case "auto", "http", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("AGENT_MODE %q is not supported", cfg.AgentMode)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
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

// listFromEnv splits a comma separated value, dropping empty entries.
func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
