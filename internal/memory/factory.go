package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrStoreConfig marks a store configuration that can never succeed.
var ErrStoreConfig = errors.New("memory: invalid store config")

// Config selects and configures a store backend.
type Config struct {
	// Driver is one of auto, memory, postgres or sqlite.
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// NewStore creates a postgres-backed store when a database URL is configured,
// otherwise in-memory. An explicit driver overrides the auto selection.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "auto"
	}

	switch driver {
	case "auto":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return NewInMemoryStore(), nil
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "memory", "in-memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("%w: DATABASE_URL is required for postgres store", ErrStoreConfig)
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", ErrStoreConfig, cfg.Driver)
	}
}
