package cachestore

import (
	"context"
	"fmt"

	"github.com/sspi-data/sspi/internal/platform"
	"github.com/sspi-data/sspi/pkg/config"
)

// Open builds the Store selected by cfg.Backend. The Postgres schema is
// migrated before use.
func Open(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres cache requires a database url")
		}
		p, err := OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := platform.AutoMigrate(p.DB().DB); err != nil {
			p.Close()
			return nil, fmt.Errorf("migrate cache schema: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
