package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"auditbuddy/internal/adapters/memory"
	pg "auditbuddy/internal/adapters/postgres"
	"auditbuddy/internal/adapters/sqlite"
	"auditbuddy/internal/config"
	"auditbuddy/internal/ports"
)

const purgeEvery = 10 * time.Minute

// backends holds the selected Audit Store and Result Cache plus their
// cleanup hooks, run in reverse order by close.
type backends struct {
	kind    string
	audits  ports.AuditRepository
	cache   ports.Cache
	closers []func()
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	var db *pg.DB

	switch {
	case cfg.IsPostgres():
		var err error
		db, err = pg.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		b.kind, b.audits = "postgres", db
	case cfg.DatabaseURL != "":
		st, err := sqlite.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := st.Close(); err != nil {
				logger.Warn("close sqlite store", "error", err)
			}
		})
		b.kind, b.audits = "sqlite", st
	default:
		b.kind, b.audits = "memory", memory.NewStore()
		logger.Warn("DATABASE_URL not set, audits will not survive a restart")
	}

	if cfg.CacheBackend == "postgres" && db != nil {
		c := pg.NewCache(db)
		purgeCtx, cancel := context.WithCancel(context.Background())
		go purgeLoop(purgeCtx, c, logger)
		b.closers = append(b.closers, cancel)
		b.cache = c
	} else {
		c := memory.NewCache(nil, time.Minute)
		b.closers = append(b.closers, c.Close)
		b.cache = c
	}
	return b, nil
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// purgeLoop deletes expired rows from the Postgres cache table.
func purgeLoop(ctx context.Context, c *pg.Cache, logger *slog.Logger) {
	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Purge(ctx)
			if err != nil {
				logger.Warn("purge cache entries", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged cache entries", "count", n)
			}
		}
	}
}
