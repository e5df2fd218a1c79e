package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"auditbuddy/internal/domain"
)

// Cache is a Result Cache backed by the cache_entries table, shared by every
// process pointed at the same database.
type Cache struct {
	db *DB
}

func NewCache(db *DB) *Cache { return &Cache{db: db} }

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.db.Pool.QueryRow(ctx, `
		SELECT value FROM cache_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCacheMiss
	}
	return value, err
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.db.Pool.Exec(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiry(ttl))
	return err
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.db.Pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = ANY($1)`, keys)
	return err
}

// Incr atomically increments a decimal counter. An absent or expired key
// restarts at 1 with no expiration.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.db.Pool.QueryRow(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, '1'::bytea, NULL)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN cache_entries.expires_at IS NOT NULL AND cache_entries.expires_at <= now() THEN '1'::bytea
				ELSE convert_to((convert_from(cache_entries.value, 'UTF8')::bigint + 1)::text, 'UTF8')
			END,
			expires_at = CASE
				WHEN cache_entries.expires_at IS NOT NULL AND cache_entries.expires_at <= now() THEN NULL
				ELSE cache_entries.expires_at
			END
		RETURNING convert_from(value, 'UTF8')::bigint
	`, key).Scan(&n)
	return n, err
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	tag, err := c.db.Pool.Exec(ctx, `
		UPDATE cache_entries SET expires_at = $2
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key, expiry(ttl))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCacheMiss
	}
	return nil
}

// Purge removes expired entries and reports how many were deleted.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	tag, err := c.db.Pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
