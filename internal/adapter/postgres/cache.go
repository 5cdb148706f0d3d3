package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Cache implements cache.Store on the readiness_cache table.
type Cache struct {
	db *sql.DB
}

func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM readiness_cache WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

func (c *Cache) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO readiness_cache (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, key, value)
	if err != nil {
		return false, fmt.Errorf("cache set %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache set %s: %w", key, err)
	}
	return n == 1, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
