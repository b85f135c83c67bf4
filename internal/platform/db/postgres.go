// Package db owns the PostgreSQL pool, the transaction helper and the
// embedded migration runner used by the API, the worker and the seed loader.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags every session so ledger locks are attributable in
// pg_stat_activity.
const ApplicationName = "caja-rds"

// ParseConfig builds the pool config for dsn. Sessions run in UTC so stored
// posting timestamps never depend on the server's zone; APP_TIMEZONE is
// applied when reading. Values already set in the DSN win.
func ParseConfig(dsn string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	params := config.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = ApplicationName
	}
	if _, ok := params["timezone"]; !ok {
		params["timezone"] = "UTC"
	}
	return config, nil
}

// New opens the pool and pings it within five seconds.
func New(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
