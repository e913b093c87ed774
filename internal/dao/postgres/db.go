package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flarebyte/redstore/internal/config"
	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
)

// Open returns a pool for cfg and pings it.
func Open(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	return OpenDSN(ctx, cfg.DSN(), cfg.MaxConns)
}

// OpenDSN returns a pool for a libpq DSN or URL and pings it.
func OpenDSN(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, dbutil.ErrWrap("postgres.parse_config", err)
	}
	if maxConns > 0 {
		pc.MaxConns = maxConns
	}
	pc.MaxConnLifetime = 30 * time.Minute
	pc.MaxConnIdleTime = 5 * time.Minute
	db, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, dbutil.ErrWrap("postgres.open", err)
	}
	// Ping to validate connectivity
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(ctxPing); err != nil {
		db.Close()
		return nil, dbutil.ErrWrap("postgres.ping", err)
	}
	return db, nil
}
