package session

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flarebyte/redstore/internal/config"
	"github.com/flarebyte/redstore/internal/dao/postgres"
	"github.com/flarebyte/redstore/internal/dao/sqlite"
	"github.com/flarebyte/redstore/internal/identity"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/observe"
	"github.com/flarebyte/redstore/internal/store"
	"github.com/flarebyte/redstore/internal/vault"
)

// Open builds a Facade from configuration: it resolves the server secret,
// opens the embedded backend and, when PostgreSQL is configured, the
// relational backend and the persistent namespace directory. Without
// PostgreSQL the directory lives in memory.
func Open(ctx context.Context, cfg config.Config, obs *observe.Observer) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret, err := vault.ResolveSecret(ctx, cfg.Identity)
	if err != nil {
		return nil, err
	}
	namer, err := identity.New(secret)
	if err != nil {
		return nil, err
	}

	emb, err := sqlite.New(sqlite.Options{
		Dir:         cfg.Embedded.Dir,
		Dimension:   cfg.Embedding.Dimension,
		BusyTimeout: time.Duration(cfg.Embedded.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		namer.Close()
		return nil, err
	}
	backends := map[store.BackendKind]store.Backend{store.BackendEmbedded: emb}

	var dir namespace.Directory
	if cfg.Postgres.Configured() {
		db, err := openRelational(ctx, cfg.Postgres)
		if err != nil {
			_ = emb.Close()
			namer.Close()
			return nil, err
		}
		rel, err := postgres.New(db, cfg.Embedding.Dimension)
		if err != nil {
			db.Close()
			_ = emb.Close()
			namer.Close()
			return nil, err
		}
		backends[store.BackendRelational] = rel
		cache := namespace.NewCache(postgres.NewControlDirectory(db, cfg.Postgres.ControlSchema))
		if err := cache.Warm(ctx); err != nil {
			_ = rel.Close()
			_ = emb.Close()
			namer.Close()
			return nil, err
		}
		dir = cache
	} else {
		obs.Log().Warn().Msg("postgres is not configured; namespace records are kept in memory")
		dir = namespace.NewMemDirectory()
	}

	f, err := New(Options{
		Namer:     namer,
		Backends:  backends,
		Directory: dir,
		Default:   store.BackendKind(cfg.Store.DefaultBackend),
		Observer:  obs,
		Retention: cfg.Migration.RetentionDuration(),
	})
	if err != nil {
		for _, b := range backends {
			_ = b.Close()
		}
		namer.Close()
		return nil, err
	}
	return f, nil
}

func openRelational(ctx context.Context, pg config.PostgresConfig) (*pgxpool.Pool, error) {
	db, err := postgres.Open(ctx, pg)
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureExtensions(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := postgres.EnsureControlSchema(ctx, db, pg.ControlSchema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
