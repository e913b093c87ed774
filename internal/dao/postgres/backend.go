package postgres

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Backend stores each namespace in its own schema of one shared database.
// Schemas are provisioned on first write.
type Backend struct {
	db  *pgxpool.Pool
	dim int

	provisioning *store.KeyedRWMutex
	mu           sync.Mutex
	ready        map[string]bool
}

var _ store.Backend = (*Backend)(nil)

// New returns a relational backend over db. The pool is owned by the caller
// unless Close is called.
func New(db *pgxpool.Pool, dim int) (*Backend, error) {
	if db == nil {
		return nil, store.Errorf(store.ErrConfiguration, "relational.new", store.Namespace{}, "no connection pool")
	}
	if dim <= 0 {
		return nil, store.Errorf(store.ErrConfiguration, "relational.new", store.Namespace{}, "embedding dimension must be positive")
	}
	return &Backend{db: db, dim: dim, provisioning: store.NewKeyedRWMutex(), ready: map[string]bool{}}, nil
}

func (b *Backend) Kind() store.BackendKind { return store.BackendRelational }

// Handle returns the namespace schema name.
func (b *Backend) Handle(ns store.Namespace) store.Handle {
	return store.Handle{Kind: store.BackendRelational, Location: SchemaName(ns)}
}

// Dimension is the embedding vector size this backend accepts.
func (b *Backend) Dimension() int { return b.dim }

// Pool exposes the shared pool for administrative commands.
func (b *Backend) Pool() *pgxpool.Pool { return b.db }

func (b *Backend) isReady(schema string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready[schema]
}

func (b *Backend) setReady(schema string, v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v {
		b.ready[schema] = true
	} else {
		delete(b.ready, schema)
	}
}

// ensure provisions the namespace schema once per process.
func (b *Backend) ensure(ctx context.Context, ns store.Namespace) (string, error) {
	schema := SchemaName(ns)
	if b.isReady(schema) {
		return schema, nil
	}
	release := b.provisioning.Lock(schema)
	defer release()
	if b.isReady(schema) {
		return schema, nil
	}
	if err := EnsureNamespaceSchema(ctx, b.db, schema, b.dim); err != nil {
		return "", classify("relational.provision", ns, err)
	}
	b.setReady(schema, true)
	return schema, nil
}

// Provision creates the namespace schema if missing.
func (b *Backend) Provision(ctx context.Context, ns store.Namespace) error {
	_, err := b.ensure(ctx, ns)
	return err
}

// Drop removes the namespace schema. Dropping a missing namespace is not
// an error.
func (b *Backend) Drop(ctx context.Context, ns store.Namespace) error {
	schema := SchemaName(ns)
	release := b.provisioning.Lock(schema)
	defer release()
	b.setReady(schema, false)
	return classify("relational.drop", ns, DropNamespaceSchema(ctx, b.db, schema))
}

// Counts returns row counts per table. A missing schema counts zero.
func (b *Backend) Counts(ctx context.Context, ns store.Namespace) (map[string]int64, error) {
	schema := SchemaName(ns)
	out := map[string]int64{}
	for _, tbl := range Tables {
		n, err := CountTable(ctx, b.db, schema, tbl)
		if isMissingRelation(err) {
			out[tbl] = 0
			continue
		}
		if err != nil {
			return nil, classify("relational.count", ns, err)
		}
		out[tbl] = n
	}
	return out, nil
}

// Close closes the pool.
func (b *Backend) Close() error {
	b.db.Close()
	return nil
}

// isMissingRelation reports an undefined table or schema, which reads treat
// as an empty namespace.
func isMissingRelation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01" || pgErr.Code == "3F000"
	}
	return false
}

// classify maps driver failures into the store taxonomy: connection loss,
// timeouts, server shutdown and serialisation failures become
// BackendUnavailable; anything else is internal.
func classify(op string, ns store.Namespace, err error, parts ...string) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	wrapped := dbutil.ErrWrap(op, err, parts...)
	if unavailable(err) {
		return store.Wrap(store.ErrBackendUnavailable, op, ns, wrapped)
	}
	return store.Wrap(store.ErrInternal, op, ns, wrapped)
}

func unavailable(err error) bool {
	if dbutil.IsTransient(err) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03",
			pgErr.Code == "53300", pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		}
	}
	return false
}
