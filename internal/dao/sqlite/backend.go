// Package sqlite implements the embedded backend: one SQLite database file
// per namespace, opened lazily through the ncruces driver with sqlite-vec
// loaded for exact nearest-neighbour search.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

// filePrefixLen is how many token characters name a namespace file.
const filePrefixLen = 48

// Options configures the embedded backend.
type Options struct {
	Dir         string
	Dimension   int
	BusyTimeout time.Duration
}

// Backend stores each namespace in its own database file under Dir.
// Writes to a namespace are serialised; reads run concurrently unless a
// write is in flight.
type Backend struct {
	opts  Options
	locks *store.KeyedRWMutex

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

var _ store.Backend = (*Backend)(nil)

// New returns an embedded backend rooted at opts.Dir. No file is created
// until the first write.
func New(opts Options) (*Backend, error) {
	if opts.Dir == "" {
		return nil, store.Errorf(store.ErrConfiguration, "embedded.new", store.Namespace{}, "directory is not set")
	}
	if opts.Dimension <= 0 {
		return nil, store.Errorf(store.ErrConfiguration, "embedded.new", store.Namespace{}, "embedding dimension must be positive")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	return &Backend{opts: opts, locks: store.NewKeyedRWMutex(), dbs: map[string]*sql.DB{}}, nil
}

func (b *Backend) Kind() store.BackendKind { return store.BackendEmbedded }

// Handle returns the namespace file path.
func (b *Backend) Handle(ns store.Namespace) store.Handle {
	return store.Handle{Kind: store.BackendEmbedded, Location: b.path(ns)}
}

// Dimension is the embedding vector size this backend accepts.
func (b *Backend) Dimension() int { return b.opts.Dimension }

func (b *Backend) path(ns store.Namespace) string {
	tok := ns.Token
	if len(tok) > filePrefixLen {
		tok = tok[:filePrefixLen]
	}
	return filepath.Join(b.opts.Dir, "ns_"+tok+".db")
}

func (b *Backend) dsn(ns store.Namespace) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", b.path(ns), b.opts.BusyTimeout.Milliseconds())
}

// open returns the namespace database. With create unset, a namespace that
// was never written yields a nil db and no error. b.mu only guards the map;
// opening and schema setup run under the caller's per-namespace lock.
func (b *Backend) open(ctx context.Context, ns store.Namespace, create bool) (*sql.DB, error) {
	if db := b.cached(ns); db != nil {
		return db, nil
	}
	p := b.path(ns)
	if !create {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	} else if err := os.MkdirAll(b.opts.Dir, 0o755); err != nil {
		return nil, store.Wrap(store.ErrBackendUnavailable, "embedded.open", ns, err)
	}
	db, err := sql.Open("sqlite3", b.dsn(ns))
	if err != nil {
		return nil, store.Wrap(store.ErrBackendUnavailable, "embedded.open", ns, err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, classify("embedded.schema", ns, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// concurrent readers of a cold namespace may race here
	if prev, ok := b.dbs[ns.Token]; ok {
		_ = db.Close()
		return prev, nil
	}
	b.dbs[ns.Token] = db
	return db, nil
}

func (b *Backend) cached(ns store.Namespace) *sql.DB {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dbs[ns.Token]
}

// Provision creates the namespace file and schema if missing.
func (b *Backend) Provision(ctx context.Context, ns store.Namespace) error {
	release := b.locks.Lock(ns.Token)
	defer release()
	_, err := b.open(ctx, ns, true)
	return err
}

// Drop closes and deletes the namespace file. Dropping a missing namespace
// is not an error.
func (b *Backend) Drop(ctx context.Context, ns store.Namespace) error {
	release := b.locks.Lock(ns.Token)
	defer release()
	b.mu.Lock()
	if db, ok := b.dbs[ns.Token]; ok {
		_ = db.Close()
		delete(b.dbs, ns.Token)
	}
	b.mu.Unlock()
	p := b.path(ns)
	for _, f := range []string{p, p + "-journal", p + "-wal", p + "-shm"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return store.Wrap(store.ErrBackendUnavailable, "embedded.drop", ns, err)
		}
	}
	return nil
}

// Exists reports whether the namespace file is present.
func (b *Backend) Exists(ns store.Namespace) bool {
	_, err := os.Stat(b.path(ns))
	return err == nil
}

// Close closes every open namespace database.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for tok, db := range b.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.dbs, tok)
	}
	return errors.Join(errs...)
}

// read runs fn under the shared namespace lock. fn receives a nil db when
// the namespace was never written.
func (b *Backend) read(ctx context.Context, ns store.Namespace, fn func(db *sql.DB) error) error {
	release := b.locks.RLock(ns.Token)
	defer release()
	db, err := b.open(ctx, ns, false)
	if err != nil {
		return err
	}
	return fn(db)
}

// write runs fn in one transaction under the exclusive namespace lock,
// creating the namespace on first use.
func (b *Backend) write(ctx context.Context, ns store.Namespace, op string, fn func(tx *sql.Tx) error) error {
	release := b.locks.Lock(ns.Token)
	defer release()
	db, err := b.open(ctx, ns, true)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, ns, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(op, ns, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, ns, err)
	}
	return nil
}

// classify maps driver failures into the store taxonomy. Errors that are
// already classified pass through; busy, locked and I/O failures and
// context expiry become BackendUnavailable.
func classify(op string, ns store.Namespace, err error, parts ...string) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	wrapped := dbutil.ErrWrap(op, err, parts...)
	if dbutil.IsTransient(err) ||
		errors.Is(err, sqlite3.BUSY) ||
		errors.Is(err, sqlite3.LOCKED) ||
		errors.Is(err, sqlite3.IOERR) ||
		errors.Is(err, sqlite3.CANTOPEN) ||
		errors.Is(err, sqlite3.FULL) {
		return store.Wrap(store.ErrBackendUnavailable, op, ns, wrapped)
	}
	return store.Wrap(store.ErrInternal, op, ns, wrapped)
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }
