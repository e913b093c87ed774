// Package session is the entry point for callers: it turns an opaque user
// id into a namespace, routes each call to the backend that serves it and
// drives migrations between backends.
package session

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flarebyte/redstore/internal/identity"
	"github.com/flarebyte/redstore/internal/migrate"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/observe"
	"github.com/flarebyte/redstore/internal/store"
)

// Options configures a Facade.
type Options struct {
	Namer     *identity.Namer
	Backends  map[store.BackendKind]store.Backend
	Directory namespace.Directory
	// Default is the backend new namespaces start on.
	Default   store.BackendKind
	Observer  *observe.Observer
	Retention time.Duration
	Retry     RetryPolicy
	Clock     func() time.Time
	AfterCopy migrate.Hook
}

// Facade serves every storage operation keyed by user id.
type Facade struct {
	namer       *identity.Namer
	backends    map[store.BackendKind]store.Backend
	dir         namespace.Directory
	def         store.BackendKind
	obs         *observe.Observer
	gate        *store.KeyedRWMutex
	engine      *migrate.Engine
	retryPolicy RetryPolicy
	now         func() time.Time
	closers     []func() error
}

func New(opts Options) (*Facade, error) {
	bad := func(format string, args ...any) error {
		return store.Errorf(store.ErrConfiguration, "session.new", store.Namespace{}, format, args...)
	}
	if opts.Namer == nil {
		return nil, bad("namer is not set")
	}
	if opts.Directory == nil {
		return nil, bad("directory is not set")
	}
	if _, ok := opts.Backends[opts.Default]; !ok || !opts.Default.Valid() {
		return nil, bad("default backend %q is not configured", opts.Default)
	}
	if opts.Observer == nil {
		opts.Observer = observe.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = store.Now
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetry
	}
	gate := store.NewKeyedRWMutex()
	engine, err := migrate.New(migrate.Options{
		Backends:  opts.Backends,
		Directory: opts.Directory,
		Gate:      gate,
		Observer:  opts.Observer,
		Retention: opts.Retention,
		Clock:     opts.Clock,
		AfterCopy: opts.AfterCopy,
	})
	if err != nil {
		return nil, err
	}
	return &Facade{
		namer:       opts.Namer,
		backends:    opts.Backends,
		dir:         opts.Directory,
		def:         opts.Default,
		obs:         opts.Observer,
		gate:        gate,
		engine:      engine,
		retryPolicy: opts.Retry,
		now:         opts.Clock,
	}, nil
}

// Token returns the namespace token of userID.
func (f *Facade) Token(userID string) string { return f.namer.Token(userID) }

func (f *Facade) start(ctx context.Context, op string, ns store.Namespace) (context.Context, trace.Span) {
	return f.obs.StartSpan(ctx, "session."+op, observe.Namespace(ns.Category()))
}

func (f *Facade) namespaceOf(op, userID string) (store.Namespace, error) {
	if userID == "" {
		return store.Namespace{}, store.Errorf(store.ErrInvalidArgument, op, store.Namespace{}, "user id is empty")
	}
	return f.namer.Namespace(userID), nil
}

// resolve returns the record of ns, creating it on the default backend the
// first time. Only the caller that created the record provisions storage.
func (f *Facade) resolve(ctx context.Context, ns store.Namespace) (*namespace.Record, error) {
	rec, err := f.dir.Get(ctx, ns.Token)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	rec, created, err := f.dir.CreateIfAbsent(ctx, namespace.New(ns.Token, f.def, f.now()))
	if err != nil {
		return nil, err
	}
	if created {
		if err := f.backends[f.def].Provision(ctx, ns); err != nil {
			return nil, err
		}
		f.obs.Log().Info().Str("ns", ns.Category()).Str("backend", string(f.def)).Msg("namespace created")
	}
	return rec, nil
}

func (f *Facade) backend(op string, ns store.Namespace, kind store.BackendKind) (store.Backend, error) {
	b, ok := f.backends[kind]
	if !ok {
		return nil, store.Errorf(store.ErrConfiguration, op, ns, "backend %q is not configured", kind)
	}
	return b, nil
}

// write runs fn on the active backend while holding the namespace gate
// shared, so a migration cannot start until it returns.
func (f *Facade) write(ctx context.Context, op string, ns store.Namespace, fn func(b store.Backend) error) error {
	if _, err := f.resolve(ctx, ns); err != nil {
		return err
	}
	release := f.gate.RLock(ns.Token)
	defer release()
	rec, err := f.dir.Get(ctx, ns.Token)
	if err != nil {
		return err
	}
	if rec.Migrating() {
		return store.Errorf(store.ErrMigrationInProgress, op, ns, "namespace is %s", rec.Phase)
	}
	b, err := f.backend(op, ns, rec.Active)
	if err != nil {
		return err
	}
	return fn(b)
}

// reader returns the backend serving reads: the source while migrating.
// A namespace never written reads from the default backend, which reports
// it empty; nothing is created.
func (f *Facade) reader(ctx context.Context, op string, ns store.Namespace) (store.Backend, error) {
	rec, err := f.dir.Get(ctx, ns.Token)
	if errors.Is(err, store.ErrNotFound) {
		return f.backend(op, ns, f.def)
	}
	if err != nil {
		return nil, err
	}
	return f.backend(op, ns, rec.ReadBackend())
}

func (f *Facade) CreateConfig(ctx context.Context, userID string, kind store.ConfigKind, name string, params store.Params) (id string, err error) {
	const op = "config.create"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return "", err
	}
	ctx, span := f.start(ctx, op, ns)
	defer func() { f.obs.EndSpan(span, err) }()
	err = f.write(ctx, op, ns, func(b store.Backend) error {
		var werr error
		id, werr = b.CreateConfig(ctx, ns, kind, name, params)
		return werr
	})
	return id, err
}

func (f *Facade) GetConfig(ctx context.Context, userID string, kind store.ConfigKind, id string) (c *store.ConfigObject, err error) {
	const op = "config.get"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return nil, err
	}
	ctx, span := f.start(ctx, op, ns)
	defer func() { f.obs.EndSpan(span, err) }()
	err = f.retry(ctx, op, func() error {
		b, rerr := f.reader(ctx, op, ns)
		if rerr != nil {
			return rerr
		}
		c, rerr = b.GetConfig(ctx, ns, kind, id)
		return rerr
	})
	return c, err
}

func (f *Facade) ListConfigs(ctx context.Context, userID string, kind store.ConfigKind, filter store.ConfigFilter) iter.Seq2[*store.ConfigObject, error] {
	const op = "config.list"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return store.ErrSeq[*store.ConfigObject](err)
	}
	return retrySeq(ctx, f, op, func() iter.Seq2[*store.ConfigObject, error] {
		b, err := f.reader(ctx, op, ns)
		if err != nil {
			return store.ErrSeq[*store.ConfigObject](err)
		}
		return b.ListConfigs(ctx, ns, kind, filter)
	})
}

// UpdateConfig replaces the params of a configuration. It is never retried.
func (f *Facade) UpdateConfig(ctx context.Context, userID string, kind store.ConfigKind, id string, params store.Params) (u *store.ConfigUpdate, err error) {
	const op = "config.update"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return nil, err
	}
	ctx, span := f.start(ctx, op, ns)
	defer func() { f.obs.EndSpan(span, err) }()
	err = f.write(ctx, op, ns, func(b store.Backend) error {
		var werr error
		u, werr = b.UpdateConfig(ctx, ns, kind, id, params)
		return werr
	})
	return u, err
}

func (f *Facade) DeleteConfig(ctx context.Context, userID string, kind store.ConfigKind, id string, force bool) (err error) {
	const op = "config.delete"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return err
	}
	ctx, span := f.start(ctx, op, ns)
	defer func() { f.obs.EndSpan(span, err) }()
	return f.write(ctx, op, ns, func(b store.Backend) error {
		return b.DeleteConfig(ctx, ns, kind, id, force)
	})
}

// AppendTurn is never retried: a lost acknowledgement would turn into an
// out of order failure on replay.
func (f *Facade) AppendTurn(ctx context.Context, userID string, turn store.Turn) (err error) {
	const op = "turn.append"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return err
	}
	ctx, span := f.start(ctx, op, ns)
	defer func() { f.obs.EndSpan(span, err) }()
	return f.write(ctx, op, ns, func(b store.Backend) error {
		return b.AppendTurn(ctx, ns, turn)
	})
}

func (f *Facade) ReadConversation(ctx context.Context, userID, conversationID string, r store.TurnRange) iter.Seq2[*store.Turn, error] {
	const op = "turn.read"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return store.ErrSeq[*store.Turn](err)
	}
	return retrySeq(ctx, f, op, func() iter.Seq2[*store.Turn, error] {
		b, err := f.reader(ctx, op, ns)
		if err != nil {
			return store.ErrSeq[*store.Turn](err)
		}
		return b.ReadConversation(ctx, ns, conversationID, r)
	})
}

func (f *Facade) UpsertEmbedding(ctx context.Context, userID string, e store.Embedding) (err error) {
	const op = "embedding.upsert"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return err
	}
	ctx, span := f.start(ctx, op, ns)
	defer func() { f.obs.EndSpan(span, err) }()
	return f.retry(ctx, op, func() error {
		return f.write(ctx, op, ns, func(b store.Backend) error {
			return b.UpsertEmbedding(ctx, ns, e)
		})
	})
}

func (f *Facade) ReadEmbeddings(ctx context.Context, userID, embeddingType string) iter.Seq2[*store.Embedding, error] {
	const op = "embedding.read"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return store.ErrSeq[*store.Embedding](err)
	}
	return retrySeq(ctx, f, op, func() iter.Seq2[*store.Embedding, error] {
		b, err := f.reader(ctx, op, ns)
		if err != nil {
			return store.ErrSeq[*store.Embedding](err)
		}
		return b.ReadEmbeddings(ctx, ns, embeddingType)
	})
}

func (f *Facade) NearestEmbeddings(ctx context.Context, userID, embeddingType string, query []float32, k int) (res *store.NearestResult, err error) {
	const op = "embedding.nearest"
	ns, err := f.namespaceOf(op, userID)
	if err != nil {
		return nil, err
	}
	ctx, span := f.start(ctx, op, ns)
	defer func() { f.obs.EndSpan(span, err) }()
	err = f.retry(ctx, op, func() error {
		b, rerr := f.reader(ctx, op, ns)
		if rerr != nil {
			return rerr
		}
		res, rerr = b.NearestEmbeddings(ctx, ns, embeddingType, query, k)
		return rerr
	})
	return res, err
}

// Migrate moves the namespace of userID to target.
func (f *Facade) Migrate(ctx context.Context, userID string, target store.BackendKind) (*migrate.Report, error) {
	ns, err := f.namespaceOf("migrate.run", userID)
	if err != nil {
		return nil, err
	}
	if _, err := f.resolve(ctx, ns); err != nil {
		return nil, err
	}
	return f.engine.Run(ctx, ns.Token, target)
}

// MigrateToken migrates by token, for operators who never see user ids.
func (f *Facade) MigrateToken(ctx context.Context, token string, target store.BackendKind) (*migrate.Report, error) {
	return f.engine.Run(ctx, token, target)
}

// Rollback reverts the last committed migration of userID within the
// retention window.
func (f *Facade) Rollback(ctx context.Context, userID string) (*namespace.Record, error) {
	ns, err := f.namespaceOf("migrate.rollback", userID)
	if err != nil {
		return nil, err
	}
	return f.engine.Rollback(ctx, ns.Token)
}

// RollbackToken reverts by token.
func (f *Facade) RollbackToken(ctx context.Context, token string) (*namespace.Record, error) {
	return f.engine.Rollback(ctx, token)
}

// Recover rolls back a migration of userID left behind by a process that
// died before committing.
func (f *Facade) Recover(ctx context.Context, userID string) (*namespace.Record, error) {
	ns, err := f.namespaceOf("migrate.recover", userID)
	if err != nil {
		return nil, err
	}
	return f.engine.Recover(ctx, ns.Token)
}

// RecoverToken recovers by token.
func (f *Facade) RecoverToken(ctx context.Context, token string) (*namespace.Record, error) {
	return f.engine.Recover(ctx, token)
}

// RecoverAll recovers every orphaned migration.
func (f *Facade) RecoverAll(ctx context.Context) ([]*namespace.Record, error) {
	return f.engine.RecoverAll(ctx)
}

// Prune discards retained copies whose window has passed.
func (f *Facade) Prune(ctx context.Context) ([]migrate.Pruned, error) {
	return f.engine.Prune(ctx)
}

// Status returns the record of userID without creating it.
func (f *Facade) Status(ctx context.Context, userID string) (*namespace.Record, error) {
	ns, err := f.namespaceOf("namespace.status", userID)
	if err != nil {
		return nil, err
	}
	return f.dir.Get(ctx, ns.Token)
}

// StatusToken returns the record of a token.
func (f *Facade) StatusToken(ctx context.Context, token string) (*namespace.Record, error) {
	return f.dir.Get(ctx, token)
}

// Records lists every namespace record.
func (f *Facade) Records(ctx context.Context) ([]*namespace.Record, error) {
	return f.dir.List(ctx)
}

// Handle returns where the namespace of userID lives on its active backend.
func (f *Facade) Handle(ctx context.Context, userID string) (store.Handle, error) {
	ns, err := f.namespaceOf("namespace.handle", userID)
	if err != nil {
		return store.Handle{}, err
	}
	b, err := f.reader(ctx, "namespace.handle", ns)
	if err != nil {
		return store.Handle{}, err
	}
	return b.Handle(ns), nil
}

// OnClose registers cleanup run by Close after the backends are closed.
func (f *Facade) OnClose(fn func() error) { f.closers = append(f.closers, fn) }

// Close releases the backends and the namer.
func (f *Facade) Close() error {
	var errs []error
	for _, b := range f.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range f.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	f.namer.Close()
	return errors.Join(errs...)
}
