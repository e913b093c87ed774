// Package migrate moves a namespace between backends: it copies every
// entity, validates the copy by row counts and checksums, then flips the
// namespace record or rolls back.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/observe"
	"github.com/flarebyte/redstore/internal/store"
)

// abortTimeout bounds the cleanup of a failed migration.
const abortTimeout = 30 * time.Second

// Hook runs between copying and validating. A non-nil error aborts the
// migration.
type Hook func(ctx context.Context, rec namespace.Record) error

// Options configures an Engine.
type Options struct {
	Backends  map[store.BackendKind]store.Backend
	Directory namespace.Directory
	// Gate is shared with the session layer: writers hold it shared, the
	// engine takes it exclusively while flipping the record.
	Gate      *store.KeyedRWMutex
	Observer  *observe.Observer
	Retention time.Duration
	Clock     func() time.Time
	AfterCopy Hook
}

// Engine runs migrations, rollbacks and prunes.
type Engine struct {
	backends  map[store.BackendKind]store.Backend
	dir       namespace.Directory
	gate      *store.KeyedRWMutex
	obs       *observe.Observer
	retention time.Duration
	now       func() time.Time
	afterCopy Hook

	mu      sync.Mutex
	running map[string]string // token -> migration id run by this engine
}

// Report describes the outcome of a Run.
type Report struct {
	MigrationID string            `json:"migration_id,omitempty"`
	Namespace   string            `json:"namespace"`
	Source      store.BackendKind `json:"source"`
	Target      store.BackendKind `json:"target"`
	Phase       namespace.Phase   `json:"phase"`
	NoOp        bool              `json:"no_op"`
	Digests     map[string]Digest `json:"digests,omitempty"`
	RetainUntil *time.Time        `json:"retain_until,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Pruned names a retained copy discarded by Prune.
type Pruned struct {
	Namespace string            `json:"namespace"`
	Backend   store.BackendKind `json:"backend"`
}

func New(opts Options) (*Engine, error) {
	if opts.Directory == nil {
		return nil, store.Errorf(store.ErrConfiguration, "migrate.new", store.Namespace{}, "directory is not set")
	}
	if len(opts.Backends) == 0 {
		return nil, store.Errorf(store.ErrConfiguration, "migrate.new", store.Namespace{}, "no backends")
	}
	if opts.Gate == nil {
		opts.Gate = store.NewKeyedRWMutex()
	}
	if opts.Observer == nil {
		opts.Observer = observe.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = store.Now
	}
	return &Engine{
		backends:  opts.Backends,
		dir:       opts.Directory,
		gate:      opts.Gate,
		obs:       opts.Observer,
		retention: opts.Retention,
		now:       opts.Clock,
		afterCopy: opts.AfterCopy,
		running:   make(map[string]string),
	}, nil
}

func (e *Engine) backend(op string, ns store.Namespace, kind store.BackendKind) (store.Backend, error) {
	b, ok := e.backends[kind]
	if !ok || !kind.Valid() {
		return nil, store.Errorf(store.ErrConfiguration, op, ns, "backend %q is not configured", kind)
	}
	return b, nil
}

// Run migrates the namespace of token to target. Running again once the
// namespace is on target is a successful no-op.
func (e *Engine) Run(ctx context.Context, token string, target store.BackendKind) (rep *Report, err error) {
	const op = "migrate.run"
	ns := store.Namespace{Token: token}
	ctx, span := e.obs.StartSpan(ctx, op, observe.Namespace(ns.Category()), attribute.String("redstore.target", string(target)))
	defer func() { e.obs.EndSpan(span, err) }()

	if !target.Valid() {
		return nil, store.Errorf(store.ErrInvalidArgument, op, ns, "unknown target backend %q", target)
	}
	dst, err := e.backend(op, ns, target)
	if err != nil {
		return nil, err
	}
	rec, err := e.dir.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	started := e.now()
	if rec.Migrating() {
		return nil, store.Errorf(store.ErrMigrationInProgress, op, ns, "migration %s is %s", rec.MigrationID, rec.Phase)
	}
	if rec.Active == target {
		return &Report{
			MigrationID: rec.MigrationID, Namespace: ns.Category(), Source: target, Target: target,
			Phase: rec.Phase, NoOp: true, RetainUntil: rec.RetainUntil, StartedAt: started, FinishedAt: e.now(),
		}, nil
	}
	srcKind := rec.Active
	src, err := e.backend(op, ns, srcKind)
	if err != nil {
		return nil, err
	}

	cur, err := e.prepare(ctx, rec, target)
	if err != nil {
		return nil, err
	}
	e.track(token, cur.MigrationID)
	defer e.untrack(token)
	rep = &Report{
		MigrationID: cur.MigrationID, Namespace: ns.Category(), Source: srcKind, Target: target,
		Phase: cur.Phase, StartedAt: started,
	}
	log := e.obs.Log().With().Str("ns", ns.Category()).Str("migration_id", cur.MigrationID).Logger()
	log.Info().Str("source", string(srcKind)).Str("target", string(target)).Msg("migration started")

	cur, digests, err := e.copyAndValidate(ctx, cur, src, dst)
	if err != nil {
		log.Warn().Err(err).Str("phase", string(cur.Phase)).Msg("migration aborted")
		rep.Phase = namespace.PhaseRolledBack
		rep.FinishedAt = e.now()
		if aerr := e.abort(ctx, cur, dst); aerr != nil {
			return rep, errors.Join(err, aerr)
		}
		return rep, err
	}

	committed, err := e.commit(ctx, cur, srcKind, target)
	if err != nil {
		rep.Phase = namespace.PhaseRolledBack
		rep.FinishedAt = e.now()
		if aerr := e.abort(ctx, cur, dst); aerr != nil {
			return rep, errors.Join(err, aerr)
		}
		return rep, err
	}
	rep.Phase = committed.Phase
	rep.Digests = digests
	rep.RetainUntil = committed.RetainUntil
	rep.FinishedAt = e.now()
	log.Info().Int("configs", int(digests[EntityConfigs].Rows)).
		Int("turns", int(digests[EntityTurns].Rows)).
		Int("embeddings", int(digests[EntityEmbeddings].Rows)).
		Msg("migration committed")
	return rep, nil
}

// prepare claims the namespace. The exclusive gate drains in-flight writes
// before the record flips to migrating; losing the swap means another
// migration got there first.
func (e *Engine) prepare(ctx context.Context, rec *namespace.Record, target store.BackendKind) (*namespace.Record, error) {
	const op = "migrate.prepare"
	ns := rec.Namespace()
	release := e.gate.Lock(rec.Token)
	defer release()

	next := rec.Clone()
	next.Active = store.BackendMigrating
	next.Source = rec.Active
	next.Target = target
	next.Phase = namespace.PhasePreparing
	next.MigrationID = uuid.NewString()
	next.RetainUntil = nil
	next.UpdatedAt = e.now()
	cur, err := e.dir.CompareAndSwap(ctx, rec, next)
	if errors.Is(err, namespace.ErrStale) {
		return nil, store.Errorf(store.ErrMigrationInProgress, op, ns, "namespace changed concurrently")
	}
	return cur, err
}

func (e *Engine) advance(ctx context.Context, cur *namespace.Record, phase namespace.Phase) (*namespace.Record, error) {
	next := cur.Clone()
	next.Phase = phase
	next.UpdatedAt = e.now()
	out, err := e.dir.CompareAndSwap(ctx, cur, next)
	if errors.Is(err, namespace.ErrStale) {
		return cur, store.Errorf(store.ErrMigrationInProgress, "migrate."+string(phase), cur.Namespace(), "record changed during migration")
	}
	if err != nil {
		return cur, err
	}
	e.obs.Log().Debug().Str("ns", cur.Namespace().Category()).Str("phase", string(phase)).Msg("migration phase")
	return out, nil
}

func checkCtx(ctx context.Context, op string, ns store.Namespace) error {
	if err := ctx.Err(); err != nil {
		return store.Wrap(store.ErrBackendUnavailable, op, ns, err)
	}
	return nil
}

// copyAndValidate returns the latest record it stored even on failure so
// that abort swaps from the right version.
func (e *Engine) copyAndValidate(ctx context.Context, cur *namespace.Record, src, dst store.Backend) (*namespace.Record, map[string]Digest, error) {
	ns := cur.Namespace()
	// a previous migration may have left a retained copy on the target
	if err := dst.Drop(ctx, ns); err != nil {
		return cur, nil, err
	}
	if err := dst.Provision(ctx, ns); err != nil {
		return cur, nil, err
	}

	cur, err := e.advance(ctx, cur, namespace.PhaseCopying)
	if err != nil {
		return cur, nil, err
	}
	if err := e.copyAll(ctx, ns, src, dst); err != nil {
		return cur, nil, err
	}
	if e.afterCopy != nil {
		if err := e.afterCopy(ctx, cur.Clone()); err != nil {
			return cur, nil, err
		}
	}
	if err := checkCtx(ctx, "migrate.copying", ns); err != nil {
		return cur, nil, err
	}

	cur, err = e.advance(ctx, cur, namespace.PhaseValidating)
	if err != nil {
		return cur, nil, err
	}
	want, err := Checksums(ctx, src, ns)
	if err != nil {
		return cur, nil, err
	}
	got, err := Checksums(ctx, dst, ns)
	if err != nil {
		return cur, nil, err
	}
	for _, entity := range []string{EntityConfigs, EntityTurns, EntityEmbeddings} {
		if want[entity] != got[entity] {
			return cur, nil, store.Errorf(store.ErrMigrationValidationFailed, "migrate.validating", ns,
				"%s: source rows=%d destination rows=%d checksum mismatch=%t",
				entity, want[entity].Rows, got[entity].Rows, want[entity].Sum != got[entity].Sum)
		}
	}
	if err := checkCtx(ctx, "migrate.validating", ns); err != nil {
		return cur, nil, err
	}
	return cur, want, nil
}

func (e *Engine) copyAll(ctx context.Context, ns store.Namespace, src, dst store.Backend) error {
	for _, kind := range store.ConfigKinds {
		for c, err := range src.ListConfigs(ctx, ns, kind, store.ConfigFilter{}) {
			if err != nil {
				return err
			}
			if err := dst.ImportConfig(ctx, ns, c); err != nil {
				return err
			}
		}
	}
	if err := checkCtx(ctx, "migrate.copying", ns); err != nil {
		return err
	}
	convs, err := src.Conversations(ctx, ns)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		for t, err := range src.ReadConversation(ctx, ns, conv, store.TurnRange{}) {
			if err != nil {
				return err
			}
			if err := dst.ImportTurn(ctx, ns, t); err != nil {
				return err
			}
		}
		if err := checkCtx(ctx, "migrate.copying", ns); err != nil {
			return err
		}
	}
	for emb, err := range src.ReadEmbeddings(ctx, ns, "") {
		if err != nil {
			return err
		}
		if err := dst.ImportEmbedding(ctx, ns, emb); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, cur *namespace.Record, source, target store.BackendKind) (*namespace.Record, error) {
	now := e.now()
	until := now.Add(e.retention)
	next := cur.Clone()
	next.Active = target
	next.Source = source
	next.Target = ""
	next.Phase = namespace.PhaseCommitted
	next.RetainUntil = &until
	next.UpdatedAt = now
	out, err := e.dir.CompareAndSwap(ctx, cur, next)
	if errors.Is(err, namespace.ErrStale) {
		return nil, store.Errorf(store.ErrMigrationInProgress, "migrate.commit", cur.Namespace(), "record changed during migration")
	}
	return out, err
}

// abort restores the source as active and discards the destination. It
// runs on a context detached from the caller so that a cancelled migration
// still cleans up.
func (e *Engine) abort(ctx context.Context, cur *namespace.Record, dst store.Backend) error {
	ns := cur.Namespace()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	var errs []error
	if err := dst.Drop(actx, ns); err != nil {
		errs = append(errs, err)
	}
	latest, err := e.dir.Get(actx, cur.Token)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if latest.MigrationID != cur.MigrationID || !latest.Migrating() {
		return errors.Join(errs...)
	}
	next := latest.Clone()
	next.Active = latest.Source
	next.Source = ""
	next.Target = ""
	next.Phase = namespace.PhaseRolledBack
	next.RetainUntil = nil
	next.UpdatedAt = e.now()
	if _, err := e.dir.CompareAndSwap(actx, latest, next); err != nil {
		errs = append(errs, err)
	}
	e.obs.Log().Info().Str("ns", ns.Category()).Str("migration_id", cur.MigrationID).Msg("migration rolled back")
	return errors.Join(errs...)
}

func (e *Engine) track(token, id string) {
	e.mu.Lock()
	e.running[token] = id
	e.mu.Unlock()
}

func (e *Engine) untrack(token string) {
	e.mu.Lock()
	delete(e.running, token)
	e.mu.Unlock()
}

func (e *Engine) live(token, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[token] == id
}

// Recover rolls back a migration whose process died before it committed or
// aborted. The destination is dropped and the source becomes active again.
// A migration still running in this engine is left alone.
func (e *Engine) Recover(ctx context.Context, token string) (rec *namespace.Record, err error) {
	const op = "migrate.recover"
	ns := store.Namespace{Token: token}
	ctx, span := e.obs.StartSpan(ctx, op, observe.Namespace(ns.Category()))
	defer func() { e.obs.EndSpan(span, err) }()

	cur, err := e.dir.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if !cur.Migrating() {
		return nil, store.Errorf(store.ErrNotFound, op, ns, "no migration to recover")
	}
	if e.live(token, cur.MigrationID) {
		return nil, store.Errorf(store.ErrMigrationInProgress, op, ns, "migration %s is still running", cur.MigrationID)
	}
	if _, err := e.backend(op, ns, cur.Source); err != nil {
		return nil, err
	}
	dst, err := e.backend(op, ns, cur.Target)
	if err != nil {
		return nil, err
	}
	e.obs.Log().Warn().Str("ns", ns.Category()).Str("migration_id", cur.MigrationID).
		Str("phase", string(cur.Phase)).Msg("recovering orphaned migration")
	if err := e.abort(ctx, cur, dst); err != nil {
		return nil, err
	}
	out, err := e.dir.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if out.Migrating() {
		return nil, store.Errorf(store.ErrMigrationInProgress, op, ns, "migration %s claimed the namespace", out.MigrationID)
	}
	return out, nil
}

// RecoverAll recovers every orphaned migration in the directory.
func (e *Engine) RecoverAll(ctx context.Context) (recovered []*namespace.Record, err error) {
	recs, err := e.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, rec := range recs {
		if !rec.Migrating() || e.live(rec.Token, rec.MigrationID) {
			continue
		}
		out, err := e.Recover(ctx, rec.Token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recovered = append(recovered, out)
	}
	return recovered, errors.Join(errs...)
}

// Rollback flips a committed namespace back to its retained source and
// discards the copy that was active. Writes made after the commit are lost.
func (e *Engine) Rollback(ctx context.Context, token string) (rec *namespace.Record, err error) {
	const op = "migrate.rollback"
	ns := store.Namespace{Token: token}
	ctx, span := e.obs.StartSpan(ctx, op, observe.Namespace(ns.Category()))
	defer func() { e.obs.EndSpan(span, err) }()

	cur, err := e.dir.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if cur.Migrating() {
		return nil, store.Errorf(store.ErrMigrationInProgress, op, ns, "migration %s is %s", cur.MigrationID, cur.Phase)
	}
	if !cur.Retained(e.now()) {
		return nil, store.Errorf(store.ErrNotFound, op, ns, "no retained copy to roll back to")
	}
	discard, err := e.backend(op, ns, cur.Active)
	if err != nil {
		return nil, err
	}
	if _, err := e.backend(op, ns, cur.Source); err != nil {
		return nil, err
	}

	release := e.gate.Lock(token)
	next := cur.Clone()
	next.Active = cur.Source
	next.Source = ""
	next.Target = ""
	next.Phase = namespace.PhaseRolledBack
	next.RetainUntil = nil
	next.UpdatedAt = e.now()
	out, err := e.dir.CompareAndSwap(ctx, cur, next)
	release()
	if errors.Is(err, namespace.ErrStale) {
		return nil, store.Errorf(store.ErrMigrationInProgress, op, ns, "namespace changed concurrently")
	}
	if err != nil {
		return nil, err
	}
	if err := discard.Drop(ctx, ns); err != nil {
		return out, err
	}
	e.obs.Log().Info().Str("ns", ns.Category()).Str("active", string(out.Active)).Msg("migration reverted")
	return out, nil
}

// Prune discards retained sources whose window has passed.
func (e *Engine) Prune(ctx context.Context) (pruned []Pruned, err error) {
	const op = "migrate.prune"
	ctx, span := e.obs.StartSpan(ctx, op)
	defer func() { e.obs.EndSpan(span, err) }()

	recs, err := e.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var errs []error
	for _, rec := range recs {
		if rec.Migrating() || rec.RetainUntil == nil || rec.Retained(now) {
			continue
		}
		ns := rec.Namespace()
		next := rec.Clone()
		next.Source = ""
		next.RetainUntil = nil
		next.UpdatedAt = now
		if _, err := e.dir.CompareAndSwap(ctx, rec, next); err != nil {
			if errors.Is(err, namespace.ErrStale) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !rec.Source.Valid() || rec.Source == rec.Active {
			continue
		}
		b, err := e.backend(op, ns, rec.Source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.Drop(ctx, ns); err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", ns.Category(), err))
			continue
		}
		pruned = append(pruned, Pruned{Namespace: ns.Category(), Backend: rec.Source})
	}
	if len(pruned) > 0 {
		e.obs.Log().Info().Int("count", len(pruned)).Msg("retained copies pruned")
	}
	return pruned, errors.Join(errs...)
}
