package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/store"
)

const recordColumns = `token, active_backend, source, target, phase, migration_id, retain_until, created_at, updated_at, version`

// EnsureControlSchema creates the control schema and its namespaces table.
func EnsureControlSchema(ctx context.Context, db *pgxpool.Pool, schema string) error {
	sid := pgx.Identifier{schema}.Sanitize()
	qual := func(tbl string) string { return pgx.Identifier{schema, tbl}.Sanitize() }
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, sid),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            token TEXT COLLATE "C" PRIMARY KEY,
            active_backend TEXT NOT NULL,
            source TEXT NOT NULL DEFAULT '',
            target TEXT NOT NULL DEFAULT '',
            phase TEXT NOT NULL DEFAULT 'idle',
            migration_id TEXT NOT NULL DEFAULT '',
            retain_until TIMESTAMPTZ NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            version BIGINT NOT NULL DEFAULT 1
        )`, qual("namespaces")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_namespaces_retain ON %s(retain_until) WHERE retain_until IS NOT NULL`, qual("namespaces")),
	}
	for i, s := range stmts {
		if _, err := db.Exec(ctx, s); err != nil {
			return dbutil.ErrWrap("control.ensure_schema", err,
				dbutil.ParamSummary("schema", schema),
				fmt.Sprintf("stmt_index=%d", i))
		}
	}
	return nil
}

// ControlDirectory persists namespace records in <schema>.namespaces.
type ControlDirectory struct {
	db    *pgxpool.Pool
	table string
}

var _ namespace.Directory = (*ControlDirectory)(nil)

// NewControlDirectory returns a directory over an existing control schema.
func NewControlDirectory(db *pgxpool.Pool, schema string) *ControlDirectory {
	return &ControlDirectory{db: db, table: pgx.Identifier{schema, "namespaces"}.Sanitize()}
}

func scanRecord(r pgx.Row) (*namespace.Record, error) {
	var rec namespace.Record
	var active, source, target, phase string
	var retain *time.Time
	if err := r.Scan(&rec.Token, &active, &source, &target, &phase, &rec.MigrationID, &retain, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version); err != nil {
		return nil, err
	}
	rec.Active = store.BackendKind(active)
	rec.Source = store.BackendKind(source)
	rec.Target = store.BackendKind(target)
	rec.Phase = namespace.Phase(phase)
	if retain != nil {
		t := retain.UTC()
		rec.RetainUntil = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (d *ControlDirectory) Get(ctx context.Context, token string) (*namespace.Record, error) {
	ns := store.Namespace{Token: token}
	rec, err := scanRecord(d.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM `+d.table+` WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.Errorf(store.ErrNotFound, "namespace.get", ns, "no record")
	}
	if err != nil {
		return nil, classify("namespace.get", ns, err)
	}
	return rec, nil
}

// CreateIfAbsent relies on the primary key: the insert either lands or
// yields to the record another caller stored first.
func (d *ControlDirectory) CreateIfAbsent(ctx context.Context, rec namespace.Record) (*namespace.Record, bool, error) {
	ns := rec.Namespace()
	if rec.Version == 0 {
		rec.Version = 1
	}
	q := `INSERT INTO ` + d.table + ` (` + recordColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (token) DO NOTHING
        RETURNING ` + recordColumns
	stored, err := scanRecord(d.db.QueryRow(ctx, q,
		rec.Token, string(rec.Active), string(rec.Source), string(rec.Target), string(rec.Phase),
		rec.MigrationID, rec.RetainUntil, rec.CreatedAt, rec.UpdatedAt, rec.Version))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := d.Get(ctx, rec.Token)
		return existing, false, err
	}
	if err != nil {
		return nil, false, classify("namespace.create", ns, err)
	}
	return stored, true, nil
}

func (d *ControlDirectory) CompareAndSwap(ctx context.Context, old *namespace.Record, next namespace.Record) (*namespace.Record, error) {
	ns := old.Namespace()
	q := `UPDATE ` + d.table + `
        SET active_backend = $2, source = $3, target = $4, phase = $5, migration_id = $6,
            retain_until = $7, updated_at = $8, version = version + 1
        WHERE token = $1 AND version = $9
        RETURNING ` + recordColumns
	stored, err := scanRecord(d.db.QueryRow(ctx, q,
		old.Token, string(next.Active), string(next.Source), string(next.Target), string(next.Phase),
		next.MigrationID, next.RetainUntil, next.UpdatedAt, old.Version))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := d.Get(ctx, old.Token); gerr != nil {
			return nil, gerr
		}
		return nil, namespace.ErrStale
	}
	if err != nil {
		return nil, classify("namespace.cas", ns, err)
	}
	return stored, nil
}

func (d *ControlDirectory) List(ctx context.Context) ([]*namespace.Record, error) {
	rows, err := d.db.Query(ctx, `SELECT `+recordColumns+` FROM `+d.table+` ORDER BY token`)
	if err != nil {
		return nil, classify("namespace.list", store.Namespace{}, err)
	}
	defer rows.Close()
	var out []*namespace.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("namespace.list.scan", store.Namespace{}, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("namespace.list", store.Namespace{}, err)
	}
	return out, nil
}
