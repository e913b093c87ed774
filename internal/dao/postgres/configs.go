package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

const configColumns = `id, kind, name, params, status, created_at, updated_at`

func configsTable(schema string) string { return pgx.Identifier{schema, tableConfigs}.Sanitize() }

func scanConfig(r pgx.Row) (*store.ConfigObject, error) {
	var c store.ConfigObject
	var kind, status string
	var params []byte
	if err := r.Scan(&c.ID, &kind, &c.Name, &params, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = store.ConfigKind(kind)
	c.Status = store.Status(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if c.Params == nil {
		c.Params = store.Params{}
	}
	return &c, nil
}

func marshalParams(p store.Params) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	return string(b), err
}

// CreateConfig inserts a new configuration object with status ready.
func (b *Backend) CreateConfig(ctx context.Context, ns store.Namespace, kind store.ConfigKind, name string, params store.Params) (string, error) {
	const op = "config.create"
	if err := store.ValidateKind(op, ns, kind); err != nil {
		return "", err
	}
	if err := store.ValidateName(op, ns, name); err != nil {
		return "", err
	}
	p, err := store.NormalizeParams(op, ns, params)
	if err != nil {
		return "", err
	}
	schema, err := b.ensure(ctx, ns)
	if err != nil {
		return "", err
	}
	now := store.Now()
	c := &store.ConfigObject{ID: store.NewID(), Kind: kind, Name: name, Params: p, Status: store.StatusReady, CreatedAt: now, UpdatedAt: now}
	if err := insertConfig(ctx, b.db, schema, ns, op, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// ImportConfig writes c with its id, status and timestamps preserved.
func (b *Backend) ImportConfig(ctx context.Context, ns store.Namespace, c *store.ConfigObject) error {
	const op = "config.import"
	if err := store.ValidateKind(op, ns, c.Kind); err != nil {
		return err
	}
	if err := store.ValidateID(op, ns, "id", c.ID); err != nil {
		return err
	}
	schema, err := b.ensure(ctx, ns)
	if err != nil {
		return err
	}
	return insertConfig(ctx, b.db, schema, ns, op, c)
}

func insertConfig(ctx context.Context, db dbtx, schema string, ns store.Namespace, op string, c *store.ConfigObject) error {
	raw, err := marshalParams(c.Params)
	if err != nil {
		return store.Errorf(store.ErrInvalidArgument, op, ns, "params: %v", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (`+configColumns+`)
        VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
        ON CONFLICT DO NOTHING`, configsTable(schema))
	tag, err := db.Exec(ctx, q, c.ID, string(c.Kind), c.Name, raw, string(c.Status), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return classify(op, ns, err, dbutil.ParamSummary("name", c.Name))
	}
	if tag.RowsAffected() == 0 {
		return store.Errorf(store.ErrDuplicateName, op, ns, "%s %q already exists", c.Kind, c.Name)
	}
	return nil
}

// GetConfig returns one configuration object of kind.
func (b *Backend) GetConfig(ctx context.Context, ns store.Namespace, kind store.ConfigKind, id string) (*store.ConfigObject, error) {
	const op = "config.get"
	if err := store.ValidateKind(op, ns, kind); err != nil {
		return nil, err
	}
	if err := store.ValidateID(op, ns, "id", id); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT `+configColumns+` FROM %s WHERE kind = $1 AND id = $2`, configsTable(SchemaName(ns)))
	c, err := scanConfig(b.db.QueryRow(ctx, q, string(kind), id))
	if errors.Is(err, pgx.ErrNoRows) || isMissingRelation(err) {
		return nil, store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
	}
	if err != nil {
		return nil, classify(op, ns, err, dbutil.ParamSummary("id", id))
	}
	return c, nil
}

type configCursor struct {
	created time.Time
	id      string
}

// ListConfigs streams configuration objects of kind, one page per query.
func (b *Backend) ListConfigs(ctx context.Context, ns store.Namespace, kind store.ConfigKind, f store.ConfigFilter) iter.Seq2[*store.ConfigObject, error] {
	const op = "config.list"
	if err := store.ValidateKind(op, ns, kind); err != nil {
		return store.ErrSeq[*store.ConfigObject](err)
	}
	if err := store.ValidateFilter(op, ns, f); err != nil {
		return store.ErrSeq[*store.ConfigObject](err)
	}
	dir, cmp := "ASC", ">"
	if f.Descending {
		dir, cmp = "DESC", "<"
	}
	table := configsTable(SchemaName(ns))
	fetch := func(after *configCursor, n int) ([]*store.ConfigObject, error) {
		q := `SELECT ` + configColumns + ` FROM ` + table + ` WHERE kind = $1`
		args := []any{string(kind)}
		if f.Status != "" {
			args = append(args, string(f.Status))
			q += fmt.Sprintf(` AND status = $%d`, len(args))
		}
		if f.NamePrefix != "" {
			args = append(args, f.NamePrefix)
			q += fmt.Sprintf(` AND left(name, char_length($%d)) = $%d`, len(args), len(args))
		}
		if after != nil {
			args = append(args, after.created, after.id)
			q += fmt.Sprintf(` AND (created_at, id) %s ($%d, $%d)`, cmp, len(args)-1, len(args))
		}
		args = append(args, n)
		q += fmt.Sprintf(` ORDER BY created_at %s, id %s LIMIT $%d`, dir, dir, len(args))

		rows, err := b.db.Query(ctx, q, args...)
		if isMissingRelation(err) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(op, ns, err, fmt.Sprintf("limit=%d", n))
		}
		defer rows.Close()
		var page []*store.ConfigObject
		for rows.Next() {
			c, err := scanConfig(rows)
			if err != nil {
				return nil, classify(op+".scan", ns, err)
			}
			page = append(page, c)
		}
		if err := rows.Err(); err != nil && !isMissingRelation(err) {
			return nil, classify(op, ns, err)
		}
		return page, nil
	}
	cursor := func(c *store.ConfigObject) configCursor {
		return configCursor{created: c.CreatedAt, id: c.ID}
	}
	return store.Paginate(f.Limit, fetch, cursor)
}

// UpdateConfig replaces the params mapping wholesale and returns the
// mapping it discarded. Concurrent updates serialise on the row lock; the
// last writer wins.
func (b *Backend) UpdateConfig(ctx context.Context, ns store.Namespace, kind store.ConfigKind, id string, params store.Params) (*store.ConfigUpdate, error) {
	const op = "config.update"
	if err := store.ValidateKind(op, ns, kind); err != nil {
		return nil, err
	}
	if err := store.ValidateID(op, ns, "id", id); err != nil {
		return nil, err
	}
	p, err := store.NormalizeParams(op, ns, params)
	if err != nil {
		return nil, err
	}
	raw, err := marshalParams(p)
	if err != nil {
		return nil, store.Errorf(store.ErrInvalidArgument, op, ns, "params: %v", err)
	}
	table := configsTable(SchemaName(ns))
	var out store.ConfigUpdate
	err = pgx.BeginFunc(ctx, b.db, func(tx pgx.Tx) error {
		prev, err := scanConfig(tx.QueryRow(ctx, `SELECT `+configColumns+` FROM `+table+` WHERE kind = $1 AND id = $2 FOR UPDATE`, string(kind), id))
		if errors.Is(err, pgx.ErrNoRows) || isMissingRelation(err) {
			return store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
		}
		if err != nil {
			return dbutil.ErrWrap(op+".select", err, dbutil.ParamSummary("id", id))
		}
		now := store.Now()
		if _, err := tx.Exec(ctx, `UPDATE `+table+` SET params = $1::jsonb, updated_at = $2 WHERE id = $3`, raw, now, id); err != nil {
			return dbutil.ErrWrap(op, err, dbutil.ParamSummary("id", id))
		}
		next := *prev
		next.Params = p
		next.UpdatedAt = now
		out = store.ConfigUpdate{Config: &next, Previous: prev.Params}
		return nil
	})
	if err != nil {
		return nil, classify(op, ns, err)
	}
	return &out, nil
}

// DeleteConfig removes a configuration object. Orchestrators referencing it
// block the delete unless force is set, in which case they are marked error.
func (b *Backend) DeleteConfig(ctx context.Context, ns store.Namespace, kind store.ConfigKind, id string, force bool) error {
	const op = "config.delete"
	if err := store.ValidateKind(op, ns, kind); err != nil {
		return err
	}
	if err := store.ValidateID(op, ns, "id", id); err != nil {
		return err
	}
	table := configsTable(SchemaName(ns))
	err := pgx.BeginFunc(ctx, b.db, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE kind = $1 AND id = $2 FOR UPDATE`, string(kind), id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) || isMissingRelation(err) {
			return store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
		}
		if err != nil {
			return dbutil.ErrWrap(op+".select", err, dbutil.ParamSummary("id", id))
		}
		refs, err := referencingOrchestrators(ctx, tx, table, id)
		if err != nil {
			return dbutil.ErrWrap(op+".refs", err, dbutil.ParamSummary("id", id))
		}
		if len(refs) > 0 && !force {
			return store.Errorf(store.ErrReferentialConflict, op, ns, "%s %q is referenced by %d orchestrator(s)", kind, id, len(refs))
		}
		if len(refs) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE `+table+` SET status = $1, updated_at = $2 WHERE id = ANY($3)`, string(store.StatusError), store.Now(), refs); err != nil {
				return dbutil.ErrWrap(op+".mark", err, dbutil.ParamSummary("orchestrators", refs))
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE kind = $1 AND id = $2`, string(kind), id); err != nil {
			return dbutil.ErrWrap(op, err, dbutil.ParamSummary("id", id))
		}
		return nil
	})
	return classify(op, ns, err)
}

func referencingOrchestrators(ctx context.Context, tx pgx.Tx, table, id string) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT id, params FROM `+table+` WHERE kind = $1 AND id <> $2 FOR UPDATE`, string(store.KindOrchestrator), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var oid string
		var raw []byte
		if err := rows.Scan(&oid, &raw); err != nil {
			return nil, err
		}
		var p store.Params
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		if store.References(p, id) {
			out = append(out, oid)
		}
	}
	return out, rows.Err()
}
