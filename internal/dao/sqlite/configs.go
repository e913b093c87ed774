package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

const configColumns = `id, kind, name, params, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(r rowScanner) (*store.ConfigObject, error) {
	var c store.ConfigObject
	var kind, status string
	var params []byte
	var created, updated int64
	if err := r.Scan(&c.ID, &kind, &c.Name, &params, &status, &created, &updated); err != nil {
		return nil, err
	}
	c.Kind = store.ConfigKind(kind)
	c.Status = store.Status(status)
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	c.Params = store.Params{}
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
	now := store.Now()
	c := &store.ConfigObject{ID: store.NewID(), Kind: kind, Name: name, Params: p, Status: store.StatusReady, CreatedAt: now, UpdatedAt: now}
	err = b.write(ctx, ns, op, func(tx *sql.Tx) error {
		return insertConfig(ctx, tx, ns, op, c)
	})
	if err != nil {
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
	return b.write(ctx, ns, op, func(tx *sql.Tx) error {
		return insertConfig(ctx, tx, ns, op, c)
	})
}

func insertConfig(ctx context.Context, tx *sql.Tx, ns store.Namespace, op string, c *store.ConfigObject) error {
	raw, err := marshalParams(c.Params)
	if err != nil {
		return store.Errorf(store.ErrInvalidArgument, op, ns, "params: %v", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO configs (`+configColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT DO NOTHING`,
		c.ID, string(c.Kind), c.Name, string(raw), string(c.Status), micros(c.CreatedAt), micros(c.UpdatedAt))
	if err != nil {
		return dbutil.ErrWrap(op, err, dbutil.ParamSummary("name", c.Name))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbutil.ErrWrap(op, err)
	}
	if n == 0 {
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
	var out *store.ConfigObject
	err := b.read(ctx, ns, func(db *sql.DB) error {
		if db == nil {
			return store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
		}
		c, err := scanConfig(db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM configs WHERE kind = ? AND id = ?`, string(kind), id))
		if errors.Is(err, sql.ErrNoRows) {
			return store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
		}
		if err != nil {
			return classify(op, ns, err, dbutil.ParamSummary("id", id))
		}
		out = c
		return nil
	})
	return out, err
}

type configCursor struct {
	created int64
	id      string
}

// ListConfigs streams configuration objects of kind page by page. The
// namespace lock is held per page, not across the whole sequence.
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
	fetch := func(after *configCursor, n int) ([]*store.ConfigObject, error) {
		q := `SELECT ` + configColumns + ` FROM configs WHERE kind = ?`
		args := []any{string(kind)}
		if f.Status != "" {
			q += ` AND status = ?`
			args = append(args, string(f.Status))
		}
		if f.NamePrefix != "" {
			q += ` AND substr(name, 1, length(?)) = ?`
			args = append(args, f.NamePrefix, f.NamePrefix)
		}
		if after != nil {
			q += fmt.Sprintf(` AND (created_at, id) %s (?, ?)`, cmp)
			args = append(args, after.created, after.id)
		}
		q += fmt.Sprintf(` ORDER BY created_at %s, id %s LIMIT ?`, dir, dir)
		args = append(args, n)

		var page []*store.ConfigObject
		err := b.read(ctx, ns, func(db *sql.DB) error {
			if db == nil {
				return nil
			}
			rows, err := db.QueryContext(ctx, q, args...)
			if err != nil {
				return classify(op, ns, err, fmt.Sprintf("limit=%d", n))
			}
			defer rows.Close()
			for rows.Next() {
				c, err := scanConfig(rows)
				if err != nil {
					return classify(op+".scan", ns, err)
				}
				page = append(page, c)
			}
			return classify(op, ns, rows.Err())
		})
		return page, err
	}
	cursor := func(c *store.ConfigObject) configCursor {
		return configCursor{created: micros(c.CreatedAt), id: c.ID}
	}
	return store.Paginate(f.Limit, fetch, cursor)
}

// UpdateConfig replaces the params mapping wholesale and returns the
// mapping it discarded.
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
	if !b.Exists(ns) {
		return nil, store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
	}
	raw, err := marshalParams(p)
	if err != nil {
		return nil, store.Errorf(store.ErrInvalidArgument, op, ns, "params: %v", err)
	}
	var out store.ConfigUpdate
	err = b.write(ctx, ns, op, func(tx *sql.Tx) error {
		prev, err := scanConfig(tx.QueryRowContext(ctx, `SELECT `+configColumns+` FROM configs WHERE kind = ? AND id = ?`, string(kind), id))
		if errors.Is(err, sql.ErrNoRows) {
			return store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
		}
		if err != nil {
			return dbutil.ErrWrap(op+".select", err, dbutil.ParamSummary("id", id))
		}
		now := store.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE configs SET params = ?, updated_at = ? WHERE id = ?`, string(raw), micros(now), id); err != nil {
			return dbutil.ErrWrap(op, err, dbutil.ParamSummary("id", id))
		}
		next := *prev
		next.Params = p
		next.UpdatedAt = now
		out = store.ConfigUpdate{Config: &next, Previous: prev.Params}
		return nil
	})
	if err != nil {
		return nil, err
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
	if !b.Exists(ns) {
		return store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
	}
	return b.write(ctx, ns, op, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM configs WHERE kind = ? AND id = ?`, string(kind), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Errorf(store.ErrNotFound, op, ns, "%s %q", kind, id)
		}
		if err != nil {
			return dbutil.ErrWrap(op+".select", err, dbutil.ParamSummary("id", id))
		}
		refs, err := referencingOrchestrators(ctx, tx, id)
		if err != nil {
			return dbutil.ErrWrap(op+".refs", err, dbutil.ParamSummary("id", id))
		}
		if len(refs) > 0 && !force {
			return store.Errorf(store.ErrReferentialConflict, op, ns, "%s %q is referenced by %d orchestrator(s)", kind, id, len(refs))
		}
		now := micros(store.Now())
		for _, ref := range refs {
			if _, err := tx.ExecContext(ctx, `UPDATE configs SET status = ?, updated_at = ? WHERE id = ?`, string(store.StatusError), now, ref); err != nil {
				return dbutil.ErrWrap(op+".mark", err, dbutil.ParamSummary("orchestrator", ref))
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM configs WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
			return dbutil.ErrWrap(op, err, dbutil.ParamSummary("id", id))
		}
		return nil
	})
}

func marshalParams(p store.Params) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func referencingOrchestrators(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, params FROM configs WHERE kind = ? AND id <> ?`, string(store.KindOrchestrator), id)
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
