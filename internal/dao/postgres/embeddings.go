package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

const (
	embeddingColumns = `conversation_id, embedding_type, vector, metadata, created_at`
	// minEfSearch is pgvector's default hnsw.ef_search.
	minEfSearch = 40
)

func embeddingsTable(schema string) string { return pgx.Identifier{schema, tableEmbeddings}.Sanitize() }

func scanEmbedding(r pgx.Row, extra ...any) (*store.Embedding, error) {
	var e store.Embedding
	var v pgvector.Vector
	var md []byte
	dest := append([]any{&e.ConversationID, &e.EmbeddingType, &v, &md, &e.CreatedAt}, extra...)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	e.Vector = v.Slice()
	e.CreatedAt = e.CreatedAt.UTC()
	if len(md) > 0 {
		if err := json.Unmarshal(md, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if e.Metadata == nil {
		e.Metadata = store.Params{}
	}
	return &e, nil
}

// UpsertEmbedding replaces the row for (conversation_id, embedding_type).
func (b *Backend) UpsertEmbedding(ctx context.Context, ns store.Namespace, e store.Embedding) error {
	const op = "embedding.upsert"
	v, err := store.ValidateEmbedding(op, ns, b.dim, e)
	if err != nil {
		return err
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = store.Now()
	}
	schema, err := b.ensure(ctx, ns)
	if err != nil {
		return err
	}
	return classify(op, ns, upsertEmbedding(ctx, b.db, schema, ns, op, &v))
}

// ImportEmbedding writes e with its timestamp preserved.
func (b *Backend) ImportEmbedding(ctx context.Context, ns store.Namespace, e *store.Embedding) error {
	const op = "embedding.import"
	if err := store.ValidateVector(op, ns, b.dim, e.Vector); err != nil {
		return err
	}
	schema, err := b.ensure(ctx, ns)
	if err != nil {
		return err
	}
	return classify(op, ns, upsertEmbedding(ctx, b.db, schema, ns, op, e))
}

func upsertEmbedding(ctx context.Context, db dbtx, schema string, ns store.Namespace, op string, e *store.Embedding) error {
	md, err := marshalParams(e.Metadata)
	if err != nil {
		return store.Errorf(store.ErrInvalidArgument, op, ns, "metadata: %v", err)
	}
	q := `INSERT INTO ` + embeddingsTable(schema) + ` (` + embeddingColumns + `)
        VALUES ($1, $2, $3::vector, $4::jsonb, $5)
        ON CONFLICT (conversation_id, embedding_type) DO UPDATE SET
            vector = EXCLUDED.vector,
            metadata = EXCLUDED.metadata,
            created_at = EXCLUDED.created_at`
	if _, err := db.Exec(ctx, q, e.ConversationID, e.EmbeddingType, pgvector.NewVector(e.Vector), md, e.CreatedAt); err != nil {
		return dbutil.ErrWrap(op, err,
			dbutil.ParamSummary("conversation", e.ConversationID),
			dbutil.ParamSummary("type", e.EmbeddingType),
			dbutil.ParamSummary("vector", e.Vector))
	}
	return nil
}

type embeddingCursor struct {
	conversation string
	typ          string
}

// ReadEmbeddings streams embeddings of one type, or of every type when
// embeddingType is empty, ordered by (conversation_id, embedding_type).
func (b *Backend) ReadEmbeddings(ctx context.Context, ns store.Namespace, embeddingType string) iter.Seq2[*store.Embedding, error] {
	const op = "embedding.read"
	if err := store.ValidateText(op, ns, "embedding_type", embeddingType); err != nil {
		return store.ErrSeq[*store.Embedding](err)
	}
	table := embeddingsTable(SchemaName(ns))
	fetch := func(after *embeddingCursor, n int) ([]*store.Embedding, error) {
		q := `SELECT ` + embeddingColumns + ` FROM ` + table + ` WHERE true`
		var args []any
		if embeddingType != "" {
			args = append(args, embeddingType)
			q += fmt.Sprintf(` AND embedding_type = $%d`, len(args))
		}
		if after != nil {
			args = append(args, after.conversation, after.typ)
			q += fmt.Sprintf(` AND (conversation_id, embedding_type) > ($%d, $%d)`, len(args)-1, len(args))
		}
		args = append(args, n)
		q += fmt.Sprintf(` ORDER BY conversation_id, embedding_type LIMIT $%d`, len(args))

		rows, err := b.db.Query(ctx, q, args...)
		if isMissingRelation(err) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(op, ns, err, dbutil.ParamSummary("type", embeddingType))
		}
		defer rows.Close()
		var page []*store.Embedding
		for rows.Next() {
			e, err := scanEmbedding(rows)
			if err != nil {
				return nil, classify(op+".scan", ns, err)
			}
			page = append(page, e)
		}
		if err := rows.Err(); err != nil && !isMissingRelation(err) {
			return nil, classify(op, ns, err)
		}
		return page, nil
	}
	cursor := func(e *store.Embedding) embeddingCursor {
		return embeddingCursor{conversation: e.ConversationID, typ: e.EmbeddingType}
	}
	return store.Paginate(0, fetch, cursor)
}

// NearestEmbeddings returns up to k embeddings of the given type by
// ascending L2 distance through the HNSW index. Results are approximate:
// the index may miss true neighbours and, because the type filter applies
// after the index scan, may return fewer than k rows.
func (b *Backend) NearestEmbeddings(ctx context.Context, ns store.Namespace, embeddingType string, query []float32, k int) (*store.NearestResult, error) {
	const op = "embedding.nearest"
	if err := store.ValidateNearest(op, ns, b.dim, embeddingType, query, k); err != nil {
		return nil, err
	}
	res := &store.NearestResult{Backend: store.BackendRelational, Exact: false, Metric: store.MetricL2, Neighbors: []store.Neighbor{}}
	ef := 2 * k
	if ef < minEfSearch {
		ef = minEfSearch
	}
	if ef > store.MaxNearestK {
		ef = store.MaxNearestK
	}
	q := `SELECT ` + embeddingColumns + `, vector <-> $1::vector AS distance
        FROM ` + embeddingsTable(SchemaName(ns)) + `
        WHERE embedding_type = $2
        ORDER BY vector <-> $1::vector
        LIMIT $3`
	err := pgx.BeginFunc(ctx, b.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('hnsw.ef_search', $1, true)`, fmt.Sprint(ef)); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, q, pgvector.NewVector(query), embeddingType, k)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var dist float64
			e, err := scanEmbedding(rows, &dist)
			if err != nil {
				return err
			}
			res.Neighbors = append(res.Neighbors, store.Neighbor{Embedding: *e, Distance: dist})
		}
		return rows.Err()
	})
	if isMissingRelation(err) {
		return res, nil
	}
	if err != nil {
		return nil, classify(op, ns, err, dbutil.ParamSummary("type", embeddingType), fmt.Sprintf("k=%d", k))
	}
	return res, nil
}
