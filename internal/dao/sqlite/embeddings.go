package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

const embeddingColumns = `conversation_id, embedding_type, vector, metadata, created_at`

func scanEmbedding(r rowScanner, extra ...any) (*store.Embedding, error) {
	var e store.Embedding
	var blob, md []byte
	var created int64
	dest := append([]any{&e.ConversationID, &e.EmbeddingType, &blob, &md, &created}, extra...)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	v, err := decodeVector(blob)
	if err != nil {
		return nil, err
	}
	e.Vector = v
	e.CreatedAt = fromMicros(created)
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
	v, err := store.ValidateEmbedding(op, ns, b.opts.Dimension, e)
	if err != nil {
		return err
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = store.Now()
	}
	return b.write(ctx, ns, op, func(tx *sql.Tx) error {
		return upsertEmbedding(ctx, tx, ns, op, &v)
	})
}

// ImportEmbedding writes e with its timestamp preserved.
func (b *Backend) ImportEmbedding(ctx context.Context, ns store.Namespace, e *store.Embedding) error {
	const op = "embedding.import"
	if err := store.ValidateVector(op, ns, b.opts.Dimension, e.Vector); err != nil {
		return err
	}
	return b.write(ctx, ns, op, func(tx *sql.Tx) error {
		return upsertEmbedding(ctx, tx, ns, op, e)
	})
}

func upsertEmbedding(ctx context.Context, tx *sql.Tx, ns store.Namespace, op string, e *store.Embedding) error {
	md, err := marshalParams(e.Metadata)
	if err != nil {
		return store.Errorf(store.ErrInvalidArgument, op, ns, "metadata: %v", err)
	}
	blob, err := encodeVector(e.Vector)
	if err != nil {
		return store.Wrap(store.ErrInvalidArgument, op, ns, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO embeddings (`+embeddingColumns+`)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (conversation_id, embedding_type) DO UPDATE SET
            vector = excluded.vector,
            metadata = excluded.metadata,
            created_at = excluded.created_at`,
		e.ConversationID, e.EmbeddingType, blob, string(md), micros(e.CreatedAt))
	if err != nil {
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
	fetch := func(after *embeddingCursor, n int) ([]*store.Embedding, error) {
		q := `SELECT ` + embeddingColumns + ` FROM embeddings WHERE 1 = 1`
		var args []any
		if embeddingType != "" {
			q += ` AND embedding_type = ?`
			args = append(args, embeddingType)
		}
		if after != nil {
			q += ` AND (conversation_id, embedding_type) > (?, ?)`
			args = append(args, after.conversation, after.typ)
		}
		q += ` ORDER BY conversation_id, embedding_type LIMIT ?`
		args = append(args, n)

		var page []*store.Embedding
		err := b.read(ctx, ns, func(db *sql.DB) error {
			if db == nil {
				return nil
			}
			rows, err := db.QueryContext(ctx, q, args...)
			if err != nil {
				return classify(op, ns, err, dbutil.ParamSummary("type", embeddingType))
			}
			defer rows.Close()
			for rows.Next() {
				e, err := scanEmbedding(rows)
				if err != nil {
					return classify(op+".scan", ns, err)
				}
				page = append(page, e)
			}
			return classify(op, ns, rows.Err())
		})
		return page, err
	}
	cursor := func(e *store.Embedding) embeddingCursor {
		return embeddingCursor{conversation: e.ConversationID, typ: e.EmbeddingType}
	}
	return store.Paginate(0, fetch, cursor)
}

// NearestEmbeddings returns up to k embeddings of the given type by
// ascending L2 distance. The scan is exhaustive, so the order is exact.
func (b *Backend) NearestEmbeddings(ctx context.Context, ns store.Namespace, embeddingType string, query []float32, k int) (*store.NearestResult, error) {
	const op = "embedding.nearest"
	if err := store.ValidateNearest(op, ns, b.opts.Dimension, embeddingType, query, k); err != nil {
		return nil, err
	}
	res := &store.NearestResult{Backend: store.BackendEmbedded, Exact: true, Metric: store.MetricL2, Neighbors: []store.Neighbor{}}
	err := b.read(ctx, ns, func(db *sql.DB) error {
		if db == nil {
			return nil
		}
		q, err := encodeVector(query)
		if err != nil {
			return store.Wrap(store.ErrInvalidArgument, op, ns, err)
		}
		rows, err := db.QueryContext(ctx, `SELECT `+embeddingColumns+`, vec_distance_l2(vector, ?) AS distance
            FROM embeddings
            WHERE embedding_type = ?
            ORDER BY distance ASC, conversation_id ASC
            LIMIT ?`, q, embeddingType, k)
		if err != nil {
			return classify(op, ns, err, dbutil.ParamSummary("type", embeddingType), fmt.Sprintf("k=%d", k))
		}
		defer rows.Close()
		for rows.Next() {
			var dist float64
			e, err := scanEmbedding(rows, &dist)
			if err != nil {
				return classify(op+".scan", ns, err)
			}
			res.Neighbors = append(res.Neighbors, store.Neighbor{Embedding: *e, Distance: dist})
		}
		return classify(op, ns, rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
