package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

// schema is applied on every open; all statements are idempotent.
// Timestamps are unix microseconds, params and metadata JSON text, vectors
// little-endian float32 blobs.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS configs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (kind, name)
)`,
	`CREATE INDEX IF NOT EXISTS idx_configs_kind_created ON configs(kind, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS turns (
    conversation_id TEXT NOT NULL,
    turn_number INTEGER NOT NULL,
    request_text TEXT NOT NULL,
    response_text TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, turn_number)
)`,
	`CREATE TABLE IF NOT EXISTS embeddings (
    conversation_id TEXT NOT NULL,
    embedding_type TEXT NOT NULL,
    vector BLOB NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, embedding_type)
)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_type ON embeddings(embedding_type, conversation_id)`,
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range schema {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return dbutil.ErrWrap("embedded.ensure_schema", err, fmt.Sprintf("stmt_index=%d", i))
		}
	}
	return nil
}

// Counts returns row counts per table. A namespace never written counts zero.
func (b *Backend) Counts(ctx context.Context, ns store.Namespace) (map[string]int64, error) {
	out := map[string]int64{}
	err := b.read(ctx, ns, func(db *sql.DB) error {
		for _, tbl := range []string{"configs", "turns", "embeddings"} {
			out[tbl] = 0
			if db == nil {
				continue
			}
			var n int64
			if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+tbl).Scan(&n); err != nil {
				return classify("embedded.count", ns, err, dbutil.ParamSummary("table", tbl))
			}
			out[tbl] = n
		}
		return nil
	})
	return out, err
}
