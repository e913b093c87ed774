package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	dbutil "github.com/flarebyte/redstore/internal/dao/dbutil"
	"github.com/flarebyte/redstore/internal/store"
)

const (
	// SchemaPrefix starts every namespace schema name.
	SchemaPrefix    = "ns_"
	schemaTokenLen  = 48
	tableConfigs    = "configs"
	tableTurns      = "turns"
	tableEmbeddings = "embeddings"
)

// Tables lists the per-namespace tables.
var Tables = []string{tableConfigs, tableTurns, tableEmbeddings}

// SchemaName returns the schema holding ns. Tokens are lowercase hex, so
// the name is a plain identifier well under the 63 byte limit.
func SchemaName(ns store.Namespace) string {
	tok := strings.ToLower(ns.Token)
	if len(tok) > schemaTokenLen {
		tok = tok[:schemaTokenLen]
	}
	return SchemaPrefix + tok
}

// EnsureExtensions enables pgvector. Best-effort; table creation reports
// the failure if the extension is not installed.
func EnsureExtensions(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `DO $$
        BEGIN
            EXECUTE 'CREATE EXTENSION IF NOT EXISTS vector';
        EXCEPTION WHEN others THEN
            NULL;
        END$$;`)
	return dbutil.ErrWrap("postgres.ensure_extensions", err)
}

func namespaceDDL(schema string, dim int) []string {
	sid := pgx.Identifier{schema}.Sanitize()
	qual := func(tbl string) string { return pgx.Identifier{schema, tbl}.Sanitize() }
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, sid),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id TEXT COLLATE "C" PRIMARY KEY,
            kind TEXT NOT NULL,
            name TEXT COLLATE "C" NOT NULL,
            params JSONB NOT NULL DEFAULT '{}'::jsonb,
            status TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            UNIQUE (kind, name)
        )`, qual(tableConfigs)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_configs_kind_created ON %s(kind, created_at, id)`, qual(tableConfigs)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            conversation_id TEXT COLLATE "C" NOT NULL,
            turn_number INTEGER NOT NULL,
            request_text TEXT NOT NULL,
            response_text TEXT NOT NULL,
            metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (conversation_id, turn_number)
        )`, qual(tableTurns)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            conversation_id TEXT COLLATE "C" NOT NULL,
            embedding_type TEXT COLLATE "C" NOT NULL,
            vector vector(%d) NOT NULL,
            metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (conversation_id, embedding_type)
        )`, qual(tableEmbeddings), dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_embeddings_type ON %s(embedding_type, conversation_id)`, qual(tableEmbeddings)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_embeddings_hnsw ON %s USING hnsw (vector vector_l2_ops)`, qual(tableEmbeddings)),
	}
}

// EnsureNamespaceSchema creates the namespace schema and tables if missing,
// in one transaction.
func EnsureNamespaceSchema(ctx context.Context, db *pgxpool.Pool, schema string, dim int) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		for i, s := range namespaceDDL(schema, dim) {
			if _, err := tx.Exec(ctx, s); err != nil {
				return dbutil.ErrWrap("namespace.ensure_schema", err,
					dbutil.ParamSummary("schema", schema),
					fmt.Sprintf("stmt_index=%d", i))
			}
		}
		return nil
	})
}

// DropNamespaceSchema removes the namespace schema and everything in it.
func DropNamespaceSchema(ctx context.Context, db *pgxpool.Pool, schema string) error {
	_, err := db.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, pgx.Identifier{schema}.Sanitize()))
	return dbutil.ErrWrap("namespace.drop_schema", err, dbutil.ParamSummary("schema", schema))
}

// ListNamespaceSchemas returns every namespace schema present on the server.
func ListNamespaceSchemas(ctx context.Context, db *pgxpool.Pool) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT nspname FROM pg_namespace WHERE starts_with(nspname, $1) ORDER BY nspname`, SchemaPrefix)
	if err != nil {
		return nil, dbutil.ErrWrap("namespace.list_schemas", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, dbutil.ErrWrap("namespace.list_schemas.scan", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountTable returns the row count of schema.table.
func CountTable(ctx context.Context, db *pgxpool.Pool, schema, table string) (int64, error) {
	var n int64
	q := fmt.Sprintf(`SELECT count(*) FROM %s`, pgx.Identifier{schema, table}.Sanitize())
	if err := db.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, dbutil.ErrWrap("namespace.count", err, dbutil.ParamSummary("schema", schema), dbutil.ParamSummary("table", table))
	}
	return n, nil
}
