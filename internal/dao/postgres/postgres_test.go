package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/redstore/internal/dao/sqlite"
	"github.com/flarebyte/redstore/internal/migrate"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/store"
)

const envTestDSN = "REDSTORE_TEST_PG_DSN"

func TestSchemaName(t *testing.T) {
	ns := store.Namespace{Token: strings.Repeat("AB", 32)}
	name := SchemaName(ns)
	assert.True(t, strings.HasPrefix(name, SchemaPrefix))
	assert.Len(t, name, len(SchemaPrefix)+schemaTokenLen)
	assert.Equal(t, strings.ToLower(name), name)
	assert.NotEqual(t, name, SchemaName(store.Namespace{Token: strings.Repeat("cd", 32)}))
}

func TestNamespaceDDLIsSchemaQualified(t *testing.T) {
	for _, stmt := range namespaceDDL("ns_abc", 3) {
		assert.Contains(t, stmt, `"ns_abc"`)
	}
	joined := strings.Join(namespaceDDL("ns_abc", 3), "\n")
	assert.Contains(t, joined, "vector(3)")
	assert.Contains(t, joined, "vector_l2_ops")
}

func TestClassify(t *testing.T) {
	ns := store.Namespace{Token: "feedfacecafebeef"}
	assert.Nil(t, classify("op", ns, nil))
	assert.ErrorIs(t, classify("op", ns, &pgconn.PgError{Code: "08006"}), store.ErrBackendUnavailable)
	assert.ErrorIs(t, classify("op", ns, &pgconn.PgError{Code: "57P01"}), store.ErrBackendUnavailable)
	assert.ErrorIs(t, classify("op", ns, context.DeadlineExceeded), store.ErrBackendUnavailable)
	assert.ErrorIs(t, classify("op", ns, &pgconn.PgError{Code: "42601"}), store.ErrInternal)
	nf := store.Errorf(store.ErrNotFound, "op", ns, "x")
	assert.Same(t, nf, classify("outer", ns, nf))

	assert.True(t, isMissingRelation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "42P01"})))
	assert.True(t, isMissingRelation(&pgconn.PgError{Code: "3F000"}))
	assert.False(t, isMissingRelation(&pgconn.PgError{Code: "23505"}))
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(envTestDSN)
	if dsn == "" {
		t.Skipf("%s not set", envTestDSN)
	}
	ctx := context.Background()
	db, err := OpenDSN(ctx, dsn, 4)
	require.NoError(t, err)
	require.NoError(t, EnsureExtensions(ctx, db))
	t.Cleanup(db.Close)
	return db
}

func testNamespace(t *testing.T) store.Namespace {
	tok := fmt.Sprintf("%064x", time.Now().UnixNano())
	return store.Namespace{Token: tok}
}

func TestRelationalBackendContract(t *testing.T) {
	db := testPool(t)
	ctx := context.Background()
	b, err := New(db, 2)
	require.NoError(t, err)
	ns := testNamespace(t)
	other := store.Namespace{Token: strings.Repeat("e", 64)}
	t.Cleanup(func() {
		_ = b.Drop(context.Background(), ns)
		_ = b.Drop(context.Background(), other)
	})

	// missing schema reads as empty
	_, err = b.GetConfig(ctx, ns, store.KindGenerator, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
	turns, err := store.Collect(b.ReadConversation(ctx, ns, "conv1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Empty(t, turns)

	id, err := b.CreateConfig(ctx, ns, store.KindGenerator, "gpt", store.Params{"model": "x"})
	require.NoError(t, err)
	_, err = b.CreateConfig(ctx, ns, store.KindGenerator, "gpt", nil)
	assert.ErrorIs(t, err, store.ErrDuplicateName)

	upd, err := b.UpdateConfig(ctx, ns, store.KindGenerator, id, store.Params{"temperature": 0.2})
	require.NoError(t, err)
	assert.Equal(t, store.Params{"model": "x"}, upd.Previous)
	got, err := b.GetConfig(ctx, ns, store.KindGenerator, id)
	require.NoError(t, err)
	assert.Equal(t, store.Params{"temperature": 0.2}, got.Params)

	orch, err := b.CreateConfig(ctx, ns, store.KindOrchestrator, "o", store.Params{"generator_id": id})
	require.NoError(t, err)
	assert.ErrorIs(t, b.DeleteConfig(ctx, ns, store.KindGenerator, id, false), store.ErrReferentialConflict)
	require.NoError(t, b.DeleteConfig(ctx, ns, store.KindGenerator, id, true))
	o, err := b.GetConfig(ctx, ns, store.KindOrchestrator, orch)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, o.Status)

	require.NoError(t, b.AppendTurn(ctx, ns, store.Turn{ConversationID: "conv1", TurnNumber: 0, RequestText: "hi", ResponseText: "hello"}))
	assert.ErrorIs(t, b.AppendTurn(ctx, ns, store.Turn{ConversationID: "conv1", TurnNumber: 2}), store.ErrOutOfOrderTurn)
	require.NoError(t, b.AppendTurn(ctx, ns, store.Turn{ConversationID: "conv1", TurnNumber: 1}))
	require.NoError(t, b.AppendTurn(ctx, ns, store.Turn{ConversationID: "conv1", TurnNumber: 2}))
	turns, err = store.Collect(b.ReadConversation(ctx, ns, "conv1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Len(t, turns, 3)

	require.NoError(t, b.UpsertEmbedding(ctx, ns, store.Embedding{ConversationID: "conv1", EmbeddingType: "text-embed", Vector: []float32{0.1, 0.2}}))
	require.NoError(t, b.UpsertEmbedding(ctx, ns, store.Embedding{ConversationID: "conv1", EmbeddingType: "text-embed", Vector: []float32{0.3, 0.4}}))
	embs, err := store.Collect(b.ReadEmbeddings(ctx, ns, "text-embed"))
	require.NoError(t, err)
	require.Len(t, embs, 1)
	assert.Equal(t, []float32{0.3, 0.4}, embs[0].Vector)

	res, err := b.NearestEmbeddings(ctx, ns, "text-embed", []float32{0.3, 0.4}, 5)
	require.NoError(t, err)
	assert.False(t, res.Exact)
	assert.Equal(t, store.BackendRelational, res.Backend)
	require.Len(t, res.Neighbors, 1)
	assert.InDelta(t, 0.0, res.Neighbors[0].Distance, 1e-6)

	// isolation
	_, err = b.GetConfig(ctx, other, store.KindOrchestrator, orch)
	assert.ErrorIs(t, err, store.ErrNotFound)

	counts, err := b.Counts(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[tableConfigs])
	assert.Equal(t, int64(3), counts[tableTurns])
	assert.Equal(t, int64(1), counts[tableEmbeddings])
}

func TestControlDirectory(t *testing.T) {
	db := testPool(t)
	ctx := context.Background()
	schema := fmt.Sprintf("redstore_test_%d", time.Now().UnixNano())
	require.NoError(t, EnsureControlSchema(ctx, db, schema))
	t.Cleanup(func() { _ = DropNamespaceSchema(context.Background(), db, schema) })

	dir := NewControlDirectory(db, schema)
	tok := strings.Repeat("c", 64)
	now := store.Now()
	rec, created, err := dir.CreateIfAbsent(ctx, namespace.New(tok, store.BackendEmbedded, now))
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := dir.CreateIfAbsent(ctx, namespace.New(tok, store.BackendRelational, now))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, store.BackendEmbedded, again.Active)

	next := rec.Clone()
	next.Active = store.BackendMigrating
	next.Phase = namespace.PhasePreparing
	won, err := dir.CompareAndSwap(ctx, rec, next)
	require.NoError(t, err)
	assert.Equal(t, rec.Version+1, won.Version)
	_, err = dir.CompareAndSwap(ctx, rec, next)
	assert.ErrorIs(t, err, namespace.ErrStale)

	recs, err := dir.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Migrating())

	_, err = dir.Get(ctx, strings.Repeat("d", 64))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// seedMixed writes rows whose encodings differ between the engines: mixed
// case names (collation), JSON numbers and nested keys (JSONB vs text),
// sub-second timestamps and non-trivial float32 vectors.
func seedMixed(t *testing.T, b store.Backend, ns store.Namespace) {
	t.Helper()
	ctx := context.Background()
	var gen string
	for _, name := range []string{"Zeta", "alpha", "beta_2", "Beta_10", "ümlaut"} {
		id, err := b.CreateConfig(ctx, ns, store.KindGenerator, name, store.Params{
			"temperature": 0.7,
			"max_tokens":  4096,
			"tiny":        1e-7,
			"nested":      map[string]any{"b": []any{1, "two", nil, true}, "a": map[string]any{"z": 1.5}},
		})
		require.NoError(t, err)
		if gen == "" {
			gen = id
		}
	}
	_, err := b.CreateConfig(ctx, ns, store.KindOrchestrator, "crescendo", store.Params{"generator_ids": []any{gen}})
	require.NoError(t, err)

	for _, conv := range []string{"conv-B", "conv-a", "conv_1"} {
		for i := 0; i < 3; i++ {
			require.NoError(t, b.AppendTurn(ctx, ns, store.Turn{
				ConversationID: conv, TurnNumber: i,
				RequestText: fmt.Sprintf("ask %d ✓", i), ResponseText: "refuse\nline two",
				Metadata: store.Params{"score": 0.125 * float64(i), "tags": []any{"x", "Y"}},
			}))
		}
		require.NoError(t, b.UpsertEmbedding(ctx, ns, store.Embedding{
			ConversationID: conv, EmbeddingType: "text-embed",
			Vector:   []float32{0.1, -1.5e-3, 3.3333333},
			Metadata: store.Params{"model": "mini"},
		}))
	}
	require.NoError(t, b.UpsertEmbedding(ctx, ns, store.Embedding{
		ConversationID: "conv-a", EmbeddingType: "Title-Embed", Vector: []float32{-0.25, 1e-6, 42},
	}))
}

func TestEmbeddedRelationalRoundTripKeepsChecksums(t *testing.T) {
	db := testPool(t)
	ctx := context.Background()
	rel, err := New(db, 3)
	require.NoError(t, err)
	emb, err := sqlite.New(sqlite.Options{Dir: t.TempDir(), Dimension: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = emb.Close() })

	ns := testNamespace(t)
	t.Cleanup(func() { _ = rel.Drop(context.Background(), ns) })

	dir := namespace.NewMemDirectory()
	_, _, err = dir.CreateIfAbsent(ctx, namespace.New(ns.Token, store.BackendEmbedded, time.Now()))
	require.NoError(t, err)
	seedMixed(t, emb, ns)
	want, err := migrate.Checksums(ctx, emb, ns)
	require.NoError(t, err)

	eng, err := migrate.New(migrate.Options{
		Backends:  map[store.BackendKind]store.Backend{store.BackendEmbedded: emb, store.BackendRelational: rel},
		Directory: dir,
		Retention: time.Hour,
	})
	require.NoError(t, err)

	rep, err := eng.Run(ctx, ns.Token, store.BackendRelational)
	require.NoError(t, err)
	assert.Equal(t, namespace.PhaseCommitted, rep.Phase)
	onRel, err := migrate.Checksums(ctx, rel, ns)
	require.NoError(t, err)
	assert.Equal(t, want, onRel)

	// nearest search agrees on the copied vectors
	res, err := rel.NearestEmbeddings(ctx, ns, "Title-Embed", []float32{-0.25, 1e-6, 42}, 1)
	require.NoError(t, err)
	require.Len(t, res.Neighbors, 1)
	assert.InDelta(t, 0.0, res.Neighbors[0].Distance, 1e-4)

	rep, err = eng.Run(ctx, ns.Token, store.BackendEmbedded)
	require.NoError(t, err)
	assert.Equal(t, namespace.PhaseCommitted, rep.Phase)
	back, err := migrate.Checksums(ctx, emb, ns)
	require.NoError(t, err)
	assert.Equal(t, want, back)

	rec, err := dir.Get(ctx, ns.Token)
	require.NoError(t, err)
	assert.Equal(t, store.BackendEmbedded, rec.Active)
}
