package session

import (
	"context"
	"iter"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/redstore/internal/dao/sqlite"
	"github.com/flarebyte/redstore/internal/identity"
	"github.com/flarebyte/redstore/internal/migrate"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/store"
)

const secret = "test-secret-0123456789"

// flaky fails selected operations with BackendUnavailable a set number of
// times and counts every call.
type flaky struct {
	store.Backend
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlaky(b store.Backend) *flaky {
	return &flaky{Backend: b, failures: map[string]int{}, calls: map[string]int{}}
}

func (f *flaky) failNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *flaky) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flaky) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return store.Errorf(store.ErrBackendUnavailable, op, store.Namespace{}, "flaky")
	}
	return nil
}

func (f *flaky) Provision(ctx context.Context, ns store.Namespace) error {
	if err := f.hit("provision"); err != nil {
		return err
	}
	return f.Backend.Provision(ctx, ns)
}

func (f *flaky) GetConfig(ctx context.Context, ns store.Namespace, kind store.ConfigKind, id string) (*store.ConfigObject, error) {
	if err := f.hit("get"); err != nil {
		return nil, err
	}
	return f.Backend.GetConfig(ctx, ns, kind, id)
}

func (f *flaky) AppendTurn(ctx context.Context, ns store.Namespace, t store.Turn) error {
	if err := f.hit("append"); err != nil {
		return err
	}
	return f.Backend.AppendTurn(ctx, ns, t)
}

func (f *flaky) UpsertEmbedding(ctx context.Context, ns store.Namespace, e store.Embedding) error {
	if err := f.hit("upsert"); err != nil {
		return err
	}
	return f.Backend.UpsertEmbedding(ctx, ns, e)
}

func (f *flaky) ReadConversation(ctx context.Context, ns store.Namespace, conv string, r store.TurnRange) iter.Seq2[*store.Turn, error] {
	if err := f.hit("read"); err != nil {
		return store.ErrSeq[*store.Turn](err)
	}
	return f.Backend.ReadConversation(ctx, ns, conv, r)
}

type harness struct {
	facade *Facade
	emb    *flaky
	rel    store.Backend
	dir    *namespace.MemDirectory
}

func newHarness(t *testing.T, hook migrate.Hook) *harness {
	t.Helper()
	mk := func() *sqlite.Backend {
		b, err := sqlite.New(sqlite.Options{Dir: t.TempDir(), Dimension: 2})
		require.NoError(t, err)
		return b
	}
	namer, err := identity.New([]byte(secret))
	require.NoError(t, err)
	h := &harness{emb: newFlaky(mk()), rel: mk(), dir: namespace.NewMemDirectory()}
	h.facade, err = New(Options{
		Namer:     namer,
		Backends:  map[store.BackendKind]store.Backend{store.BackendEmbedded: h.emb, store.BackendRelational: h.rel},
		Directory: h.dir,
		Default:   store.BackendEmbedded,
		Retention: time.Hour,
		Retry:     RetryPolicy{Attempts: 3, Base: time.Millisecond},
		AfterCopy: hook,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.facade.Close() })
	return h
}

func TestAliceScenarioIsIsolatedFromBob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := h.facade

	gen, err := f.CreateConfig(ctx, "alice", store.KindGenerator, "gpt", store.Params{"model": "m"})
	require.NoError(t, err)
	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 0, RequestText: "hi", ResponseText: "no"}))
	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 1, RequestText: "please", ResponseText: "still no"}))

	turns, err := store.Collect(f.ReadConversation(ctx, "alice", "c1", store.TurnRange{}))
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "please", turns[1].RequestText)

	_, err = f.GetConfig(ctx, "bob", store.KindGenerator, gen)
	assert.ErrorIs(t, err, store.ErrNotFound)
	bobTurns, err := store.Collect(f.ReadConversation(ctx, "bob", "c1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Empty(t, bobTurns)

	assert.NotEqual(t, f.Token("alice"), f.Token("bob"))
	ha, err := f.Handle(ctx, "alice")
	require.NoError(t, err)
	hb, err := f.Handle(ctx, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, ha.Location, hb.Location)
	assert.NotContains(t, ha.Location, "alice")
}

func TestEmptyUserIDIsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.facade.CreateConfig(context.Background(), "", store.KindGenerator, "x", nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	_, err = store.Collect(h.facade.ReadConversation(context.Background(), "", "c", store.TurnRange{}))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestFirstUseProvisionsOnce(t *testing.T) {
	h := newHarness(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.facade.CreateConfig(context.Background(), "carol", store.KindDataset, "ds", nil)
			if err != nil {
				assert.ErrorIs(t, err, store.ErrDuplicateName)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.emb.count("provision"))

	rec, err := h.facade.Status(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, store.BackendEmbedded, rec.Active)

	_, err = h.facade.Status(context.Background(), "dave")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReadsAndUpsertsAreRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := h.facade
	id, err := f.CreateConfig(ctx, "alice", store.KindScorer, "s", nil)
	require.NoError(t, err)

	h.emb.failNext("get", 2)
	c, err := f.GetConfig(ctx, "alice", store.KindScorer, id)
	require.NoError(t, err)
	assert.Equal(t, "s", c.Name)
	assert.Equal(t, 3, h.emb.count("get"))

	h.emb.failNext("get", 3)
	_, err = f.GetConfig(ctx, "alice", store.KindScorer, id)
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)

	h.emb.failNext("upsert", 1)
	require.NoError(t, f.UpsertEmbedding(ctx, "alice", store.Embedding{ConversationID: "c1", EmbeddingType: "t", Vector: []float32{1, 2}}))
	assert.Equal(t, 2, h.emb.count("upsert"))

	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 0}))
	h.emb.failNext("read", 1)
	turns, err := store.Collect(f.ReadConversation(ctx, "alice", "c1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestAppendTurnIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.emb.failNext("append", 1)
	err := h.facade.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 0})
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, 1, h.emb.count("append"))
}

func TestWritesFailWhileMigratingAndReadsUseSource(t *testing.T) {
	var hookErr, readErr error
	var during []*store.Turn
	var f *Facade
	h := newHarness(t, func(ctx context.Context, _ namespace.Record) error {
		hookErr = f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 1})
		during, readErr = store.Collect(f.ReadConversation(ctx, "alice", "c1", store.TurnRange{}))
		return nil
	})
	f = h.facade
	ctx := context.Background()
	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 0, RequestText: "q"}))

	rep, err := f.Migrate(ctx, "alice", store.BackendRelational)
	require.NoError(t, err)
	assert.Equal(t, namespace.PhaseCommitted, rep.Phase)
	assert.ErrorIs(t, hookErr, store.ErrMigrationInProgress)
	require.NoError(t, readErr)
	assert.Len(t, during, 1)

	// writes now land on the destination
	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 1}))
	onRel, err := store.Collect(h.rel.ReadConversation(ctx, f.namer.Namespace("alice"), "c1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Len(t, onRel, 2)

	rec, err := f.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.BackendRelational, rec.Active)

	again, err := f.Migrate(ctx, "alice", store.BackendRelational)
	require.NoError(t, err)
	assert.True(t, again.NoOp)
}

func TestRollbackAndPruneThroughFacade(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := h.facade
	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 0}))
	_, err := f.Migrate(ctx, "alice", store.BackendRelational)
	require.NoError(t, err)

	rec, err := f.Rollback(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.BackendEmbedded, rec.Active)

	turns, err := store.Collect(f.ReadConversation(ctx, "alice", "c1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	pruned, err := f.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)

	recs, err := f.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestUsersProceedIndependently(t *testing.T) {
	var bobErrs []error
	var aliceErr error
	var f *Facade
	h := newHarness(t, func(ctx context.Context, _ namespace.Record) error {
		// alice is mid-migration here; bob must not notice
		aliceErr = f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 1})
		_, err := f.CreateConfig(ctx, "bob", store.KindGenerator, "bob-gen", nil)
		bobErrs = append(bobErrs, err)
		bobErrs = append(bobErrs, f.AppendTurn(ctx, "bob", store.Turn{ConversationID: "c1", TurnNumber: 0}))
		_, err = store.Collect(f.ReadConversation(ctx, "bob", "c1", store.TurnRange{}))
		bobErrs = append(bobErrs, err)
		return nil
	})
	f = h.facade
	ctx := context.Background()
	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 0}))
	_, err := f.Migrate(ctx, "alice", store.BackendRelational)
	require.NoError(t, err)
	assert.ErrorIs(t, aliceErr, store.ErrMigrationInProgress)
	for _, e := range bobErrs {
		assert.NoError(t, e)
	}

	// parallel appends per user land only in that user's conversation
	users := []string{"carol", "dave", "erin", "frank"}
	const turns = 15
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < turns; i++ {
				if err := f.AppendTurn(ctx, u, store.Turn{ConversationID: "shared", TurnNumber: i, RequestText: u}); err != nil {
					t.Errorf("%s turn %d: %v", u, i, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, u := range users {
		got, err := store.Collect(f.ReadConversation(ctx, u, "shared", store.TurnRange{}))
		require.NoError(t, err)
		require.Len(t, got, turns)
		for _, tr := range got {
			assert.Equal(t, u, tr.RequestText)
		}
	}
}

func TestReadsDoNotCreateNamespaces(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := h.facade

	_, err := f.GetConfig(ctx, "gina", store.KindGenerator, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	turns, err := store.Collect(f.ReadConversation(ctx, "gina", "c1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Empty(t, turns)
	embs, err := store.Collect(f.ReadEmbeddings(ctx, "gina", ""))
	require.NoError(t, err)
	assert.Empty(t, embs)
	res, err := f.NearestEmbeddings(ctx, "gina", "t", []float32{0, 1}, 2)
	require.NoError(t, err)
	assert.Empty(t, res.Neighbors)
	hd, err := f.Handle(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, store.BackendEmbedded, hd.Kind)

	_, err = f.Status(ctx, "gina")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, h.emb.count("provision"))
	_, statErr := os.Stat(hd.Location)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, f.AppendTurn(ctx, "gina", store.Turn{ConversationID: "c1", TurnNumber: 0}))
	assert.Equal(t, 1, h.emb.count("provision"))
	_, err = f.Status(ctx, "gina")
	assert.NoError(t, err)
}

func TestRecoverUnblocksNamespaceAfterCrash(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	f := h.facade
	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 0}))

	// a process that died mid-copy leaves the record migrating
	tok := f.Token("alice")
	rec, err := h.dir.Get(ctx, tok)
	require.NoError(t, err)
	next := rec.Clone()
	next.Active = store.BackendMigrating
	next.Source = store.BackendEmbedded
	next.Target = store.BackendRelational
	next.Phase = namespace.PhaseCopying
	next.MigrationID = "dead-process"
	_, err = h.dir.CompareAndSwap(ctx, rec, next)
	require.NoError(t, err)

	err = f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 1})
	require.ErrorIs(t, err, store.ErrMigrationInProgress)
	_, err = f.Migrate(ctx, "alice", store.BackendRelational)
	require.ErrorIs(t, err, store.ErrMigrationInProgress)

	_, err = f.Recover(ctx, "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	got, err := f.Recover(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.BackendEmbedded, got.Active)
	assert.Equal(t, namespace.PhaseRolledBack, got.Phase)

	require.NoError(t, f.AppendTurn(ctx, "alice", store.Turn{ConversationID: "c1", TurnNumber: 1}))
	turns, err := store.Collect(f.ReadConversation(ctx, "alice", "c1", store.TurnRange{}))
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	_, err = f.RecoverToken(ctx, tok)
	assert.ErrorIs(t, err, store.ErrNotFound)
	swept, err := f.RecoverAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)

	rep, err := f.Migrate(ctx, "alice", store.BackendRelational)
	require.NoError(t, err)
	assert.Equal(t, namespace.PhaseCommitted, rep.Phase)
}
