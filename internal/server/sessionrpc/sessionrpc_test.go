package sessionrpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/flarebyte/redstore/internal/dao/sqlite"
	"github.com/flarebyte/redstore/internal/identity"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/session"
	"github.com/flarebyte/redstore/internal/store"
	grpcjson "github.com/flarebyte/redstore/internal/transport/grpcjson"
)

func newService(t *testing.T) *Service {
	t.Helper()
	emb, err := sqlite.New(sqlite.Options{Dir: t.TempDir(), Dimension: 2})
	require.NoError(t, err)
	namer, err := identity.New([]byte("rpc-test-secret-0123"))
	require.NoError(t, err)
	f, err := session.New(session.Options{
		Namer:     namer,
		Backends:  map[store.BackendKind]store.Backend{store.BackendEmbedded: emb},
		Directory: namespace.NewMemDirectory(),
		Default:   store.BackendEmbedded,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return &Service{Sessions: f}
}

func dialBufconn(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	svc.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcjson.Name)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func TestGRPCRoundTrip(t *testing.T) {
	conn := dialBufconn(t, newService(t))
	ctx := context.Background()

	var created CreateConfigResponse
	require.NoError(t, conn.Invoke(ctx, fullMethod("CreateConfig"),
		&CreateConfigRequest{UserID: "alice", Kind: store.KindGenerator, Name: "gpt", Params: store.Params{"model": "m"}}, &created))
	require.NotEmpty(t, created.ID)

	var got ConfigResponse
	require.NoError(t, conn.Invoke(ctx, fullMethod("GetConfig"),
		&GetConfigRequest{UserID: "alice", Kind: store.KindGenerator, ID: created.ID}, &got))
	require.NotNil(t, got.Config)
	assert.Equal(t, "gpt", got.Config.Name)
	assert.Equal(t, store.Params{"model": "m"}, got.Config.Params)

	err := conn.Invoke(ctx, fullMethod("GetConfig"),
		&GetConfigRequest{UserID: "bob", Kind: store.KindGenerator, ID: created.ID}, &got)
	assert.Equal(t, codes.NotFound, status.Code(err))

	var ack AppendTurnResponse
	err = conn.Invoke(ctx, fullMethod("AppendTurn"),
		&AppendTurnRequest{UserID: "alice", ConversationID: "c1", TurnNumber: 4}, &ack)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "out_of_order_turn")
}

func postJSON(t *testing.T, h http.Handler, method string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, fullMethod(method), strings.NewReader(string(b)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConnectHandler(t *testing.T) {
	h := newService(t).ConnectHandler()

	rec := postJSON(t, h, "AppendTurn", AppendTurnRequest{UserID: "alice", ConversationID: "c1", TurnNumber: 0, RequestText: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, h, "ReadConversation", ReadConversationRequest{UserID: "alice", ConversationID: "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var turns ReadConversationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&turns))
	require.Len(t, turns.Turns, 1)
	assert.Equal(t, "hi", turns.Turns[0].RequestText)

	rec = postJSON(t, h, "ReadEmbeddings", ReadEmbeddingsRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[]`)

	rec = postJSON(t, h, "UpsertEmbedding", UpsertEmbeddingRequest{UserID: "alice", ConversationID: "c1", EmbeddingType: "t", Vector: []float32{1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", rec.Header().Get("Connect-Error-Code"))

	rec = postJSON(t, h, "Nope", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, fullMethod("GetConfig"), strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMethodsAreSorted(t *testing.T) {
	m := Methods()
	assert.Len(t, m, 10)
	assert.Equal(t, "AppendTurn", m[0])
	assert.Equal(t, "UpsertEmbedding", m[len(m)-1])
}
