package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/redstore/internal/dao/sqlite"
	"github.com/flarebyte/redstore/internal/identity"
	"github.com/flarebyte/redstore/internal/namespace"
	"github.com/flarebyte/redstore/internal/session"
	"github.com/flarebyte/redstore/internal/store"
)

func newFacade(t *testing.T) *session.Facade {
	t.Helper()
	emb, err := sqlite.New(sqlite.Options{Dir: t.TempDir(), Dimension: 2})
	require.NoError(t, err)
	namer, err := identity.New([]byte("server-test-secret-1"))
	require.NoError(t, err)
	f, err := session.New(session.Options{
		Namer:     namer,
		Backends:  map[store.BackendKind]store.Backend{store.BackendEmbedded: emb},
		Directory: namespace.NewMemDirectory(),
		Default:   store.BackendEmbedded,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestHandlerServesAdminAndSessionRoutes(t *testing.T) {
	h := Handler(newFacade(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/session.v1.SessionService/CreateConfig",
		strings.NewReader(`{"user_id":"alice","kind":"dataset","name":"d"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id"`)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFacade(t)
	ctx, cancel := context.WithCancel(context.Background())
	pid := filepath.Join(t.TempDir(), "server.pid")
	grpcAddr, httpAddr := freeAddr(t), freeAddr(t)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{GRPCAddr: grpcAddr, HTTPAddr: httpAddr, PIDPath: pid}, f)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", httpAddr))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	n, err := ReadPID(pid)
	require.NoError(t, err)
	assert.Positive(t, n)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = ReadPID(pid)
	assert.Error(t, err)
}
