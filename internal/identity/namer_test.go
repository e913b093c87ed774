package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/redstore/internal/store"
)

func TestNewRejectsMissingSecret(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConfiguration)

	_, err = New([]byte("short"))
	assert.ErrorIs(t, err, store.ErrConfiguration)
}

func TestTokenIsDeterministicAndKeyed(t *testing.T) {
	a, err := New([]byte("server-secret-one-0123456789"))
	require.NoError(t, err)
	defer a.Close()
	b, err := New([]byte("server-secret-two-0123456789"))
	require.NoError(t, err)
	defer b.Close()

	t1 := a.Token("alice")
	assert.Equal(t, t1, a.Token("alice"))
	assert.Len(t, t1, 64)
	assert.NotEqual(t, t1, a.Token("bob"))
	assert.NotEqual(t, t1, b.Token("alice"))
	assert.NotContains(t, t1, "alice")
	assert.Equal(t, strings.ToLower(t1), t1)
	assert.Equal(t, t1, a.Namespace("alice").Token)
}
