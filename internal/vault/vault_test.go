package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/redstore/internal/config"
	"github.com/flarebyte/redstore/internal/store"
)

func TestResolveSecretFromConfig(t *testing.T) {
	v, err := ResolveSecret(context.Background(), config.IdentityConfig{SecretSource: config.SecretSourceConfig, Secret: "0123456789abcdef"})
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), v)

	_, err = ResolveSecret(context.Background(), config.IdentityConfig{SecretSource: config.SecretSourceConfig})
	assert.ErrorIs(t, err, store.ErrConfiguration)
}

func TestResolveSecretFromEnv(t *testing.T) {
	t.Setenv(config.EnvServerSecret, "from-the-environment")
	v, err := ResolveSecret(context.Background(), config.IdentityConfig{SecretSource: config.SecretSourceEnv})
	require.NoError(t, err)
	assert.Equal(t, []byte("from-the-environment"), v)

	t.Setenv(config.EnvServerSecret, "")
	_, err = ResolveSecret(context.Background(), config.IdentityConfig{SecretSource: config.SecretSourceEnv})
	assert.ErrorIs(t, err, store.ErrConfiguration)
}

func TestResolveSecretUnknownSource(t *testing.T) {
	_, err := ResolveSecret(context.Background(), config.IdentityConfig{SecretSource: "vaultd"})
	assert.ErrorIs(t, err, store.ErrConfiguration)
}
