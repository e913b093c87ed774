package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/redstore/internal/store"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("REDSTORE_HOME_DIR", t.TempDir())
	t.Setenv(EnvServerSecret, "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultGRPCAddr, cfg.Server.GRPCAddr)
	assert.Equal(t, string(store.BackendEmbedded), cfg.Store.DefaultBackend)
	assert.Equal(t, 7*24*time.Hour, cfg.Migration.RetentionDuration())
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := `
postgres:
  host: db.internal
  user: app
embedding:
  dimension: 8
migration:
  retention: 24h
log:
  verbose: true
  format: json
`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	t.Setenv(EnvServerSecret, "from-env-secret-value")

	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, DefaultPostgresPort, cfg.Postgres.Port)
	assert.Equal(t, 8, cfg.Embedding.Dimension)
	assert.Equal(t, 24*time.Hour, cfg.Migration.RetentionDuration())
	assert.True(t, cfg.Log.Verbose)
	assert.Equal(t, "from-env-secret-value", cfg.Identity.Secret)
	assert.Contains(t, cfg.Postgres.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Postgres.DSN(), "user=app")
}

func TestLoadRejectsBadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("identity: [unclosed"), 0o644))
	_, err := LoadFile(p)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.DefaultBackend = "mongo" }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"bad retention", func(c *Config) { c.Migration.Retention = "a week" }},
		{"bad secret source", func(c *Config) { c.Identity.SecretSource = "vault" }},
		{"relational without postgres", func(c *Config) {
			c.Store.DefaultBackend = string(store.BackendRelational)
			c.Postgres.User = ""
		}},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), store.ErrConfiguration)
		})
	}
}
