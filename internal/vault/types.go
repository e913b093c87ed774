// Package vault resolves the server secret that keys namespace tokens. The
// secret comes from config.yaml, the environment or the OS keychain.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flarebyte/redstore/internal/config"
	"github.com/flarebyte/redstore/internal/store"
)

// VaultDAO defines the operations required to manage secrets in a backend vault.
// Implementations must never log or print secret values.
type VaultDAO interface {
	// GetSecretMetadata returns metadata for a specific secret name. If the secret is not set,
	// implementations return metadata with IsSet=false and no error.
	GetSecretMetadata(ctx context.Context, name string) (SecretMetadata, error)
	// SetSecret creates or updates a secret value.
	SetSecret(ctx context.Context, name string, value []byte) error
	// UnsetSecret deletes the secret.
	UnsetSecret(ctx context.Context, name string) error
	// GetSecretForInternalUse fetches the raw secret value for internal usage only.
	// CLI code must never print or log this value.
	GetSecretForInternalUse(ctx context.Context, name string) ([]byte, error)
}

// SecretMetadata contains non-sensitive information about a secret.
type SecretMetadata struct {
	Name      string
	IsSet     bool
	Backend   string
	UpdatedAt *time.Time
}

// ServiceName groups the secrets of this application in the keychain.
const ServiceName = "redstore"

// NewVaultDAO returns the keychain DAO. Only darwin has one.
func NewVaultDAO() (VaultDAO, error) {
	return newKeychainVaultDAO()
}

var cached struct {
	sync.Mutex
	dao VaultDAO
}

func keychainDAO() (VaultDAO, error) {
	cached.Lock()
	defer cached.Unlock()
	if cached.dao == nil {
		dao, err := NewVaultDAO()
		if err != nil {
			return nil, err
		}
		cached.dao = dao
	}
	return cached.dao, nil
}

// ResolveSecret returns the server secret for the configured source. An
// unset secret is a configuration error.
func ResolveSecret(ctx context.Context, id config.IdentityConfig) ([]byte, error) {
	const op = "vault.resolve"
	missing := func(format string, args ...any) error {
		return store.Errorf(store.ErrConfiguration, op, store.Namespace{}, format, args...)
	}
	switch id.SecretSource {
	case config.SecretSourceKeychain:
		dao, err := keychainDAO()
		if err != nil {
			return nil, store.Wrap(store.ErrConfiguration, op, store.Namespace{}, err)
		}
		v, err := dao.GetSecretForInternalUse(ctx, id.SecretName)
		if err != nil {
			return nil, store.Wrap(store.ErrConfiguration, op, store.Namespace{}, err)
		}
		return v, nil
	case config.SecretSourceEnv:
		v := os.Getenv(config.EnvServerSecret)
		if v == "" {
			return nil, missing("%s is not set", config.EnvServerSecret)
		}
		return []byte(v), nil
	case config.SecretSourceConfig, "":
		if id.Secret == "" {
			return nil, missing("identity.secret is not set; set it or export %s", config.EnvServerSecret)
		}
		return []byte(id.Secret), nil
	default:
		return nil, missing("unknown secret source %s", fmt.Sprintf("%q", id.SecretSource))
	}
}
