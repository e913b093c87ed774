// Package identity derives namespace tokens from user identifiers.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto"

	"github.com/flarebyte/redstore/internal/store"
)

// MinSecretLen is the shortest server secret accepted.
const MinSecretLen = 16

// Namer maps user ids to namespace tokens with HMAC-SHA256 keyed by the
// server secret. Tokens are lowercase hex and cannot be inverted without the
// secret.
type Namer struct {
	secret []byte
	cache  *ristretto.Cache
}

// New returns a Namer. It fails with a configuration error when the secret
// is missing or too short; there is no fallback secret.
func New(secret []byte) (*Namer, error) {
	if len(secret) == 0 {
		return nil, store.Errorf(store.ErrConfiguration, "identity.new", store.Namespace{}, "server secret is not set")
	}
	if len(secret) < MinSecretLen {
		return nil, store.Errorf(store.ErrConfiguration, "identity.new", store.Namespace{}, "server secret shorter than %d bytes", MinSecretLen)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, store.Wrap(store.ErrConfiguration, "identity.cache", store.Namespace{}, err)
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Namer{secret: key, cache: cache}, nil
}

// Token returns the namespace token for userID.
func (n *Namer) Token(userID string) string {
	if v, ok := n.cache.Get(userID); ok {
		if tok, ok := v.(string); ok {
			return tok
		}
	}
	mac := hmac.New(sha256.New, n.secret)
	mac.Write([]byte(userID))
	tok := hex.EncodeToString(mac.Sum(nil))
	n.cache.Set(userID, tok, 1)
	return tok
}

// Namespace returns the namespace for userID.
func (n *Namer) Namespace(userID string) store.Namespace {
	return store.Namespace{Token: n.Token(userID)}
}

// Close releases the token cache.
func (n *Namer) Close() {
	n.cache.Close()
}
