//go:build darwin

package vault

import (
	"context"
	"fmt"

	keychain "github.com/keybase/go-keychain"
)

// KeychainVaultDAO implements VaultDAO backed by the macOS Keychain.
// Secrets are generic passwords under Service=redstore and Account=<name>.
type KeychainVaultDAO struct{}

func newKeychainVaultDAO() (VaultDAO, error) { return &KeychainVaultDAO{}, nil }

func item(name string) keychain.Item {
	q := keychain.NewItem()
	q.SetSecClass(keychain.SecClassGenericPassword)
	q.SetService(ServiceName)
	q.SetAccount(name)
	return q
}

func (d *KeychainVaultDAO) GetSecretMetadata(ctx context.Context, name string) (SecretMetadata, error) {
	md := SecretMetadata{Name: name, IsSet: false, Backend: "keychain"}
	q := item(name)
	q.SetMatchLimit(keychain.MatchLimitOne)
	q.SetReturnAttributes(true)
	rr, err := keychain.QueryItem(q)
	if err != nil {
		return md, fmt.Errorf("keychain query: %w", err)
	}
	if len(rr) == 0 {
		return md, nil
	}
	md.IsSet = true
	if !rr[0].ModificationDate.IsZero() {
		t := rr[0].ModificationDate
		md.UpdatedAt = &t
	}
	return md, nil
}

func (d *KeychainVaultDAO) SetSecret(ctx context.Context, name string, value []byte) error {
	upd := item(name)
	upd.SetLabel("redstore secret: " + name)
	upd.SetData(value)
	upd.SetAccessible(keychain.AccessibleAfterFirstUnlock)
	if err := keychain.UpdateItem(item(name), upd); err != nil {
		// not found: add
		if aerr := keychain.AddItem(upd); aerr != nil {
			return fmt.Errorf("keychain add: %w", aerr)
		}
	}
	return nil
}

func (d *KeychainVaultDAO) UnsetSecret(ctx context.Context, name string) error {
	return keychain.DeleteItem(item(name))
}

func (d *KeychainVaultDAO) GetSecretForInternalUse(ctx context.Context, name string) ([]byte, error) {
	q := item(name)
	q.SetMatchLimit(keychain.MatchLimitOne)
	q.SetReturnData(true)
	rr, err := keychain.QueryItem(q)
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	if len(rr) == 0 || rr[0].Data == nil {
		return nil, fmt.Errorf("secret not found: %s", name)
	}
	out := make([]byte, len(rr[0].Data))
	copy(out, rr[0].Data)
	return out, nil
}
