// Package secrets keeps credentials out of node configs and process
// environment. Templates reference them as ${{secrets.KEY}}; values are
// encrypted at rest and resolved in-memory at render time only.
package secrets

import "context"

// Vault resolves secret references at runtime.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
