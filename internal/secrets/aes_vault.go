package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/chartflow/pkg/schema"
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts secrets with AES-256-GCM before persisting.
// The stored blob is nonce || ciphertext.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption over the given store.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (cfg VaultConfig) deriveKey() ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, value, nil)
	return v.store.StoreSecret(ctx, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
