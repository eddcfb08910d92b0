package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tenantry/loom/pkg/schema"
)

// envelopeV1 is the format tag prepended to every sealed secret. A stored
// record reads version || nonce || ciphertext, letting the envelope evolve
// without re-encrypting existing rows.
const envelopeV1 byte = 0x01

const defaultPBKDF2Iterations = 100_000

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault seals secrets with AES-256-GCM before handing them to the
// backing SecretStore. The secret key is bound into the GCM additional
// data, so a ciphertext copied under a different key will not decrypt.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault builds a vault over the given store.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
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

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeSecret,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeSecret, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeSecret, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultPBKDF2Iterations
	}
	return pbkdf2.Key([]byte(cfg.Passphrase), cfg.Salt, iterations, 32, sha256.New), nil
}

func (v *AESVault) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	envelope := make([]byte, 1, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	envelope[0] = envelopeV1
	envelope = append(envelope, nonce...)
	return v.aead.Seal(envelope, nonce, plaintext, []byte(key)), nil
}

func (v *AESVault) open(key string, envelope []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(envelope) < 1+nonceSize {
		return nil, schema.NewError(schema.ErrCodeSecret, "sealed secret too short")
	}
	if envelope[0] != envelopeV1 {
		return nil, schema.NewErrorf(schema.ErrCodeSecret,
			"unsupported secret envelope version %#x", envelope[0])
	}
	nonce := envelope[1 : 1+nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, envelope[1+nonceSize:], []byte(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSecret, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Store seals value under key and writes the envelope to the backing store.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(key, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve fetches and opens the envelope stored under key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(key, sealed)
}

// Delete removes the secret stored under key.
func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns the keys present in the backing store.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
