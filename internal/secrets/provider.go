package secrets

import (
	"context"
	"strings"
	"sync"

	"github.com/tenantry/loom/pkg/schema"
)

func errSecretNotFound(key string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
}

// RefPrefix marks secret references the vault provider handles, e.g.
// "vault:crm-api-key" resolves the vault key "crm-api-key".
const RefPrefix = "vault:"

// VaultProvider adapts a Vault to the integration call guard's secret
// provider chain.
type VaultProvider struct {
	vault Vault
}

// NewVaultProvider wraps the vault.
func NewVaultProvider(v Vault) *VaultProvider {
	return &VaultProvider{vault: v}
}

// CanHandle reports whether the reference carries the vault prefix.
func (p *VaultProvider) CanHandle(ref string) bool {
	return strings.HasPrefix(ref, RefPrefix)
}

// GetSecret resolves the vault key behind the reference.
func (p *VaultProvider) GetSecret(ctx context.Context, ref string) ([]byte, error) {
	return p.vault.Resolve(ctx, strings.TrimPrefix(ref, RefPrefix))
}

// MemorySecretStore is an in-memory SecretStore for tests and ephemeral
// deployments.
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemorySecretStore creates an empty store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string][]byte)}
}

func (m *MemorySecretStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.secrets[key] = cp
	return nil
}

func (m *MemorySecretStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.secrets[key]
	if !ok {
		return nil, errSecretNotFound(key)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *MemorySecretStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

func (m *MemorySecretStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	return keys, nil
}
