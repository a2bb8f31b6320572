// internal/security/vault.go
package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MasterKeyPath is where the key manager's master key lives in the vault.
const MasterKeyPath = "crypto/master-key"

// VaultProvider is a secret storage backend.
type VaultProvider interface {
	GetSecret(ctx context.Context, path string) (string, error)
	SetSecret(ctx context.Context, path, value string) error
}

// Vault caches secrets fetched from a provider.
type Vault struct {
	provider VaultProvider
	cache    map[string]cachedSecret
	mu       sync.RWMutex
	cacheTTL time.Duration
	logger   *zap.Logger
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewVault(provider VaultProvider, logger *zap.Logger) *Vault {
	return &Vault{
		provider: provider,
		cache:    make(map[string]cachedSecret),
		cacheTTL: 5 * time.Minute,
		logger:   logger,
	}
}

// NewVaultFromConfig picks a provider by name ("env" or "file").
func NewVaultFromConfig(provider, fileDir, fileKey string, logger *zap.Logger) (*Vault, error) {
	switch provider {
	case "", "env":
		return NewVault(NewEnvVaultProvider(), logger), nil
	case "file":
		p, err := NewFileVaultProvider(fileDir, fileKey)
		if err != nil {
			return nil, err
		}
		return NewVault(p, logger), nil
	default:
		return nil, fmt.Errorf("unsupported vault provider: %s", provider)
	}
}

// GetMasterKey retrieves the master encryption key.
func (v *Vault) GetMasterKey(ctx context.Context) (string, error) {
	return v.GetSecret(ctx, MasterKeyPath)
}

// GetSecret returns a cached secret or fetches it from the provider.
func (v *Vault) GetSecret(ctx context.Context, path string) (string, error) {
	v.mu.RLock()
	cached, ok := v.cache[path]
	v.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	v.logger.Debug("fetching secret from provider", zap.String("path", path))
	secret, err := v.provider.GetSecret(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to get secret from vault: %w", err)
	}

	v.mu.Lock()
	v.cache[path] = cachedSecret{value: secret, expiresAt: time.Now().Add(v.cacheTTL)}
	v.mu.Unlock()
	return secret, nil
}

// SetSecret stores a secret and drops the cached copy.
func (v *Vault) SetSecret(ctx context.Context, path, value string) error {
	if err := v.provider.SetSecret(ctx, path, value); err != nil {
		return fmt.Errorf("failed to set secret in vault: %w", err)
	}
	v.mu.Lock()
	delete(v.cache, path)
	v.mu.Unlock()
	return nil
}

// EnvVaultProvider maps "crypto/master-key" to CRYPTO_MASTER_KEY.
type EnvVaultProvider struct{}

func NewEnvVaultProvider() *EnvVaultProvider {
	return &EnvVaultProvider{}
}

func (p *EnvVaultProvider) GetSecret(ctx context.Context, path string) (string, error) {
	envKey := pathToEnvKey(path)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("secret not found: %s (env: %s)", path, envKey)
	}
	return value, nil
}

func (p *EnvVaultProvider) SetSecret(ctx context.Context, path, value string) error {
	return os.Setenv(pathToEnvKey(path), value)
}

func pathToEnvKey(path string) string {
	key := strings.ToUpper(path)
	key = strings.ReplaceAll(key, "/", "_")
	return strings.ReplaceAll(key, "-", "_")
}

// FileVaultProvider stores secrets as encrypted files under baseDir.
type FileVaultProvider struct {
	baseDir    string
	encryption *Encryption
	mu         sync.RWMutex
}

func NewFileVaultProvider(baseDir, encryptionKey string) (*FileVaultProvider, error) {
	encryption, err := NewEncryption(encryptionKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileVaultProvider{baseDir: baseDir, encryption: encryption}, nil
}

func (p *FileVaultProvider) filePath(path string) string {
	return filepath.Join(p.baseDir, path+".enc")
}

func (p *FileVaultProvider) GetSecret(ctx context.Context, path string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ciphertext, err := os.ReadFile(p.filePath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret not found: %s", path)
		}
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	plaintext, err := p.encryption.DecryptBytes(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

func (p *FileVaultProvider) SetSecret(ctx context.Context, path, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ciphertext, err := p.encryption.EncryptBytes([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	fp := p.filePath(path)
	if err := os.MkdirAll(filepath.Dir(fp), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(fp, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}
	return nil
}
