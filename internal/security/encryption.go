// internal/security/encryption.go
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// EncryptionVersion is stored next to every encrypted private key so a
// future key rotation can tell old rows apart.
const EncryptionVersion = "v1"

// Encryption seals address private keys with AES-256-GCM.
type Encryption struct {
	masterKey []byte
	version   string
}

// NewEncryption accepts a raw or base64 encoded 32-byte master key.
func NewEncryption(masterKey string) (*Encryption, error) {
	keyBytes := []byte(masterKey)
	if decoded, err := base64.StdEncoding.DecodeString(masterKey); err == nil {
		keyBytes = decoded
	}

	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("invalid master key length: must be 32 bytes for AES-256, got %d", len(keyBytes))
	}

	return &Encryption{masterKey: keyBytes, version: EncryptionVersion}, nil
}

func (e *Encryption) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *Encryption) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("plaintext cannot be empty")
	}
	sealed, err := e.EncryptBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryption) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("ciphertext cannot be empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	plain, err := e.DecryptBytes(decoded)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptBytes seals data with a random nonce prepended.
func (e *Encryption) EncryptBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// DecryptBytes opens data produced by EncryptBytes.
func (e *Encryption) DecryptBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("ciphertext cannot be empty")
	}
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plain, nil
}

// Version returns the encryption version tag.
func (e *Encryption) Version() string {
	return e.version
}

// GenerateMasterKey returns a random base64 encoded 32-byte key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
