// Package secretcrypto provides authenticated encryption for repository
// credentials persisted by the Run Store's backing project records.
package secretcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// keyVersion is prepended to every ciphertext so a future key-rotation
// scheme can recognize which key a blob was sealed under. Only version 1
// exists today.
const keyVersion byte = 1

const keySize = 32 // AES-256

// Box seals and opens project credential secrets using AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox constructs a Box from a 32-byte master key.
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("secretcrypto: master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretcrypto: creating GCM mode: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext, producing version || nonce || ciphertext || tag.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretcrypto: generating nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+b.aead.Overhead())
	out = append(out, keyVersion)
	out = append(out, nonce...)
	out = b.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a blob produced by Seal. A tag mismatch or malformed blob
// surfaces as *rseserrors.CryptoError; callers must never fall back to
// treating the ciphertext as plaintext on failure.
func (b *Box) Open(blob []byte) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(blob) < 1+nonceSize {
		return nil, &rseserrors.CryptoError{Reason: "ciphertext too short"}
	}
	version := blob[0]
	if version != keyVersion {
		return nil, &rseserrors.CryptoError{Reason: fmt.Sprintf("unsupported key version %d", version)}
	}
	nonce := blob[1 : 1+nonceSize]
	ciphertext := blob[1+nonceSize:]

	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &rseserrors.CryptoError{Reason: "authentication failed", Cause: err}
	}
	return plaintext, nil
}

// LoadOrGenerateKey reads a 32-byte master key from path, generating and
// persisting a new one with owner-only permissions if the file does not
// exist. A lost key makes every previously-encrypted token unrecoverable by
// design; this function never recovers a missing key from elsewhere.
func LoadOrGenerateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keySize {
			return nil, fmt.Errorf("secretcrypto: key file %s has invalid length %d", path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secretcrypto: reading key file %s: %w", path, err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secretcrypto: generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("secretcrypto: creating key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("secretcrypto: writing key file %s: %w", path, err)
	}
	return key, nil
}

// DefaultKeyPath returns FLOWSTATE_MASTER_KEY_PATH, or ~/.flowstate/master.key.
func DefaultKeyPath() string {
	if p := os.Getenv("FLOWSTATE_MASTER_KEY_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".flowstate", "master.key")
}
