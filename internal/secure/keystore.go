// Package secure implements envelope encryption for backend credentials.
// Credential strings are encrypted before they reach durable storage and
// decrypted on load; the symmetric key is derived once per installation.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyInfo binds the derived key to this usage so the same master secret
// can safely derive keys for other purposes later.
const keyInfo = "lnwallet/credential-encryption/v1"

// DecryptionError indicates tampered or corrupted ciphertext. Terminal:
// the stored value cannot be recovered and must be treated as a
// data-integrity failure, not retried.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt credential: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt credential: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// KeyStore encrypts and decrypts credential strings with AES-256-GCM.
// The key is derived deterministically from a master secret plus an
// installation-specific salt, so values encrypted before a restart
// remain decryptable after it.
type KeyStore struct {
	aead cipher.AEAD
}

// NewKeyStore derives the symmetric key via HKDF-SHA256 and prepares the
// AEAD. Same master secret and salt always yield the same key.
func NewKeyStore(masterSecret, installSalt string) (*KeyStore, error) {
	if masterSecret == "" {
		return nil, errors.New("keystore: master secret must not be empty")
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), []byte(installSalt), []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: init gcm: %w", err)
	}

	return &KeyStore{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext). Two encryptions of the same plaintext
// produce different blobs.
func (ks *KeyStore) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, ks.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keystore: generate nonce: %w", err)
	}

	sealed := ks.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt splits the nonce from the ciphertext and authenticates it.
// Tag mismatch or truncation yields a *DecryptionError.
func (ks *KeyStore) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid encoding", Err: err}
	}

	nonceSize := ks.aead.NonceSize()
	if len(raw) < nonceSize+ks.aead.Overhead() {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := ks.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value looks like a blob this store produced:
// valid base64 at least nonce+tag long. Heuristic only, used when migrating
// records persisted before encryption was introduced.
func (ks *KeyStore) IsEncrypted(value string) bool {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return len(raw) >= ks.aead.NonceSize()+ks.aead.Overhead()
}
