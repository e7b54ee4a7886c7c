// Package vault encrypts per-account secrets at rest. A per-owner AES-256 key
// is derived from a single master secret with the owner's identity as salt, so
// derivation is deterministic and needs no stored per-owner material.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/oddsync/oddsync/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
)

// Vault derives per-owner keys from a master secret and performs AES-256-GCM
// encryption with a fresh random nonce per call. The nonce is prepended to
// the ciphertext and the whole envelope is base64-encoded.
type Vault struct {
	master []byte
}

// New creates a Vault from the master secret. The secret must not be empty.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault: master secret must not be empty")
	}
	return &Vault{master: []byte(masterSecret)}, nil
}

// deriveKey returns the AES key for the given owner. Derivation is
// deterministic: same master secret and owner always yield the same key.
func (v *Vault) deriveKey(ownerID string) []byte {
	return pbkdf2.Key(v.master, []byte(ownerID), pbkdf2Iterations, aesKeyLen, sha256.New)
}

// Encrypt encrypts plaintext under the owner's derived key. Each call draws a
// fresh random nonce, so encrypting the same plaintext twice yields different
// ciphertexts.
func (v *Vault) Encrypt(plaintext, ownerID string) (string, error) {
	if ownerID == "" {
		return "", errors.New("vault: owner identity must not be empty")
	}

	block, err := aes.NewCipher(v.deriveKey(ownerID))
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Ciphertext produced under a different owner's
// key, or corrupted ciphertext, fails with domain.ErrDecryption. The error is
// never swallowed: returning garbage plaintext would corrupt downstream
// parsing of the decrypted blobs.
func (v *Vault) Decrypt(ciphertext, ownerID string) (string, error) {
	if ownerID == "" {
		return "", errors.New("vault: owner identity must not be empty")
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: decoding ciphertext: %w", domain.ErrDecryption)
	}

	block, err := aes.NewCipher(v.deriveKey(ownerID))
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: creating GCM: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("vault: ciphertext shorter than nonce: %w", domain.ErrDecryption)
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("vault: %w", domain.ErrDecryption)
	}
	return string(plaintext), nil
}
