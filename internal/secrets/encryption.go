// Package secrets encrypts the one secret this domain stores at rest: a
// Server's admin control-panel token. AES-256-GCM with a PBKDF2-derived key,
// adapted from the corpus's multi-cloud credential encryption service down
// to the single field this domain actually needs.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionService encrypts/decrypts Server.AdminTokenCipher.
type EncryptionService struct {
	masterKey []byte
	keyID     string
}

// NewEncryptionService derives a 32-byte AES-256 key from masterKey via
// PBKDF2 (100,000 iterations, SHA-256), matching the corpus's parameters.
func NewEncryptionService(masterKey, keyID string) (*EncryptionService, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}
	derived := pbkdf2.Key([]byte(masterKey), []byte("provisioning-secrets-salt"), 100000, 32, sha256.New)
	return &EncryptionService{masterKey: derived, keyID: keyID}, nil
}

// Encrypt seals plaintext, prepending the nonce to the returned ciphertext.
func (e *EncryptionService) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (e *EncryptionService) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// KeyID returns the key identifier this service was built with. Encrypt
// does not embed it in the ciphertext, and nothing in this module stores it.
func (e *EncryptionService) KeyID() string {
	return e.keyID
}
