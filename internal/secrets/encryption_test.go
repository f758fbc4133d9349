package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc, err := NewEncryptionService("a-sufficiently-long-master-key", "key-1")
	require.NoError(t, err)

	plaintext := []byte("super-secret-admin-token")
	ciphertext, err := svc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	svc1, _ := NewEncryptionService("key-one-material", "key-1")
	svc2, _ := NewEncryptionService("key-two-material", "key-2")

	ciphertext, err := svc1.Encrypt([]byte("token"))
	require.NoError(t, err)

	_, err = svc2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestNewEncryptionService_RejectsEmptyKey(t *testing.T) {
	_, err := NewEncryptionService("", "key-1")
	assert.Error(t, err)
}
