package adapters

import (
	"testing"

	"github.com/crosslogic/control-plane/internal/secrets"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerToken_NilEncryptionFallsBackToSharedToken(t *testing.T) {
	server := &models.Server{AdminTokenCipher: []byte("ignored")}
	assert.Equal(t, "shared-token", serverToken(nil, "shared-token", server))
}

func TestServerToken_EmptyCipherFallsBackToSharedToken(t *testing.T) {
	enc, err := secrets.NewEncryptionService("master-key-material", "key-1")
	require.NoError(t, err)

	server := &models.Server{AdminTokenCipher: nil}
	assert.Equal(t, "shared-token", serverToken(enc, "shared-token", server))
}

func TestServerToken_DecryptsPerServerCipher(t *testing.T) {
	enc, err := secrets.NewEncryptionService("master-key-material", "key-1")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("per-server-secret"))
	require.NoError(t, err)

	server := &models.Server{AdminTokenCipher: ciphertext}
	assert.Equal(t, "per-server-secret", serverToken(enc, "shared-token", server))
}

func TestServerToken_UndecryptableCipherFallsBackToSharedToken(t *testing.T) {
	enc, err := secrets.NewEncryptionService("master-key-material", "key-1")
	require.NoError(t, err)

	server := &models.Server{AdminTokenCipher: []byte("not-valid-ciphertext")}
	assert.Equal(t, "shared-token", serverToken(enc, "shared-token", server))
}
