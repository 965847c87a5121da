package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "6368616e676520746869732070617373776f726420746f206120736563726574"
	keyB = "0000000000000000000000000000000000000000000000000000000000000000"
)

func TestRoundTrip(t *testing.T) {
	e, err := NewEncryptor(keyA)
	require.NoError(t, err)

	ciphertext, err := e.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "hunter2")

	plaintext, err := e.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestEncryptionIsNondeterministic(t *testing.T) {
	e, err := NewEncryptor(keyA)
	require.NoError(t, err)

	first, err := e.Encrypt("same input")
	require.NoError(t, err)
	second, err := e.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "a fresh nonce per encryption")
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	a, err := NewEncryptor(keyA)
	require.NoError(t, err)
	b, err := NewEncryptor(keyB)
	require.NoError(t, err)

	ciphertext, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	e, err := NewEncryptor(keyA)
	require.NoError(t, err)

	ciphertext, err := e.Encrypt("secret")
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 1
	_, err = e.Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestBadKeysRejected(t *testing.T) {
	_, err := NewEncryptor("")
	assert.Error(t, err)

	_, err = NewEncryptor("not-hex")
	assert.Error(t, err)

	// 16 bytes: too short for AES-256
	_, err = NewEncryptor("6368616e67652074686973207061737377")
	assert.Error(t, err)
}
