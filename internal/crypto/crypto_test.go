package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/crypto"
)

func TestCipher_SealOpen(t *testing.T) {
	key, err := crypto.RandomKey()
	require.NoError(t, err)
	c, err := crypto.NewCipher(key[:])
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("secret"), []byte("aad"))
	require.NoError(t, err)
	assert.Len(t, sealed, len("secret")+c.Overhead())

	plain, err := c.Open(sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain)

	_, err = c.Open(sealed, []byte("other"))
	assert.ErrorIs(t, err, crypto.ErrDecrypt)

	_, err = c.Open(sealed[:4], nil)
	assert.ErrorIs(t, err, crypto.ErrCiphertextTooShort)
}

func TestCipher_RejectsShortKey(t *testing.T) {
	_, err := crypto.NewCipher(make([]byte, 16))
	assert.ErrorIs(t, err, crypto.ErrInvalidKeyLength)
}

func TestSealTo_OpenFrom(t *testing.T) {
	recipient, err := crypto.GenerateX25519()
	require.NoError(t, err)
	other, err := crypto.GenerateX25519()
	require.NoError(t, err)

	sealed, err := crypto.SealTo(recipient.Public, []byte("welcome"), nil)
	require.NoError(t, err)

	plain, err := crypto.OpenFrom(recipient, sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("welcome"), plain)

	_, err = crypto.OpenFrom(other, sealed, nil)
	assert.ErrorIs(t, err, crypto.ErrDecrypt)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a, err := crypto.DeriveKey([]byte("secret"), nil, []byte("info"))
	require.NoError(t, err)
	b, err := crypto.DeriveKey([]byte("secret"), nil, []byte("info"))
	require.NoError(t, err)
	c, err := crypto.DeriveKey([]byte("secret"), nil, []byte("other"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSealWithNonce(t *testing.T) {
	key, err := crypto.RandomKey()
	require.NoError(t, err)
	nonce, err := crypto.RandomNonce()
	require.NoError(t, err)

	ct, err := crypto.SealWithNonce(key[:], nonce, []byte("file"), []byte("aad"))
	require.NoError(t, err)
	pt, err := crypto.OpenWithNonce(key[:], nonce, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("file"), pt)
}
