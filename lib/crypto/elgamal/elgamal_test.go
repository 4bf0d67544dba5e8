package elgamal

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElGamalRoundTripPadded(t *testing.T) {
	pub, priv, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	enc, err := NewEncryption(pub, rand.Reader)
	require.NoError(t, err)

	data := make([]byte, CleartextSize)
	for i := range data {
		data[i] = byte(i)
	}
	encrypted, err := enc.Encrypt(data, true)
	require.NoError(t, err)
	assert.Equal(t, EncryptedPaddedSize, len(encrypted))

	decrypted, err := Decrypt(priv, encrypted, true)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)
}

func TestElGamalRoundTripUnpadded(t *testing.T) {
	pub, priv, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	enc, err := NewEncryption(pub, rand.Reader)
	require.NoError(t, err)

	data := make([]byte, CleartextSize)
	data[0] = 0xAB
	data[221] = 0xCD
	encrypted, err := enc.Encrypt(data, false)
	require.NoError(t, err)
	assert.Equal(t, EncryptedSize, len(encrypted))

	decrypted, err := Decrypt(priv, encrypted, false)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)
}

func TestElGamalRejectsOversizedInput(t *testing.T) {
	pub, _, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	enc, err := NewEncryption(pub, rand.Reader)
	require.NoError(t, err)

	_, err = enc.Encrypt(make([]byte, CleartextSize+1), true)
	assert.Error(t, err)
}

func TestElGamalTamperedCiphertextFails(t *testing.T) {
	pub, priv, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	enc, err := NewEncryption(pub, rand.Reader)
	require.NoError(t, err)

	encrypted, err := enc.Encrypt(make([]byte, CleartextSize), true)
	require.NoError(t, err)
	encrypted[300] ^= 0x01

	_, err = Decrypt(priv, encrypted, true)
	assert.Error(t, err)
}

func TestElGamalWrongKeyFails(t *testing.T) {
	pub, _, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	enc, err := NewEncryption(pub, rand.Reader)
	require.NoError(t, err)
	encrypted, err := enc.Encrypt(make([]byte, CleartextSize), true)
	require.NoError(t, err)

	_, err = Decrypt(otherPriv, encrypted, true)
	assert.Error(t, err)
}
