package aes

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	plaintext := make([]byte, 64)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	buf := append([]byte(nil), plaintext...)

	enc, err := NewCBCEncryption(key)
	require.NoError(t, err)
	enc.SetIV(iv)
	require.NoError(t, enc.Encrypt(buf))
	assert.NotEqual(t, plaintext, buf)

	dec, err := NewCBCDecryption(key)
	require.NoError(t, err)
	dec.SetIV(iv)
	require.NoError(t, dec.Decrypt(buf))
	assert.Equal(t, plaintext, buf)
}

func TestCBCRejectsUnalignedLength(t *testing.T) {
	key := make([]byte, 32)
	enc, err := NewCBCEncryption(key)
	require.NoError(t, err)
	assert.Error(t, enc.Encrypt(make([]byte, 15)))

	dec, err := NewCBCDecryption(key)
	require.NoError(t, err)
	assert.Error(t, dec.Decrypt(make([]byte, 17)))
}

func TestCBCRejectsBadKey(t *testing.T) {
	_, err := NewCBCEncryption(make([]byte, 7))
	assert.Error(t, err)
}

func TestCBCSetIVAcceptsDigest(t *testing.T) {
	// a 32-byte SHA-256 digest may be passed directly; only the first 16
	// bytes select the IV
	key := make([]byte, 32)
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	buf := make([]byte, 16)

	enc, err := NewCBCEncryption(key)
	require.NoError(t, err)
	enc.SetIV(digest)
	require.NoError(t, enc.Encrypt(buf))

	dec, err := NewCBCDecryption(key)
	require.NoError(t, err)
	dec.SetIV(digest[:16])
	require.NoError(t, dec.Decrypt(buf))
	assert.Equal(t, make([]byte, 16), buf)
}
