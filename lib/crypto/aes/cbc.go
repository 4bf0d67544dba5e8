package aes

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// CBCEncryption encrypts data in place using AES-256-CBC without padding.
// The tunnel and garlic layers always produce 16-byte aligned regions, so
// padding is handled by the caller (zero padding for garlic AES blocks,
// fixed record sizes everywhere else).
type CBCEncryption struct {
	block cipher.Block
	iv    [16]byte
}

// CBCDecryption is the decrypting counterpart of CBCEncryption.
type CBCDecryption struct {
	block cipher.Block
	iv    [16]byte
}

// NewCBCEncryption creates an encryption state from a 32-byte session key.
func NewCBCEncryption(key []byte) (*CBCEncryption, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		log.WithError(err).Error("Failed to create AES cipher")
		return nil, oops.Wrapf(err, "aes: bad key")
	}
	return &CBCEncryption{block: block}, nil
}

// NewCBCDecryption creates a decryption state from a 32-byte session key.
func NewCBCDecryption(key []byte) (*CBCDecryption, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		log.WithError(err).Error("Failed to create AES cipher")
		return nil, oops.Wrapf(err, "aes: bad key")
	}
	return &CBCDecryption{block: block}, nil
}

// SetIV sets the IV used by the next Encrypt call. Only the first 16 bytes
// of iv are used, so a 32-byte SHA-256 digest may be passed directly.
func (e *CBCEncryption) SetIV(iv []byte) {
	copy(e.iv[:], iv)
}

// Encrypt encrypts buf in place. len(buf) must be a multiple of the AES
// block size.
func (e *CBCEncryption) Encrypt(buf []byte) error {
	if len(buf)%aes.BlockSize != 0 {
		return oops.Errorf("aes: length %d is not a multiple of the block size", len(buf))
	}
	cipher.NewCBCEncrypter(e.block, e.iv[:]).CryptBlocks(buf, buf)
	return nil
}

// SetIV sets the IV used by the next Decrypt call.
func (d *CBCDecryption) SetIV(iv []byte) {
	copy(d.iv[:], iv)
}

// Decrypt decrypts buf in place. len(buf) must be a multiple of the AES
// block size.
func (d *CBCDecryption) Decrypt(buf []byte) error {
	if len(buf)%aes.BlockSize != 0 {
		return oops.Errorf("aes: length %d is not a multiple of the block size", len(buf))
	}
	cipher.NewCBCDecrypter(d.block, d.iv[:]).CryptBlocks(buf, buf)
	return nil
}
