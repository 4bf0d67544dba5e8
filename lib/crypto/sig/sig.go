// Package sig exposes the signature algorithms named by I2P key
// certificates behind a single Signer/Verifier pair. Construction fails on
// malformed key material; the caller treats that as an invalid identity and
// discards the descriptor.
package sig

import (
	"io"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Signing key types as they appear in key certificates.
const (
	TypeDSASHA1 = iota
	TypeECDSASHA256P256
	TypeECDSASHA384P384
	TypeECDSASHA512P521
	TypeRSASHA2562048
	TypeRSASHA3843072
	TypeRSASHA5124096
	TypeEdDSASHA512Ed25519
)

var (
	ErrBadSignatureSize = oops.Errorf("bad signature size")
	ErrInvalidKeyFormat = oops.Errorf("invalid key format")
	ErrInvalidSignature = oops.Errorf("invalid signature")
	ErrUnknownSigType   = oops.Errorf("unknown signature type")
)

// Verifier checks detached signatures over raw messages.
type Verifier interface {
	// Verify returns nil iff sig is a valid signature of data.
	Verify(data, sig []byte) error
}

// Signer produces detached signatures over raw messages.
type Signer interface {
	// Sign signs data, drawing any required nonce from rand.
	Sign(rand io.Reader, data []byte) ([]byte, error)
}

// NewVerifier constructs a verifier for the given signing key type from its
// raw public key bytes.
func NewVerifier(sigType int, pub []byte) (Verifier, error) {
	switch sigType {
	case TypeDSASHA1:
		return newDSAVerifier(pub)
	case TypeECDSASHA256P256, TypeECDSASHA384P384, TypeECDSASHA512P521:
		return newECDSAVerifier(sigType, pub)
	case TypeRSASHA2562048, TypeRSASHA3843072, TypeRSASHA5124096:
		return newRSAVerifier(sigType, pub)
	case TypeEdDSASHA512Ed25519:
		return newEd25519Verifier(pub)
	}
	log.WithField("sig_type", sigType).Warn("Unknown signature type")
	return nil, ErrUnknownSigType
}

// NewSigner constructs a signer for the given signing key type from its raw
// private key bytes.
func NewSigner(sigType int, priv []byte) (Signer, error) {
	switch sigType {
	case TypeDSASHA1:
		return newDSASigner(priv)
	case TypeECDSASHA256P256, TypeECDSASHA384P384, TypeECDSASHA512P521:
		return newECDSASigner(sigType, priv)
	case TypeRSASHA2562048, TypeRSASHA3843072, TypeRSASHA5124096:
		return newRSASigner(sigType, priv)
	case TypeEdDSASHA512Ed25519:
		return newEd25519Signer(priv)
	}
	return nil, ErrUnknownSigType
}
