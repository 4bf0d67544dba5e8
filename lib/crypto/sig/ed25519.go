package sig

import (
	"crypto/ed25519"
	"io"
)

type ed25519Verifier struct {
	k ed25519.PublicKey
}

type ed25519Signer struct {
	k ed25519.PrivateKey
}

func newEd25519Verifier(pub []byte) (*ed25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyFormat
	}
	k := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(k, pub)
	return &ed25519Verifier{k: k}, nil
}

// newEd25519Signer accepts either a 32-byte seed or a 64-byte expanded
// private key.
func newEd25519Signer(priv []byte) (*ed25519Signer, error) {
	switch len(priv) {
	case ed25519.SeedSize:
		return &ed25519Signer{k: ed25519.NewKeyFromSeed(priv)}, nil
	case ed25519.PrivateKeySize:
		k := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(k, priv)
		return &ed25519Signer{k: k}, nil
	}
	return nil, ErrInvalidKeyFormat
}

func (v *ed25519Verifier) Verify(data, sigBytes []byte) error {
	if len(sigBytes) != ed25519.SignatureSize {
		return ErrBadSignatureSize
	}
	if !ed25519.Verify(v.k, data, sigBytes) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *ed25519Signer) Sign(_ io.Reader, data []byte) ([]byte, error) {
	return ed25519.Sign(s.k, data), nil
}
