package sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"math/big"
)

type ecdsaProfile struct {
	curve elliptic.Curve
	hash  func() hash.Hash
	// coordinate size in bytes; signatures are r||s, keys X||Y
	fieldSize int
}

func ecdsaProfileFor(sigType int) ecdsaProfile {
	switch sigType {
	case TypeECDSASHA384P384:
		return ecdsaProfile{elliptic.P384(), sha512.New384, 48}
	case TypeECDSASHA512P521:
		return ecdsaProfile{elliptic.P521(), sha512.New, 66}
	default:
		return ecdsaProfile{elliptic.P256(), sha256.New, 32}
	}
}

type ecdsaVerifier struct {
	profile ecdsaProfile
	k       *ecdsa.PublicKey
}

type ecdsaSigner struct {
	profile ecdsaProfile
	k       *ecdsa.PrivateKey
}

func newECDSAVerifier(sigType int, pub []byte) (*ecdsaVerifier, error) {
	profile := ecdsaProfileFor(sigType)
	if len(pub) != 2*profile.fieldSize {
		return nil, ErrInvalidKeyFormat
	}
	x := new(big.Int).SetBytes(pub[:profile.fieldSize])
	y := new(big.Int).SetBytes(pub[profile.fieldSize:])
	if !profile.curve.IsOnCurve(x, y) {
		return nil, ErrInvalidKeyFormat
	}
	return &ecdsaVerifier{
		profile: profile,
		k:       &ecdsa.PublicKey{Curve: profile.curve, X: x, Y: y},
	}, nil
}

func newECDSASigner(sigType int, priv []byte) (*ecdsaSigner, error) {
	profile := ecdsaProfileFor(sigType)
	if len(priv) != profile.fieldSize {
		return nil, ErrInvalidKeyFormat
	}
	d := new(big.Int).SetBytes(priv)
	if d.Sign() == 0 || d.Cmp(profile.curve.Params().N) >= 0 {
		return nil, ErrInvalidKeyFormat
	}
	k := &ecdsa.PrivateKey{D: d}
	k.Curve = profile.curve
	k.X, k.Y = profile.curve.ScalarBaseMult(d.Bytes())
	return &ecdsaSigner{profile: profile, k: k}, nil
}

func (v *ecdsaVerifier) Verify(data, sigBytes []byte) error {
	n := v.profile.fieldSize
	if len(sigBytes) != 2*n {
		return ErrBadSignatureSize
	}
	h := v.profile.hash()
	h.Write(data)
	digest := h.Sum(nil)
	r := new(big.Int).SetBytes(sigBytes[:n])
	s := new(big.Int).SetBytes(sigBytes[n:])
	if !ecdsa.Verify(v.k, digest, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *ecdsaSigner) Sign(rand io.Reader, data []byte) ([]byte, error) {
	h := s.profile.hash()
	h.Write(data)
	digest := h.Sum(nil)
	r, sv, err := ecdsa.Sign(rand, s.k, digest)
	if err != nil {
		return nil, err
	}
	n := s.profile.fieldSize
	sigBytes := make([]byte, 2*n)
	r.FillBytes(sigBytes[:n])
	sv.FillBytes(sigBytes[n:])
	return sigBytes, nil
}
