package sig

import (
	"crypto/dsa"
	"crypto/sha1"
	"io"
	"math/big"
)

// Standard I2P DSA-SHA1 domain parameters (1024-bit p, 160-bit q).
var (
	dsap, _ = new(big.Int).SetString(
		"FD7F53811D75122952DF4A9C2EECE4E7F611B7523CEF4400C31E3F80B6512669"+
			"455D402251FB593D8D58FABFC5F5BA30F6CB9B556CD7813B801D346FF26660B7"+
			"6B9950A5A49F9FE8047B1022C24FBBA9D7FEB7C61BF83B57E7C6A8A6150F04FB"+
			"83F6D3C51EC3023554135A169132F675F3AE2B61D72AEFF22203199DD14801C7", 16)
	dsaq, _ = new(big.Int).SetString(
		"9760508F15230BCCB292B982A2EB840BF0581CF5", 16)
	dsag, _ = new(big.Int).SetString(
		"F7E1A085D69B3DDECBBCAB5C36B857B97994AFBBFA3AEA82F9574C0B3D078267"+
			"5159578EBAD4594FE67107108180B449167123E84C281613B7CF09328CC8A6E1"+
			"3C167A8B547C8D28E0A3AE1E2BB3A675916EA37F0BFA213562F1FB627A01243B"+
			"CCA4F1BEA8519089A883DFE15AE59F06928B665E807B552564014C3BFECF492A", 16)

	dsaParams = dsa.Parameters{P: dsap, Q: dsaq, G: dsag}
)

const (
	dsaPublicKeySize  = 128
	dsaPrivateKeySize = 20
	dsaSignatureSize  = 40
)

type dsaVerifier struct {
	k *dsa.PublicKey
}

type dsaSigner struct {
	k *dsa.PrivateKey
}

func newDSAVerifier(pub []byte) (*dsaVerifier, error) {
	if len(pub) != dsaPublicKeySize {
		return nil, ErrInvalidKeyFormat
	}
	return &dsaVerifier{
		k: &dsa.PublicKey{
			Parameters: dsaParams,
			Y:          new(big.Int).SetBytes(pub),
		},
	}, nil
}

func newDSASigner(priv []byte) (*dsaSigner, error) {
	if len(priv) != dsaPrivateKeySize {
		return nil, ErrInvalidKeyFormat
	}
	x := new(big.Int).SetBytes(priv)
	if x.Cmp(dsaq) >= 0 {
		return nil, ErrInvalidKeyFormat
	}
	return &dsaSigner{
		k: &dsa.PrivateKey{
			PublicKey: dsa.PublicKey{
				Parameters: dsaParams,
				Y:          new(big.Int).Exp(dsag, x, dsap),
			},
			X: x,
		},
	}, nil
}

func (v *dsaVerifier) Verify(data, sigBytes []byte) error {
	if len(sigBytes) != dsaSignatureSize {
		return ErrBadSignatureSize
	}
	h := sha1.Sum(data)
	r := new(big.Int).SetBytes(sigBytes[:20])
	s := new(big.Int).SetBytes(sigBytes[20:])
	if !dsa.Verify(v.k, h[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *dsaSigner) Sign(rand io.Reader, data []byte) ([]byte, error) {
	h := sha1.Sum(data)
	r, sv, err := dsa.Sign(rand, s.k, h[:])
	if err != nil {
		return nil, err
	}
	sigBytes := make([]byte, dsaSignatureSize)
	r.FillBytes(sigBytes[:20])
	sv.FillBytes(sigBytes[20:])
	return sigBytes, nil
}
