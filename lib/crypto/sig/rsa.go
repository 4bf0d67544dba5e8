package sig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"io"
	"math/big"
)

type rsaProfile struct {
	hash    crypto.Hash
	keySize int
}

func rsaProfileFor(sigType int) rsaProfile {
	switch sigType {
	case TypeRSASHA3843072:
		return rsaProfile{crypto.SHA384, 384}
	case TypeRSASHA5124096:
		return rsaProfile{crypto.SHA512, 512}
	default:
		return rsaProfile{crypto.SHA256, 256}
	}
}

func rsaDigest(h crypto.Hash, data []byte) []byte {
	switch h {
	case crypto.SHA384:
		d := sha512.Sum384(data)
		return d[:]
	case crypto.SHA512:
		d := sha512.Sum512(data)
		return d[:]
	default:
		d := sha256.Sum256(data)
		return d[:]
	}
}

type rsaVerifier struct {
	profile rsaProfile
	k       *rsa.PublicKey
}

type rsaSigner struct {
	profile rsaProfile
	k       *rsa.PrivateKey
}

// newRSAVerifier builds a verifier from the raw modulus bytes. I2P RSA keys
// always use the fixed public exponent 65537.
func newRSAVerifier(sigType int, pub []byte) (*rsaVerifier, error) {
	profile := rsaProfileFor(sigType)
	if len(pub) != profile.keySize {
		return nil, ErrInvalidKeyFormat
	}
	return &rsaVerifier{
		profile: profile,
		k: &rsa.PublicKey{
			N: new(big.Int).SetBytes(pub),
			E: 65537,
		},
	}, nil
}

// newRSASigner builds a signer from modulus || private exponent, each
// keySize bytes.
func newRSASigner(sigType int, priv []byte) (*rsaSigner, error) {
	profile := rsaProfileFor(sigType)
	if len(priv) != 2*profile.keySize {
		return nil, ErrInvalidKeyFormat
	}
	n := new(big.Int).SetBytes(priv[:profile.keySize])
	d := new(big.Int).SetBytes(priv[profile.keySize:])
	if n.Sign() == 0 || d.Sign() == 0 {
		return nil, ErrInvalidKeyFormat
	}
	return &rsaSigner{
		profile: profile,
		k: &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{N: n, E: 65537},
			D:         d,
		},
	}, nil
}

func (v *rsaVerifier) Verify(data, sigBytes []byte) error {
	if len(sigBytes) != v.profile.keySize {
		return ErrBadSignatureSize
	}
	digest := rsaDigest(v.profile.hash, data)
	if err := rsa.VerifyPKCS1v15(v.k, v.profile.hash, digest, sigBytes); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func (s *rsaSigner) Sign(rand io.Reader, data []byte) ([]byte, error) {
	digest := rsaDigest(s.profile.hash, data)
	return rsa.SignPKCS1v15(rand, s.k, s.profile.hash, digest)
}
