package elgamal

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"math/big"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	xelgamal "golang.org/x/crypto/openpgp/elgamal"
)

var log = logger.GetGoI2PLogger()

/*
I2P ElGamal-2048 block
https://geti2p.net/spec/cryptography#elgamal

Plaintext is at most 222 bytes, expanded to a 255-byte block before
exponentiation:

+----+----+----+----+----+----+----+----+
|nonz| SHA256(data)                      |
+----+                                   +
|                                        |
+         +----+----+----+----+----+----+
|         | data...                      |
+----+----+                              +
~                                        ~
+----+----+----+----+----+----+----+----+

The ciphertext is the pair (a, b), 256 bytes each. With zero padding each
half is preceded by a zero byte (514 bytes total); without, the halves are
packed back to back (512 bytes total).
*/

const (
	// CleartextSize is the number of plaintext bytes an ElGamal block carries.
	CleartextSize = 222
	// EncryptedPaddedSize is the ciphertext size with zero padding (garlic).
	EncryptedPaddedSize = 514
	// EncryptedSize is the ciphertext size without padding (build records).
	EncryptedSize = 512
)

var (
	one  = big.NewInt(1)
	elgg = big.NewInt(2)

	// 2048-bit MODP group prime (RFC 3526), the standard I2P ElGamal modulus.
	elgp, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74"+
			"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437"+
			"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
			"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05"+
			"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB"+
			"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
			"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718"+
			"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)
)

var (
	ErrDecryptFailed  = oops.Errorf("failed to decrypt elgamal encrypted data")
	ErrDataTooBig     = oops.Errorf("data too big for elgamal block")
	ErrBadUnpadLength = oops.Errorf("unexpected elgamal ciphertext length")
)

// PublicKey is a 256-byte ElGamal public key (the Y component).
type PublicKey [256]byte

// PrivateKey is a 256-byte ElGamal private key (the X component).
type PrivateKey [256]byte

// GenerateKeyPair creates a fresh ElGamal key pair from the given entropy
// source.
func GenerateKeyPair(rand io.Reader) (pub PublicKey, priv PrivateKey, err error) {
	xBytes := make([]byte, 256)
	if _, err = io.ReadFull(rand, xBytes); err != nil {
		log.WithError(err).Error("Failed to generate ElGamal key pair")
		return
	}
	x := new(big.Int).SetBytes(xBytes)
	x.Mod(x, elgp)
	k := &xelgamal.PrivateKey{
		PublicKey: xelgamal.PublicKey{
			G: elgg,
			P: elgp,
			Y: new(big.Int).Exp(elgg, x, elgp),
		},
		X: x,
	}
	k.X.FillBytes(priv[:])
	k.Y.FillBytes(pub[:])
	return
}

// createPublicKey builds the x/crypto key from its raw Y component.
func createPublicKey(pub PublicKey) *xelgamal.PublicKey {
	return &xelgamal.PublicKey{
		G: elgg,
		P: elgp,
		Y: new(big.Int).SetBytes(pub[:]),
	}
}

// createPrivateKey builds the x/crypto key from its raw X component.
func createPrivateKey(priv PrivateKey) *xelgamal.PrivateKey {
	x := new(big.Int).SetBytes(priv[:])
	return &xelgamal.PrivateKey{
		PublicKey: xelgamal.PublicKey{
			G: elgg,
			P: elgp,
			Y: new(big.Int).Exp(elgg, x, elgp),
		},
		X: x,
	}
}

// Encryption is a per-destination encryption session. The blinding values
// are computed once from the recipient's public key and reused for every
// block sent to that destination.
type Encryption struct {
	p, a, b1 *big.Int
}

// NewEncryption creates an encryption session for the given public key.
func NewEncryption(pub PublicKey, rand io.Reader) (*Encryption, error) {
	key := createPublicKey(pub)
	kBytes := make([]byte, 256)
	k := new(big.Int)
	for {
		if _, err := io.ReadFull(rand, kBytes); err != nil {
			return nil, oops.Wrapf(err, "elgamal: entropy source failed")
		}
		k.SetBytes(kBytes)
		k.Mod(k, key.P)
		if k.Sign() != 0 {
			break
		}
	}
	return &Encryption{
		p:  key.P,
		a:  new(big.Int).Exp(key.G, k, key.P),
		b1: new(big.Int).Exp(key.Y, k, key.P),
	}, nil
}

// Encrypt expands data into an I2P ElGamal block and encrypts it. With
// zeroPadding the result is 514 bytes, otherwise 512.
func (e *Encryption) Encrypt(data []byte, zeroPadding bool) ([]byte, error) {
	if len(data) > CleartextSize {
		return nil, ErrDataTooBig
	}
	mbytes := make([]byte, 255)
	mbytes[0] = 0xFF
	copy(mbytes[33:], data)
	// the digest covers the whole 222-byte block, zero padded
	d := sha256.Sum256(mbytes[33:255])
	copy(mbytes[1:], d[:])
	m := new(big.Int).SetBytes(mbytes)
	b := new(big.Int).Mod(new(big.Int).Mul(e.b1, m), e.p)

	var encrypted []byte
	if zeroPadding {
		encrypted = make([]byte, EncryptedPaddedSize)
		e.a.FillBytes(encrypted[1:257])
		b.FillBytes(encrypted[258:])
	} else {
		encrypted = make([]byte, EncryptedSize)
		e.a.FillBytes(encrypted[:256])
		b.FillBytes(encrypted[256:])
	}
	return encrypted, nil
}

// Decrypt reverses Encrypt using the recipient's private key. It returns
// the 222-byte cleartext block, or ErrDecryptFailed when the embedded
// digest does not match.
func Decrypt(priv PrivateKey, data []byte, zeroPadding bool) ([]byte, error) {
	expected := EncryptedSize
	if zeroPadding {
		expected = EncryptedPaddedSize
	}
	if len(data) < expected {
		return nil, ErrBadUnpadLength
	}

	a := new(big.Int)
	b := new(big.Int)
	idx := 0
	if zeroPadding {
		idx++
	}
	a.SetBytes(data[idx : idx+256])
	if zeroPadding {
		idx++
	}
	b.SetBytes(data[idx+256 : idx+512])

	key := createPrivateKey(priv)
	// m = b * a^(p-x-1) mod p
	exp := new(big.Int).Sub(new(big.Int).Sub(key.P, key.X), one)
	m := new(big.Int).Mod(new(big.Int).Mul(b, new(big.Int).Exp(a, exp, key.P)), key.P)
	if m.BitLen() > 255*8 {
		// a valid block is 255 bytes; anything wider is a wrong key or corrupt data
		log.WithError(ErrDecryptFailed).Error("ElGamal decryption failed")
		return nil, ErrDecryptFailed
	}
	mbytes := make([]byte, 255)
	m.FillBytes(mbytes)

	d := sha256.Sum256(mbytes[33:255])
	good := subtle.ConstantTimeCompare(d[:], mbytes[1:33])

	decrypted := make([]byte, CleartextSize)
	subtle.ConstantTimeCopy(good, decrypted, mbytes[33:255])
	if good == 0 {
		log.WithError(ErrDecryptFailed).Error("ElGamal decryption failed")
		return nil, ErrDecryptFailed
	}
	return decrypted, nil
}
