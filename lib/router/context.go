// Package router assembles the messaging core: router identity and keys,
// the corrected clock, tunnel pools and the garlic destination, glued to
// transport and netdb collaborators through narrow interfaces.
package router

import (
	"crypto/ed25519"
	"crypto/sha256"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/theaky/kovri/lib/crypto/elgamal"
	"github.com/theaky/kovri/lib/crypto/sig"
	"github.com/theaky/kovri/lib/util/time/sntp"
)

var log = logger.GetGoI2PLogger()

// Context carries the process-wide router state: identity hash, encryption
// key pair, signing key and the corrected clock.
type Context struct {
	identHash common.Hash

	encPub  elgamal.PublicKey
	encPriv elgamal.PrivateKey

	sigType int
	signer  sig.Signer
	signPub []byte

	clock *sntp.Clock
}

// NewContext generates a fresh router identity: an ElGamal encryption key
// pair and an Ed25519 signing key. The identity hash covers both public
// keys.
func NewContext(clock *sntp.Clock) (*Context, error) {
	encPub, encPriv, err := elgamal.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, oops.Wrapf(err, "router: failed to generate encryption keys")
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, oops.Wrapf(err, "router: entropy source failed")
	}
	signer, err := sig.NewSigner(sig.TypeEdDSASHA512Ed25519, seed)
	if err != nil {
		return nil, oops.Wrapf(err, "router: failed to create signer")
	}

	signPub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	ctx := &Context{
		encPub:  encPub,
		encPriv: encPriv,
		sigType: sig.TypeEdDSASHA512Ed25519,
		signer:  signer,
		signPub: signPub,
		clock:   clock,
	}
	digest := sha256.New()
	digest.Write(encPub[:])
	digest.Write(signPub)
	copy(ctx.identHash[:], digest.Sum(nil))
	return ctx, nil
}

// IdentHash returns the router's identity hash.
func (c *Context) IdentHash() common.Hash { return c.identHash }

// EncryptionPublicKey returns the ElGamal public key.
func (c *Context) EncryptionPublicKey() elgamal.PublicKey { return c.encPub }

// EncryptionPrivateKey returns the ElGamal private key.
func (c *Context) EncryptionPrivateKey() elgamal.PrivateKey { return c.encPriv }

// Signer returns the identity signer.
func (c *Context) Signer() sig.Signer { return c.signer }

// Clock returns the corrected clock.
func (c *Context) Clock() *sntp.Clock { return c.clock }

// VerifyIdentity checks a descriptor signature against the identity's
// declared signing key. Construction failure means bad key material; the
// caller discards the descriptor as an invalid identity.
func VerifyIdentity(sigType int, pub, data, signature []byte) error {
	verifier, err := sig.NewVerifier(sigType, pub)
	if err != nil {
		return oops.Wrapf(err, "router: invalid identity")
	}
	return verifier.Verify(data, signature)
}

// XORDistance returns the Kademlia distance between two identity hashes.
func XORDistance(a, b common.Hash) (distance common.Hash) {
	for i := range a {
		distance[i] = a[i] ^ b[i]
	}
	return
}

// CloserTo reports whether a is closer to key than b under the XOR metric
// with lexicographic comparison.
func CloserTo(key, a, b common.Hash) bool {
	da := XORDistance(key, a)
	db := XORDistance(key, b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}
