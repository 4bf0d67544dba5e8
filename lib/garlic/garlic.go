// Package garlic implements ElGamal/AES+SessionTags garlic routing: the
// outbound per-destination routing sessions with their one-time tag pools,
// and the inbound tag table with ElGamal fallback decryption and clove
// dispatch.
package garlic

import (
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"

	"github.com/theaky/kovri/lib/i2np"
)

var log = logger.GetGoI2PLogger()

// Garlic clove delivery types (bits 6..5 of the clove flag).
const (
	DELIVERY_TYPE_LOCAL       = 0
	DELIVERY_TYPE_DESTINATION = 1
	DELIVERY_TYPE_ROUTER      = 2
	DELIVERY_TYPE_TUNNEL      = 3
)

// Protocol timeouts. Tag lifetimes are in seconds, the lease-set
// confirmation timeout in milliseconds.
const (
	INCOMING_TAGS_EXPIRATION_TIMEOUT = 900 // 15 minutes
	OUTGOING_TAGS_EXPIRATION_TIMEOUT = 900 // 15 minutes
	LEASET_CONFIRMATION_TIMEOUT      = 4000
)

// ELGAMAL_BLOCK_SIZE is the zero-padded ElGamal prefix of a new-session
// garlic message; EXISTING_SESSION_PREFIX_SIZE the tag prefix of a
// steady-state one.
const (
	ELGAMAL_BLOCK_SIZE           = 514
	EXISTING_SESSION_PREFIX_SIZE = 32
)

// SessionTag is a 32-byte one-time identifier selecting a previously
// exchanged AES session key.
type SessionTag [32]byte

// sessionTagEntry pairs a tag with its creation time in seconds.
type sessionTagEntry struct {
	tag          SessionTag
	creationTime uint32
}

// Clock supplies the corrected wall time used for tag lifetimes and
// expirations.
type Clock interface {
	SecondsSinceEpoch() uint32
	MillisecondsSinceEpoch() uint64
}

// systemClock is the fallback when no NTP-corrected clock is wired.
type systemClock struct{}

func (systemClock) SecondsSinceEpoch() uint32 { return uint32(time.Now().Unix()) }

func (systemClock) MillisecondsSinceEpoch() uint64 { return uint64(time.Now().UnixMilli()) }

// RoutingDestination is the remote party of an outbound session: a leaf
// destination or a router, addressed by identity hash and reachable by
// ElGamal encryption.
type RoutingDestination interface {
	IdentHash() common.Hash
	EncryptElGamal(data []byte, zeroPadding bool) ([]byte, error)
	// IsDestination distinguishes leaf destinations from routers; it
	// selects the delivery type of the caller's clove.
	IsDestination() bool
}

// InboundTunnel names one of our inbound tunnels by its gateway side.
type InboundTunnel interface {
	NextIdentHash() common.Hash
	NextTunnelID() uint32
}

// OutboundTunnel routes a message to a remote inbound gateway.
type OutboundTunnel interface {
	SendTunnelDataMsg(gwHash common.Hash, gwTunnelID uint32, msg *i2np.Message) error
}

// TunnelPool selects tunnels round-robin; nil when none is available.
type TunnelPool interface {
	NextInboundTunnel() InboundTunnel
	NextOutboundTunnel() OutboundTunnel
}
