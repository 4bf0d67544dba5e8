// Package tunnel implements the tunnel build pipeline, transit tunnel
// admission and tunnel endpoint reassembly.
package tunnel

import (
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"

	"github.com/theaky/kovri/lib/i2np"
)

var log = logger.GetGoI2PLogger()

// TunnelID is a 4-byte tunnel identifier, unique per receiving router.
type TunnelID uint32

// Transports sends I2NP messages to directly connected routers. Sends are
// best-effort and asynchronous; unroutable messages are dropped.
type Transports interface {
	SendMessage(to common.Hash, msg *i2np.Message)
}

// Peer is the slice of a netdb router entry the build pipeline needs: its
// identity and its ElGamal encrypter.
type Peer interface {
	IdentHash() common.Hash
	EncryptElGamal(data []byte, zeroPadding bool) ([]byte, error)
}

// InboundTunnel is an established tunnel terminating at this router.
// NextIdentHash and NextTunnelID name the gateway side, which is what a
// remote sender needs to reach us.
type InboundTunnel interface {
	ID() TunnelID
	NextIdentHash() common.Hash
	NextTunnelID() uint32
}

// OutboundTunnel is an established tunnel originating at this router.
type OutboundTunnel interface {
	ID() TunnelID
	// SendTunnelDataMsg delivers msg to the remote gateway (gwHash,
	// gwTunnelID): framed as a TunnelGateway message, or unwrapped when
	// gwTunnelID is zero, and handed to the transports addressed to gwHash.
	// The message is not fragmented into tunnel data or layer-encrypted
	// along this tunnel's hops.
	SendTunnelDataMsg(gwHash common.Hash, gwTunnelID uint32, msg *i2np.Message) error
}
