package tunnel

import (
	"encoding/binary"

	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
)

// HopConfig carries the per-hop build state: the hop's router, its tunnel
// IDs, the layer/IV keys it will use for tunnel data, and the reply
// key/IV under which it encrypts its build response.
type HopConfig struct {
	Router     Peer
	NextRouter Peer

	TunnelID     TunnelID
	NextTunnelID TunnelID

	LayerKey session_key.SessionKey
	IVKey    session_key.SessionKey
	ReplyKey session_key.SessionKey
	ReplyIV  [16]byte

	IsGateway  bool
	IsEndpoint bool

	// RecordIndex is this hop's record slot in the build message,
	// assigned when the message is created.
	RecordIndex int
}

// newHopConfig draws fresh keys and a receive tunnel ID for one hop. A
// lone hop starts as both gateway and endpoint; chaining clears the flags.
func newHopConfig(router Peer) (*HopConfig, error) {
	hop := &HopConfig{
		Router:      router,
		IsGateway:   true,
		IsEndpoint:  true,
		RecordIndex: -1,
	}
	if err := fillRandom(hop.LayerKey[:], hop.IVKey[:], hop.ReplyKey[:], hop.ReplyIV[:]); err != nil {
		return nil, err
	}
	hop.TunnelID = TunnelID(randomTunnelID())
	return hop, nil
}

func fillRandom(bufs ...[]byte) error {
	for _, b := range bufs {
		if _, err := rand.Read(b); err != nil {
			return oops.Wrapf(err, "tunnel: entropy source failed")
		}
	}
	return nil
}

func randomTunnelID() uint32 {
	var b [4]byte
	for {
		_, _ = rand.Read(b[:])
		if id := binary.BigEndian.Uint32(b[:]); id != 0 {
			return id
		}
	}
}

// Config is an ordered hop chain. The chain is stored flat; neighbours are
// adjacent indices, which keeps the two-directional traversal of build
// response verification simple.
type Config struct {
	hops []*HopConfig
}

// NewConfig links peers into a tunnel configuration.
//
// With a nil reply config the tunnel is inbound: the first hop is the
// gateway and the last hop forwards to us (localRouter) on a fresh tunnel
// ID. With a reply config the tunnel is outbound: we are the gateway, and
// the last hop delivers responses to the reply tunnel's gateway.
func NewConfig(peers []Peer, reply *Config, localRouter Peer) (*Config, error) {
	if len(peers) == 0 {
		return nil, oops.Errorf("tunnel: config requires at least one peer")
	}
	hops := make([]*HopConfig, 0, len(peers))
	for _, p := range peers {
		hop, err := newHopConfig(p)
		if err != nil {
			return nil, err
		}
		if prev := len(hops) - 1; prev >= 0 {
			hops[prev].NextRouter = hop.Router
			hops[prev].NextTunnelID = hop.TunnelID
			hops[prev].IsEndpoint = false
			hop.IsGateway = false
		}
		hops = append(hops, hop)
	}
	cfg := &Config{hops: hops}
	first, last := hops[0], hops[len(hops)-1]
	if reply != nil { // outbound
		first.IsGateway = false
		replyGw := reply.FirstHop()
		last.NextRouter = replyGw.Router
		last.NextTunnelID = replyGw.TunnelID
		last.IsEndpoint = true
	} else { // inbound, we are the endpoint
		last.NextRouter = localRouter
		last.NextTunnelID = TunnelID(randomTunnelID())
		last.IsEndpoint = false
	}
	return cfg, nil
}

// FirstHop returns the first hop of the chain.
func (c *Config) FirstHop() *HopConfig { return c.hops[0] }

// LastHop returns the last hop of the chain.
func (c *Config) LastHop() *HopConfig { return c.hops[len(c.hops)-1] }

// NumHops returns the chain length.
func (c *Config) NumHops() int { return len(c.hops) }

// Hops returns the chain in gateway-to-endpoint order.
func (c *Config) Hops() []*HopConfig { return c.hops }

// IsInbound reports the tunnel direction; an inbound tunnel's first hop is
// a remote gateway.
func (c *Config) IsInbound() bool { return c.hops[0].IsGateway }
