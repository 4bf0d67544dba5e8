package tunnel

import (
	"sync"

	common "github.com/go-i2p/common/data"

	"github.com/theaky/kovri/lib/i2np"
)

// InTunnel is an established inbound tunnel; we are its endpoint.
type InTunnel struct {
	config *Config
}

// ID returns the tunnel ID the last hop delivers to us on.
func (t *InTunnel) ID() TunnelID { return t.config.LastHop().NextTunnelID }

// NextIdentHash returns the gateway router's identity hash. The naming is
// gateway-side because that is the address a remote sender needs.
func (t *InTunnel) NextIdentHash() common.Hash { return t.config.FirstHop().Router.IdentHash() }

// NextTunnelID returns the gateway's receive tunnel ID.
func (t *InTunnel) NextTunnelID() uint32 { return uint32(t.config.FirstHop().TunnelID) }

// Config returns the hop chain.
func (t *InTunnel) Config() *Config { return t.config }

// OutTunnel is an established outbound tunnel; we are its gateway.
type OutTunnel struct {
	config     *Config
	transports Transports
}

// ID returns the first hop's receive tunnel ID.
func (t *OutTunnel) ID() TunnelID { return t.config.FirstHop().TunnelID }

// Config returns the hop chain.
func (t *OutTunnel) Config() *Config { return t.config }

// SendTunnelDataMsg delivers msg to the remote inbound gateway
// (gwHash, gwTunnelID) as a TunnelGateway message; a zero gwTunnelID
// means router delivery and sends the message unwrapped. The tunnel-data
// framing and per-hop layering of the outbound path belong to the
// transport-facing send pipeline; at this layer the message is framed for
// the target gateway and handed to the transports.
func (t *OutTunnel) SendTunnelDataMsg(gwHash common.Hash, gwTunnelID uint32, msg *i2np.Message) error {
	if gwTunnelID == 0 {
		t.transports.SendMessage(gwHash, msg)
		return nil
	}
	gw, err := i2np.CreateTunnelGatewayMsgFromMessage(gwTunnelID, msg)
	if err != nil {
		return err
	}
	t.transports.SendMessage(gwHash, gw)
	return nil
}

// Pool tracks established tunnels and hands them out round-robin.
type Pool struct {
	mu       sync.Mutex
	inbound  []*InTunnel
	outbound []*OutTunnel
	nextIn   int
	nextOut  int
}

func NewPool() *Pool {
	return &Pool{}
}

// AddInbound registers an established inbound tunnel.
func (p *Pool) AddInbound(t *InTunnel) {
	p.mu.Lock()
	p.inbound = append(p.inbound, t)
	p.mu.Unlock()
}

// AddOutbound registers an established outbound tunnel.
func (p *Pool) AddOutbound(t *OutTunnel) {
	p.mu.Lock()
	p.outbound = append(p.outbound, t)
	p.mu.Unlock()
}

// NextInboundTunnel returns the next inbound tunnel round-robin, or nil.
func (p *Pool) NextInboundTunnel() *InTunnel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbound) == 0 {
		return nil
	}
	t := p.inbound[p.nextIn%len(p.inbound)]
	p.nextIn++
	return t
}

// NextOutboundTunnel returns the next outbound tunnel round-robin, or nil.
func (p *Pool) NextOutboundTunnel() *OutTunnel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outbound) == 0 {
		return nil
	}
	t := p.outbound[p.nextOut%len(p.outbound)]
	p.nextOut++
	return t
}

// Size returns the number of established tunnels.
func (p *Pool) Size() (inbound, outbound int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbound), len(p.outbound)
}
