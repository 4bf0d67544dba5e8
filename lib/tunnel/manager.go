package tunnel

import (
	"sync"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/theaky/kovri/lib/crypto/elgamal"
	"github.com/theaky/kovri/lib/i2np"
)

// pendingBuild is a tunnel whose build message is in flight, keyed by the
// reply message ID every hop echoes back.
type pendingBuild struct {
	config *Config
}

// Manager drives tunnel builds and processes build messages addressed to
// this router, either as originator (pending build replies) or as a
// candidate transit hop.
type Manager struct {
	mu              sync.Mutex
	pendingInbound  map[uint32]*pendingBuild
	pendingOutbound map[uint32]*pendingBuild

	pool        *Pool
	transit     *TransitPool
	transports  Transports
	localIdent  common.Hash
	privKey     elgamal.PrivateKey
	requestTime func() uint32 // hours since epoch
}

// NewManager wires a build manager. requestTime supplies hours since epoch
// for build records.
func NewManager(pool *Pool, transit *TransitPool, transports Transports,
	localIdent common.Hash, privKey elgamal.PrivateKey, requestTime func() uint32,
) *Manager {
	return &Manager{
		pendingInbound:  make(map[uint32]*pendingBuild),
		pendingOutbound: make(map[uint32]*pendingBuild),
		pool:            pool,
		transit:         transit,
		transports:      transports,
		localIdent:      localIdent,
		privKey:         privKey,
		requestTime:     requestTime,
	}
}

// BuildOutboundTunnel requests a new outbound tunnel through peers whose
// replies return via the given existing inbound tunnel's configuration.
func (m *Manager) BuildOutboundTunnel(peers []Peer, replyTunnel *InTunnel) error {
	if replyTunnel == nil {
		return oops.Errorf("tunnel: outbound build requires a reply tunnel")
	}
	cfg, err := NewConfig(peers, replyTunnel.Config(), nil)
	if err != nil {
		return err
	}
	replyMsgID := i2np.RandomMsgID()
	msg, err := CreateVariableTunnelBuildMsg(cfg, replyMsgID, m.requestTime())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pendingOutbound[replyMsgID] = &pendingBuild{config: cfg}
	m.mu.Unlock()
	m.transports.SendMessage(cfg.FirstHop().Router.IdentHash(), msg)
	return nil
}

// BuildInboundTunnel requests a new inbound tunnel through peers. The
// build message travels through outboundTunnel when given, directly to the
// first hop otherwise (the very first build has no tunnels yet).
func (m *Manager) BuildInboundTunnel(peers []Peer, localRouter Peer, outboundTunnel *OutTunnel) error {
	cfg, err := NewConfig(peers, nil, localRouter)
	if err != nil {
		return err
	}
	// the reply is the build message itself arriving at our endpoint side
	replyMsgID := i2np.RandomMsgID()
	msg, err := CreateVariableTunnelBuildMsg(cfg, replyMsgID, m.requestTime())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pendingInbound[replyMsgID] = &pendingBuild{config: cfg}
	m.mu.Unlock()

	gwHash := cfg.FirstHop().Router.IdentHash()
	if outboundTunnel != nil {
		// router delivery at the far end: the build message is handed to
		// the new tunnel's first hop as a plain I2NP message
		return outboundTunnel.SendTunnelDataMsg(gwHash, 0, msg)
	}
	m.transports.SendMessage(gwHash, msg)
	return nil
}

// HandleVariableTunnelBuildMsg processes a received VariableTunnelBuild:
// either the reply for one of our pending inbound tunnels, or a request
// for us to become a transit hop, which is answered and forwarded.
func (m *Manager) HandleVariableTunnelBuildMsg(msg *i2np.Message) error {
	payload := msg.Payload()
	if len(payload) < 1 {
		return i2np.ERR_I2NP_NOT_ENOUGH_DATA
	}
	num := int(payload[0])

	m.mu.Lock()
	pending, isOurs := m.pendingInbound[msg.MsgID()]
	if isOurs {
		delete(m.pendingInbound, msg.MsgID())
	}
	m.mu.Unlock()

	if isOurs {
		if HandleBuildResponse(pending.config, payload) {
			m.pool.AddInbound(&InTunnel{config: pending.config})
			log.WithFields(logger.Fields{
				"at":        "tunnel.Manager.HandleVariableTunnelBuildMsg",
				"tunnel_id": pending.config.LastHop().NextTunnelID,
			}).Debug("inbound tunnel established")
		} else {
			log.WithFields(logger.Fields{
				"at": "tunnel.Manager.HandleVariableTunnelBuildMsg",
			}).Debug("inbound tunnel build declined")
		}
		return nil
	}

	req := m.transit.HandleBuildRequestRecords(payload[1:], num, m.localIdent, m.privKey)
	if req == nil {
		return nil
	}
	return m.forwardBuildMessage(req, payload, i2np.I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD,
		i2np.I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY)
}

// HandleTunnelBuildMsg processes a fixed eight-record TunnelBuild as a
// transit candidate.
func (m *Manager) HandleTunnelBuildMsg(msg *i2np.Message) error {
	payload := msg.Payload()
	req := m.transit.HandleBuildRequestRecords(payload, i2np.NUM_TUNNEL_BUILD_RECORDS,
		m.localIdent, m.privKey)
	if req == nil {
		return nil
	}
	return m.forwardBuildMessage(req, payload, i2np.I2NP_MESSAGE_TYPE_TUNNEL_BUILD,
		i2np.I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY)
}

// forwardBuildMessage passes a processed build message to the next hop. An
// endpoint hop returns it through the named reply tunnel as a build reply;
// every other hop forwards the build message onward.
func (m *Manager) forwardBuildMessage(req *BuildRequest, payload []byte, buildType, replyType int) error {
	if req.IsEndpoint {
		reply, err := i2np.CreateTunnelGatewayMsgForReply(uint32(req.NextTunnelID),
			replyType, payload, req.SendMsgID)
		if err != nil {
			return err
		}
		m.transports.SendMessage(req.NextIdent, reply)
		return nil
	}
	forward, err := i2np.CreateMsg(buildType, payload, req.SendMsgID)
	if err != nil {
		return err
	}
	m.transports.SendMessage(req.NextIdent, forward)
	return nil
}

// HandleVariableTunnelBuildReplyMsg correlates a build reply with a
// pending outbound tunnel and verifies it.
func (m *Manager) HandleVariableTunnelBuildReplyMsg(msg *i2np.Message) error {
	m.mu.Lock()
	pending, found := m.pendingOutbound[msg.MsgID()]
	if found {
		delete(m.pendingOutbound, msg.MsgID())
	}
	m.mu.Unlock()
	if !found {
		log.WithFields(logger.Fields{
			"at":     "tunnel.Manager.HandleVariableTunnelBuildReplyMsg",
			"msg_id": msg.MsgID(),
		}).Debug("no pending tunnel for build reply")
		return nil
	}
	if HandleBuildResponse(pending.config, msg.Payload()) {
		m.pool.AddOutbound(&OutTunnel{config: pending.config, transports: m.transports})
		log.WithFields(logger.Fields{
			"at":        "tunnel.Manager.HandleVariableTunnelBuildReplyMsg",
			"tunnel_id": pending.config.FirstHop().TunnelID,
		}).Debug("outbound tunnel established")
	} else {
		log.WithFields(logger.Fields{
			"at": "tunnel.Manager.HandleVariableTunnelBuildReplyMsg",
		}).Debug("outbound tunnel build declined")
	}
	return nil
}
