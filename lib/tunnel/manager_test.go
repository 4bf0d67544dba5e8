package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaky/kovri/lib/i2np"
)

func hours() uint32 { return 480000 }

func newHopManager(peer *fakePeer) (*Manager, *fakeTransports) {
	transports := &fakeTransports{}
	m := NewManager(NewPool(), NewTransitPool(true, 100, 0), transports,
		peer.hash, peer.priv, hours)
	return m, transports
}

// TestManagerInboundBuildEndToEnd drives a three-hop inbound build through
// per-hop managers until the reply lands back at the originator and the
// tunnel is established.
func TestManagerInboundBuildEndToEnd(t *testing.T) {
	local := newFakePeer(t, 9)
	peers := []*fakePeer{newFakePeer(t, 1), newFakePeer(t, 2), newFakePeer(t, 3)}

	transports := &fakeTransports{}
	originator := NewManager(NewPool(), NewTransitPool(true, 100, 0), transports,
		local.hash, local.priv, hours)

	require.NoError(t, originator.BuildInboundTunnel(
		[]Peer{peers[0], peers[1], peers[2]}, local, nil))
	require.Len(t, transports.sent, 1)
	assert.Equal(t, peers[0].hash, transports.sent[0].to)

	msg := transports.sent[0].msg
	for i, peer := range peers {
		hopManager, hopTransports := newHopManager(peer)
		require.NoError(t, hopManager.HandleVariableTunnelBuildMsg(msg))
		require.Len(t, hopTransports.sent, 1, "hop %d did not forward", i)
		next := hopTransports.sent[0]
		if i < len(peers)-1 {
			assert.Equal(t, peers[i+1].hash, next.to)
		} else {
			assert.Equal(t, local.hash, next.to)
		}
		assert.Equal(t, 1, hopManager.transit.Size())
		msg = next.msg
	}

	// the build message reaches us carrying the reply-correlated msg ID
	require.NoError(t, originator.HandleVariableTunnelBuildMsg(msg))
	inbound, outbound := originator.pool.Size()
	assert.Equal(t, 1, inbound)
	assert.Equal(t, 0, outbound)

	tunnel := originator.pool.NextInboundTunnel()
	require.NotNil(t, tunnel)
	assert.Equal(t, peers[0].hash, tunnel.NextIdentHash())
}

// TestManagerDeclinedBuildNotEstablished: a hop at its transit cap rejects
// and the originator does not establish the tunnel.
func TestManagerDeclinedBuildNotEstablished(t *testing.T) {
	local := newFakePeer(t, 9)
	peer := newFakePeer(t, 1)

	transports := &fakeTransports{}
	originator := NewManager(NewPool(), NewTransitPool(true, 100, 0), transports,
		local.hash, local.priv, hours)
	require.NoError(t, originator.BuildInboundTunnel([]Peer{peer}, local, nil))
	require.Len(t, transports.sent, 1)

	hopTransports := &fakeTransports{}
	hopManager := NewManager(NewPool(), NewTransitPool(true, 0, 0), hopTransports,
		peer.hash, peer.priv, hours)
	require.NoError(t, hopManager.HandleVariableTunnelBuildMsg(transports.sent[0].msg))
	require.Len(t, hopTransports.sent, 1)

	require.NoError(t, originator.HandleVariableTunnelBuildMsg(hopTransports.sent[0].msg))
	inbound, _ := originator.pool.Size()
	assert.Equal(t, 0, inbound)
}

// TestManagerOutboundBuildReply: a build reply correlates with the pending
// outbound tunnel.
func TestManagerOutboundBuildReply(t *testing.T) {
	local := newFakePeer(t, 9)
	replyPeer := newFakePeer(t, 7)
	peer := newFakePeer(t, 1)

	transports := &fakeTransports{}
	originator := NewManager(NewPool(), NewTransitPool(true, 100, 0), transports,
		local.hash, local.priv, hours)

	replyCfg, err := NewConfig([]Peer{replyPeer}, nil, local)
	require.NoError(t, err)
	originator.pool.AddInbound(&InTunnel{config: replyCfg})

	require.NoError(t, originator.BuildOutboundTunnel([]Peer{peer},
		originator.pool.NextInboundTunnel()))
	require.Len(t, transports.sent, 1)
	buildMsg := transports.sent[0].msg
	var replyMsgID uint32
	for id := range originator.pendingOutbound {
		replyMsgID = id
	}

	hopManager, hopTransports := newHopManager(peer)
	require.NoError(t, hopManager.HandleVariableTunnelBuildMsg(buildMsg))
	// the endpoint hop wraps the reply for the reply tunnel's gateway
	require.Len(t, hopTransports.sent, 1)
	reply := hopTransports.sent[0]
	assert.Equal(t, replyPeer.hash, reply.to)
	assert.Equal(t, i2np.I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY, reply.msg.TypeID())

	// unwrap the gateway envelope as the reply tunnel would deliver it
	innerBytes := reply.msg.Payload()[i2np.TUNNEL_GATEWAY_HEADER_SIZE:]
	inner, err := i2np.ReadMessage(innerBytes)
	require.NoError(t, err)
	assert.Equal(t, i2np.I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY, inner.TypeID())
	assert.Equal(t, replyMsgID, inner.MsgID())

	require.NoError(t, originator.HandleVariableTunnelBuildReplyMsg(inner))
	_, outbound := originator.pool.Size()
	assert.Equal(t, 1, outbound)
}
