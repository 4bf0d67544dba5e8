package tunnel

import (
	"crypto/rand"
	"testing"

	common "github.com/go-i2p/common/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaky/kovri/lib/crypto/elgamal"
	"github.com/theaky/kovri/lib/i2np"
)

// fakePeer is a test router with a real ElGamal key pair.
type fakePeer struct {
	hash common.Hash
	enc  *elgamal.Encryption
	priv elgamal.PrivateKey
}

func newFakePeer(t *testing.T, id byte) *fakePeer {
	t.Helper()
	pub, priv, err := elgamal.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	enc, err := elgamal.NewEncryption(pub, rand.Reader)
	require.NoError(t, err)
	p := &fakePeer{enc: enc, priv: priv}
	for i := range p.hash {
		p.hash[i] = id
	}
	return p
}

func (p *fakePeer) IdentHash() common.Hash { return p.hash }

func (p *fakePeer) EncryptElGamal(data []byte, zeroPadding bool) ([]byte, error) {
	return p.enc.Encrypt(data, zeroPadding)
}

func TestNewConfigInbound(t *testing.T) {
	peers := []Peer{newFakePeer(t, 1), newFakePeer(t, 2), newFakePeer(t, 3)}
	local := newFakePeer(t, 9)

	cfg, err := NewConfig(peers, nil, local)
	require.NoError(t, err)

	assert.True(t, cfg.IsInbound())
	assert.True(t, cfg.FirstHop().IsGateway)
	assert.False(t, cfg.LastHop().IsEndpoint)
	assert.Equal(t, local.IdentHash(), cfg.LastHop().NextRouter.IdentHash())
	assert.NotZero(t, cfg.LastHop().NextTunnelID)

	hops := cfg.Hops()
	for i := 0; i < len(hops)-1; i++ {
		assert.Equal(t, hops[i+1].Router.IdentHash(), hops[i].NextRouter.IdentHash())
		assert.Equal(t, hops[i+1].TunnelID, hops[i].NextTunnelID)
	}
}

func TestNewConfigOutbound(t *testing.T) {
	replyPeers := []Peer{newFakePeer(t, 1)}
	local := newFakePeer(t, 9)
	reply, err := NewConfig(replyPeers, nil, local)
	require.NoError(t, err)

	peers := []Peer{newFakePeer(t, 4), newFakePeer(t, 5)}
	cfg, err := NewConfig(peers, reply, nil)
	require.NoError(t, err)

	assert.False(t, cfg.IsInbound())
	assert.False(t, cfg.FirstHop().IsGateway)
	assert.True(t, cfg.LastHop().IsEndpoint)
	assert.Equal(t, reply.FirstHop().Router.IdentHash(), cfg.LastHop().NextRouter.IdentHash())
	assert.Equal(t, reply.FirstHop().TunnelID, cfg.LastHop().NextTunnelID)
}

// TestBuildRoundTrip walks a build message through every hop's transit
// processing and verifies the accumulated reply at the originator.
func TestBuildRoundTrip(t *testing.T) {
	peers := []*fakePeer{newFakePeer(t, 1), newFakePeer(t, 2), newFakePeer(t, 3)}
	local := newFakePeer(t, 9)

	cfg, err := NewConfig([]Peer{peers[0], peers[1], peers[2]}, nil, local)
	require.NoError(t, err)
	msg, err := CreateVariableTunnelBuildMsg(cfg, 0x0BADF00D, 400000)
	require.NoError(t, err)
	defer msg.Release()

	payload := append([]byte(nil), msg.Payload()...)
	require.Equal(t, byte(3), payload[0])

	for i, hop := range cfg.Hops() {
		pool := NewTransitPool(true, 100, 0)
		req := pool.HandleBuildRequestRecords(payload[1:], 3, peers[i].hash, peers[i].priv)
		require.NotNil(t, req, "hop %d did not find its record", i)
		assert.Equal(t, hop.TunnelID, req.ReceiveTunnelID)
		assert.Equal(t, hop.NextTunnelID, req.NextTunnelID)
		assert.Equal(t, hop.NextRouter.IdentHash(), req.NextIdent)
		assert.Equal(t, hop.IsGateway, req.IsGateway)
		assert.Equal(t, hop.IsEndpoint, req.IsEndpoint)
		assert.Equal(t, uint32(0x0BADF00D), req.SendMsgID)
		assert.Equal(t, 1, pool.Size())
	}

	assert.True(t, HandleBuildResponse(cfg, payload))
}

// TestBuildAdmissionRefused verifies that a router at its cap answers with
// reject reason 30 and the originator declines the tunnel.
func TestBuildAdmissionRefused(t *testing.T) {
	peers := []*fakePeer{newFakePeer(t, 1), newFakePeer(t, 2)}
	local := newFakePeer(t, 9)

	cfg, err := NewConfig([]Peer{peers[0], peers[1]}, nil, local)
	require.NoError(t, err)
	msg, err := CreateVariableTunnelBuildMsg(cfg, 0x1111, 400000)
	require.NoError(t, err)
	defer msg.Release()

	payload := append([]byte(nil), msg.Payload()...)

	accepting := NewTransitPool(true, 100, 0)
	require.NotNil(t, accepting.HandleBuildRequestRecords(payload[1:], 2, peers[0].hash, peers[0].priv))

	atCap := NewTransitPool(true, 0, 0)
	req := handleAtCap(atCap, payload[1:], peers[1])
	require.NotNil(t, req)
	assert.Equal(t, uint64(1), atCap.NumRejected())
	assert.Equal(t, 0, atCap.Size())

	assert.False(t, HandleBuildResponse(cfg, payload))
}

func handleAtCap(pool *TransitPool, records []byte, peer *fakePeer) *BuildRequest {
	return pool.HandleBuildRequestRecords(records, 2, peer.hash, peer.priv)
}

func TestTransitRejectsWhenDisabled(t *testing.T) {
	peers := []*fakePeer{newFakePeer(t, 1)}
	local := newFakePeer(t, 9)
	cfg, err := NewConfig([]Peer{peers[0]}, nil, local)
	require.NoError(t, err)
	msg, err := CreateVariableTunnelBuildMsg(cfg, 0x2222, 400000)
	require.NoError(t, err)
	defer msg.Release()

	payload := append([]byte(nil), msg.Payload()...)
	pool := NewTransitPool(false, 100, 0)
	req := pool.HandleBuildRequestRecords(payload[1:], 1, peers[0].hash, peers[0].priv)
	require.NotNil(t, req)
	assert.Equal(t, uint64(1), pool.NumRejected())
	assert.False(t, HandleBuildResponse(cfg, payload))
}

func TestWriteAndVerifyBuildResponseRecord(t *testing.T) {
	record := make([]byte, i2np.TUNNEL_BUILD_RECORD_SIZE)
	for i := range record {
		record[i] = byte(i)
	}
	WriteBuildResponseRecord(record, 30)
	ret, err := VerifyBuildResponseRecord(record)
	require.NoError(t, err)
	assert.Equal(t, byte(30), ret)

	record[100] ^= 0x01
	_, err = VerifyBuildResponseRecord(record)
	assert.Error(t, err)
}

func TestCreateTunnelBuildMsgFixedRecords(t *testing.T) {
	peers := []*fakePeer{newFakePeer(t, 1), newFakePeer(t, 2)}
	local := newFakePeer(t, 9)
	cfg, err := NewConfig([]Peer{peers[0], peers[1]}, nil, local)
	require.NoError(t, err)

	msg, err := CreateTunnelBuildMsg(cfg, 0x3333, 400000)
	require.NoError(t, err)
	defer msg.Release()

	payload := append([]byte(nil), msg.Payload()...)
	require.Len(t, payload, i2np.NUM_TUNNEL_BUILD_RECORDS*i2np.TUNNEL_BUILD_RECORD_SIZE)

	for i, hop := range cfg.Hops() {
		pool := NewTransitPool(true, 100, 0)
		req := pool.HandleBuildRequestRecords(payload, i2np.NUM_TUNNEL_BUILD_RECORDS,
			peers[i].hash, peers[i].priv)
		require.NotNil(t, req, "hop %d did not find its record", i)
		assert.Equal(t, hop.TunnelID, req.ReceiveTunnelID)
	}
}
