package garlic

import (
	"crypto/rand"
	"testing"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/lease"
	"github.com/go-i2p/common/session_key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaky/kovri/lib/crypto/elgamal"
	"github.com/theaky/kovri/lib/i2np"
)

// testClock is a settable clock.
type testClock struct {
	seconds uint32
}

func (c *testClock) SecondsSinceEpoch() uint32      { return c.seconds }
func (c *testClock) MillisecondsSinceEpoch() uint64 { return uint64(c.seconds) * 1000 }

// testDestination is a remote party with a real ElGamal key.
type testDestination struct {
	hash   common.Hash
	enc    *elgamal.Encryption
	isDest bool
}

func (d *testDestination) IdentHash() common.Hash { return d.hash }
func (d *testDestination) IsDestination() bool    { return d.isDest }

func (d *testDestination) EncryptElGamal(data []byte, zeroPadding bool) ([]byte, error) {
	return d.enc.Encrypt(data, zeroPadding)
}

type testInbound struct {
	hash     common.Hash
	tunnelID uint32
}

func (t *testInbound) NextIdentHash() common.Hash { return t.hash }
func (t *testInbound) NextTunnelID() uint32       { return t.tunnelID }

type forwardedClove struct {
	gwHash     common.Hash
	gwTunnelID uint32
	msg        *i2np.Message
}

type testOutbound struct {
	forwarded []forwardedClove
}

func (t *testOutbound) SendTunnelDataMsg(gwHash common.Hash, gwTunnelID uint32, msg *i2np.Message) error {
	t.forwarded = append(t.forwarded, forwardedClove{gwHash: gwHash, gwTunnelID: gwTunnelID, msg: msg})
	return nil
}

type testPool struct {
	in  *testInbound
	out *testOutbound
}

func (p *testPool) NextInboundTunnel() InboundTunnel {
	if p.in == nil {
		return nil
	}
	return p.in
}

func (p *testPool) NextOutboundTunnel() OutboundTunnel {
	if p.out == nil {
		return nil
	}
	return p.out
}

type testLeaseSet struct {
	ident common.Hash
	data  []byte
}

func (f *testLeaseSet) IdentHash() common.Hash          { return f.ident }
func (f *testLeaseSet) Bytes() []byte                   { return f.data }
func (f *testLeaseSet) NonExpiredLeases() []lease.Lease { return nil }

type received struct {
	msgs []*i2np.Message
}

func (r *received) handler(msg *i2np.Message, _ InboundTunnel) {
	r.msgs = append(r.msgs, msg)
}

// testPair wires a sending destination A and a receiving destination B
// that owns the ElGamal key A encrypts to.
type testPair struct {
	clock  *testClock
	sender *Destination
	recv   *Destination

	senderPool *testPool
	recvPool   *testPool
	remote     *testDestination
	recvGot    *received
	sendGot    *received
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	clock := &testClock{seconds: 1_700_000_000}

	recvPub, recvPriv, err := elgamal.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	enc, err := elgamal.NewEncryption(recvPub, rand.Reader)
	require.NoError(t, err)

	var senderHash, recvHash common.Hash
	senderHash[0] = 0xA1
	recvHash[0] = 0xB2

	remote := &testDestination{hash: recvHash, enc: enc, isDest: true}

	senderPool := &testPool{
		in:  &testInbound{tunnelID: 4242},
		out: &testOutbound{},
	}
	senderPool.in.hash[0] = 0xC3
	recvPool := &testPool{out: &testOutbound{}}

	sendGot := &received{}
	recvGot := &received{}

	_, senderPriv, err := elgamal.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	leaseSet := &testLeaseSet{ident: senderHash, data: []byte("sender lease set")}
	sender := NewDestination(senderHash, senderPriv,
		func() i2np.LeaseSetSource { return leaseSet },
		senderPool, sendGot.handler, clock, 4, 40)
	recv := NewDestination(recvHash, recvPriv, nil, recvPool, recvGot.handler, clock, 4, 40)

	return &testPair{
		clock:      clock,
		sender:     sender,
		recv:       recv,
		senderPool: senderPool,
		recvPool:   recvPool,
		remote:     remote,
		recvGot:    recvGot,
		sendGot:    sendGot,
	}
}

func dataMessage(t *testing.T, body string) *i2np.Message {
	t.Helper()
	m := i2np.NewShortMessage()
	require.NoError(t, m.Append([]byte(body)))
	m.FillHeader(i2np.I2NP_MESSAGE_TYPE_DATA, 0)
	return m
}

// TestNewSessionWrapAndHandle covers the first message to a fresh
// destination: ElGamal framing, a 40-tag batch, and three cloves
// (DeliveryStatus, LeaseSet, the caller's message).
func TestNewSessionWrapAndHandle(t *testing.T) {
	pair := newTestPair(t)
	inner := dataMessage(t, "first message")
	defer inner.Release()

	garlicMsg, err := pair.sender.WrapMessage(pair.remote, inner, true)
	require.NoError(t, err)
	defer garlicMsg.Release()
	assert.Equal(t, i2np.I2NP_MESSAGE_TYPE_GARLIC, garlicMsg.TypeID())

	// new-session framing carries the 514-byte ElGamal block
	assert.Greater(t, garlicMsg.PayloadLen(), 4+ELGAMAL_BLOCK_SIZE)

	pair.recv.HandleGarlicMessage(garlicMsg, nil)

	// the enclosed tag batch is adopted by the receiver
	assert.Equal(t, 40, pair.recv.NumInboundTags())

	// LeaseSet store clove and the data clove dispatch locally
	require.Len(t, pair.recvGot.msgs, 2)
	assert.Equal(t, i2np.I2NP_MESSAGE_TYPE_DATABASE_STORE, pair.recvGot.msgs[0].TypeID())
	assert.Equal(t, i2np.I2NP_MESSAGE_TYPE_DATA, pair.recvGot.msgs[1].TypeID())
	assert.Equal(t, inner.Bytes(), pair.recvGot.msgs[1].Bytes())

	// the DeliveryStatus clove is tunnel-routed back to the sender's
	// inbound gateway
	require.Len(t, pair.recvPool.out.forwarded, 1)
	ack := pair.recvPool.out.forwarded[0]
	assert.Equal(t, pair.senderPool.in.hash, ack.gwHash)
	assert.Equal(t, uint32(4242), ack.gwTunnelID)
	assert.Equal(t, i2np.I2NP_MESSAGE_TYPE_GARLIC, ack.msg.TypeID())
}

// TestAcknowledgementPromotesTagsAndLeaseSet plays the full loop: wrap,
// receive, route the garlic-wrapped DeliveryStatus back to the sender, and
// check the tag pool and lease-set confirmation.
func TestAcknowledgementPromotesTagsAndLeaseSet(t *testing.T) {
	pair := newTestPair(t)
	inner := dataMessage(t, "payload")
	defer inner.Release()

	garlicMsg, err := pair.sender.WrapMessage(pair.remote, inner, true)
	require.NoError(t, err)
	defer garlicMsg.Release()
	pair.recv.HandleGarlicMessage(garlicMsg, nil)

	session, err := pair.sender.GetRoutingSession(pair.remote, true)
	require.NoError(t, err)
	assert.Equal(t, 0, session.NumPoolTags())
	assert.Equal(t, leaseSetSubmitted, session.leaseSetUpdateStatus)

	// the acknowledgement arrives through our inbound tunnel as a garlic
	// message wrapped with the one-shot key we registered
	require.Len(t, pair.recvPool.out.forwarded, 1)
	ackGarlic := pair.recvPool.out.forwarded[0].msg
	pair.sender.HandleGarlicMessage(ackGarlic, nil)

	require.Len(t, pair.sendGot.msgs, 1)
	status := pair.sendGot.msgs[0]
	assert.Equal(t, i2np.I2NP_MESSAGE_TYPE_DELIVERY_STATUS, status.TypeID())
	pair.sender.HandleDeliveryStatusMessage(status)

	// batch promoted, lease set confirmed
	assert.Equal(t, 40, session.NumPoolTags())
	assert.Equal(t, leaseSetUpToDate, session.leaseSetUpdateStatus)
	assert.Empty(t, session.unconfirmed)

	// duplicate acknowledgement is silently dropped
	pair.sender.HandleDeliveryStatusMessage(status)
	assert.Equal(t, 40, session.NumPoolTags())
}

// TestSteadyStateWrapConsumesTag covers the existing-session path: the
// pool head becomes the wire prefix and is consumed exactly once.
func TestSteadyStateWrapConsumesTag(t *testing.T) {
	pair := newTestPair(t)
	session := confirmedSession(t, pair)

	poolBefore := session.NumPoolTags()
	require.Equal(t, 40, poolBefore)
	expected := session.tags[0].tag

	inner := dataMessage(t, "steady state")
	defer inner.Release()
	msg, err := session.WrapSingleMessage(inner)
	require.NoError(t, err)
	defer msg.Release()

	assert.Equal(t, poolBefore-1, session.NumPoolTags())
	assert.Equal(t, expected[:], msg.Payload()[4:36])

	// the receiver holds that tag and decrypts without ElGamal
	countBefore := len(pair.recvGot.msgs)
	pair.recv.HandleGarlicMessage(msg, nil)
	require.Len(t, pair.recvGot.msgs, countBefore+1)
	assert.Equal(t, inner.Bytes(), pair.recvGot.msgs[countBefore].Bytes())
}

// confirmedSession runs the new-session handshake so the sender's pool is
// populated.
func confirmedSession(t *testing.T, pair *testPair) *RoutingSession {
	t.Helper()
	inner := dataMessage(t, "handshake")
	defer inner.Release()
	garlicMsg, err := pair.sender.WrapMessage(pair.remote, inner, true)
	require.NoError(t, err)
	defer garlicMsg.Release()
	pair.recv.HandleGarlicMessage(garlicMsg, nil)
	require.Len(t, pair.recvPool.out.forwarded, 1)
	pair.sender.HandleGarlicMessage(pair.recvPool.out.forwarded[0].msg, nil)
	require.NotEmpty(t, pair.sendGot.msgs)
	pair.sender.HandleDeliveryStatusMessage(pair.sendGot.msgs[len(pair.sendGot.msgs)-1])

	session, err := pair.sender.GetRoutingSession(pair.remote, true)
	require.NoError(t, err)
	return session
}

// TestReplayedTagNeverDecryptsTwice: consuming a tag removes it, so the
// same garlic message replayed is dropped.
func TestReplayedTagNeverDecryptsTwice(t *testing.T) {
	pair := newTestPair(t)
	session := confirmedSession(t, pair)

	inner := dataMessage(t, "replay target")
	defer inner.Release()
	msg, err := session.WrapSingleMessage(inner)
	require.NoError(t, err)
	defer msg.Release()

	countBefore := len(pair.recvGot.msgs)
	pair.recv.HandleGarlicMessage(msg, nil)
	assert.Len(t, pair.recvGot.msgs, countBefore+1)

	pair.recv.HandleGarlicMessage(msg, nil)
	assert.Len(t, pair.recvGot.msgs, countBefore+1)
}

// TestExpiredTagsFallBackToElGamal: a session whose only tags have aged
// out reverts to new-session framing.
func TestExpiredTagsFallBackToElGamal(t *testing.T) {
	pair := newTestPair(t)
	session := confirmedSession(t, pair)
	require.Equal(t, 40, session.NumPoolTags())

	pair.clock.seconds += OUTGOING_TAGS_EXPIRATION_TIMEOUT + 1

	inner := dataMessage(t, "after expiry")
	defer inner.Release()
	msg, err := session.WrapSingleMessage(inner)
	require.NoError(t, err)
	defer msg.Release()

	// ElGamal framing is 514 bytes before the AES block
	assert.Greater(t, msg.PayloadLen(), 4+ELGAMAL_BLOCK_SIZE)
	assert.Equal(t, 0, session.NumPoolTags())
}

// TestLeaseSetStateMachine checks the documented transitions.
func TestLeaseSetStateMachine(t *testing.T) {
	pair := newTestPair(t)
	session, err := pair.sender.GetRoutingSession(pair.remote, true)
	require.NoError(t, err)
	assert.Equal(t, leaseSetUpdated, session.leaseSetUpdateStatus)

	inner := dataMessage(t, "ls")
	defer inner.Release()
	msg, err := session.WrapSingleMessage(inner)
	require.NoError(t, err)
	msg.Release()
	assert.Equal(t, leaseSetSubmitted, session.leaseSetUpdateStatus)

	session.MessageConfirmed(session.leaseSetUpdateMsgID)
	assert.Equal(t, leaseSetUpToDate, session.leaseSetUpdateStatus)

	session.SetLeaseSetUpdated()
	assert.Equal(t, leaseSetUpdated, session.leaseSetUpdateStatus)
}

// TestSubmittedLeaseSetRetriesAfterTimeout: an unconfirmed submission
// reverts to updated and is re-embedded on the next wrap.
func TestSubmittedLeaseSetRetriesAfterTimeout(t *testing.T) {
	pair := newTestPair(t)
	session, err := pair.sender.GetRoutingSession(pair.remote, true)
	require.NoError(t, err)

	inner := dataMessage(t, "first")
	defer inner.Release()
	msg, err := session.WrapSingleMessage(inner)
	require.NoError(t, err)
	msg.Release()
	require.Equal(t, leaseSetSubmitted, session.leaseSetUpdateStatus)
	firstMsgID := session.leaseSetUpdateMsgID

	pair.clock.seconds += (LEASET_CONFIRMATION_TIMEOUT / 1000) + 1

	msg2, err := session.WrapSingleMessage(inner)
	require.NoError(t, err)
	msg2.Release()
	assert.Equal(t, leaseSetSubmitted, session.leaseSetUpdateStatus)
	assert.NotEqual(t, firstMsgID, session.leaseSetUpdateMsgID)
}

// TestWrapWithoutTagsOrDestinationFails: a one-shot session whose tag is
// consumed has no destination for ElGamal fallback.
func TestWrapWithoutTagsOrDestinationFails(t *testing.T) {
	clock := &testClock{seconds: 1_700_000_000}
	oneShot, err := NewOneShotRoutingSession(session_key.SessionKey{1}, SessionTag{2}, clock)
	require.NoError(t, err)

	inner := dataMessage(t, "once")
	defer inner.Release()
	first, err := oneShot.WrapSingleMessage(inner)
	require.NoError(t, err)
	first.Release()

	_, err = oneShot.WrapSingleMessage(inner)
	assert.Error(t, err)
}

// TestCleanupRoutingSessions drops sessions with no tags and nothing
// pending.
func TestCleanupRoutingSessions(t *testing.T) {
	pair := newTestPair(t)
	_, err := pair.sender.GetRoutingSession(pair.remote, false)
	require.NoError(t, err)
	require.Len(t, pair.sender.sessions, 1)

	// nothing was ever sent: no tags, no unconfirmed batches
	pair.sender.CleanupRoutingSessions()
	assert.Empty(t, pair.sender.sessions)
}

// TestCleanupKeepsSessionsWithPendingBatches: unconfirmed batches keep a
// session alive.
func TestCleanupKeepsSessionsWithPendingBatches(t *testing.T) {
	pair := newTestPair(t)
	inner := dataMessage(t, "pending")
	defer inner.Release()
	garlicMsg, err := pair.sender.WrapMessage(pair.remote, inner, true)
	require.NoError(t, err)
	garlicMsg.Release()

	pair.sender.CleanupRoutingSessions()
	assert.Len(t, pair.sender.sessions, 1)

	// once the batch expires unacknowledged, the session dies
	pair.clock.seconds += OUTGOING_TAGS_EXPIRATION_TIMEOUT + 1
	pair.sender.CleanupRoutingSessions()
	assert.Empty(t, pair.sender.sessions)
}

// TestNoInboundTunnelSkipsDeliveryStatus: without an inbound tunnel the
// other cloves still go out.
func TestNoInboundTunnelSkipsDeliveryStatus(t *testing.T) {
	pair := newTestPair(t)
	pair.senderPool.in = nil

	inner := dataMessage(t, "no ack path")
	defer inner.Release()
	garlicMsg, err := pair.sender.WrapMessage(pair.remote, inner, true)
	require.NoError(t, err)
	defer garlicMsg.Release()

	pair.recv.HandleGarlicMessage(garlicMsg, nil)
	// lease set and data cloves arrive, no delivery status was produced
	require.Len(t, pair.recvGot.msgs, 2)
	assert.Empty(t, pair.recvPool.out.forwarded)
}

// TestTamperedGarlicPayloadDropped: a flipped payload bit fails the
// payload hash check and nothing dispatches.
func TestTamperedGarlicPayloadDropped(t *testing.T) {
	pair := newTestPair(t)
	session := confirmedSession(t, pair)

	inner := dataMessage(t, "tamper")
	defer inner.Release()
	msg, err := session.WrapSingleMessage(inner)
	require.NoError(t, err)
	defer msg.Release()

	countBefore := len(pair.recvGot.msgs)
	payload := msg.Payload()
	payload[len(payload)-1] ^= 0x01
	pair.recv.HandleGarlicMessage(msg, nil)
	assert.Len(t, pair.recvGot.msgs, countBefore)
}
