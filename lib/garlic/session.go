package garlic

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/theaky/kovri/lib/crypto/aes"
	"github.com/theaky/kovri/lib/crypto/elgamal"
	"github.com/theaky/kovri/lib/i2np"
)

// Lease-set update states. At most one DatabaseStore for our lease-set is
// outstanding per session:
//
//	DoNotSend ──setLeaseSetUpdated──► Updated
//	Updated   ──wrap──► Submitted ──confirm──► UpToDate
//	Submitted ──timeout──► Updated
//	UpToDate  ──setLeaseSetUpdated──► Updated
const (
	leaseSetUpToDate = iota
	leaseSetUpdated
	leaseSetSubmitted
	leaseSetDoNotSend
)

// UnconfirmedTags is a freshly generated tag batch riding along a garlic
// message; it joins the pool only when that message is acknowledged.
type UnconfirmedTags struct {
	tags             []SessionTag
	tagsCreationTime uint32
}

// RoutingSession is the outbound garlic state for one remote destination:
// the AES session key, the FIFO pool of one-time tags, the batches
// awaiting confirmation and the lease-set update state machine.
//
// WrapSingleMessage, MessageConfirmed and CleanupExpiredTags serialize on
// the session mutex.
type RoutingSession struct {
	mu          sync.Mutex
	owner       *Destination
	destination RoutingDestination

	sessionKey session_key.SessionKey
	encryption *aes.CBCEncryption

	tags        []sessionTagEntry
	numTags     int
	unconfirmed map[uint32]*UnconfirmedTags

	leaseSetUpdateStatus   int
	leaseSetUpdateMsgID    uint32
	leaseSetSubmissionTime uint64 // milliseconds

	clock Clock
}

// NewRoutingSession creates a session for destination owned by the given
// registry. numTags sets the batch size for tag replenishment;
// attachLeaseSet arms the lease-set state machine.
func NewRoutingSession(owner *Destination, destination RoutingDestination,
	numTags int, attachLeaseSet bool,
) (*RoutingSession, error) {
	s := &RoutingSession{
		owner:       owner,
		destination: destination,
		numTags:     numTags,
		unconfirmed: make(map[uint32]*UnconfirmedTags),
		clock:       owner.clock,
	}
	if attachLeaseSet {
		s.leaseSetUpdateStatus = leaseSetUpdated
	} else {
		s.leaseSetUpdateStatus = leaseSetDoNotSend
	}
	if _, err := rand.Read(s.sessionKey[:]); err != nil {
		return nil, oops.Wrapf(err, "garlic: entropy source failed")
	}
	encryption, err := aes.NewCBCEncryption(s.sessionKey[:])
	if err != nil {
		return nil, err
	}
	s.encryption = encryption
	return s, nil
}

// NewOneShotRoutingSession creates a single-use session around an agreed
// key and tag. It is how the delivery-status reply is wrapped: the key and
// tag are registered with our own inbound tag table beforehand.
func NewOneShotRoutingSession(key session_key.SessionKey, tag SessionTag, clock Clock) (*RoutingSession, error) {
	encryption, err := aes.NewCBCEncryption(key[:])
	if err != nil {
		return nil, err
	}
	s := &RoutingSession{
		sessionKey:           key,
		encryption:           encryption,
		numTags:              1,
		unconfirmed:          make(map[uint32]*UnconfirmedTags),
		leaseSetUpdateStatus: leaseSetDoNotSend,
		clock:                clock,
	}
	s.tags = append(s.tags, sessionTagEntry{tag: tag, creationTime: clock.SecondsSinceEpoch()})
	return s, nil
}

// SetLeaseSetUpdated marks our lease-set as changed so the next wrap
// piggybacks it.
func (s *RoutingSession) SetLeaseSetUpdated() {
	s.mu.Lock()
	if s.leaseSetUpdateStatus != leaseSetDoNotSend {
		s.leaseSetUpdateStatus = leaseSetUpdated
	}
	s.mu.Unlock()
}

// popUnexpiredTag removes and returns the oldest unexpired tag. Expired
// tags ahead of it are discarded.
func (s *RoutingSession) popUnexpiredTag(now uint32) (SessionTag, bool) {
	for len(s.tags) > 0 {
		head := s.tags[0]
		s.tags = s.tags[1:]
		if now < head.creationTime+OUTGOING_TAGS_EXPIRATION_TIMEOUT {
			return head.tag, true
		}
	}
	return SessionTag{}, false
}

// WrapSingleMessage frames msg as a Garlic I2NP message to the session's
// destination: existing-session framing under a pool tag when one is
// available, new-session ElGamal framing otherwise.
func (s *RoutingSession) WrapSingleMessage(msg *i2np.Message) (*i2np.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tag SessionTag
	tagFound := false
	if s.numTags > 0 {
		tag, tagFound = s.popUnexpiredTag(s.clock.SecondsSinceEpoch())
	}

	m := i2np.NewMessage(msg.Length() + 2048)
	lengthField, err := m.Extend(4)
	if err != nil {
		m.Release()
		return nil, err
	}

	var iv [32]byte
	if !tagFound { // new session
		log.WithFields(logger.Fields{
			"at": "garlic.RoutingSession.WrapSingleMessage",
		}).Debug("no garlic tags available, using ElGamal")
		if s.destination == nil {
			m.Release()
			return nil, oops.Errorf("garlic: cannot use ElGamal for unknown destination")
		}
		block := make([]byte, elgamal.CleartextSize)
		copy(block[0:32], s.sessionKey[:])
		preIV := block[32:64]
		if _, err := rand.Read(block[32:]); err != nil { // pre-IV and padding
			m.Release()
			return nil, oops.Wrapf(err, "garlic: entropy source failed")
		}
		iv = sha256.Sum256(preIV)
		encrypted, err := s.destination.EncryptElGamal(block, true)
		if err != nil {
			m.Release()
			return nil, oops.Wrapf(err, "garlic: elgamal encryption failed")
		}
		if err := m.Append(encrypted); err != nil {
			m.Release()
			return nil, err
		}
	} else { // existing session
		iv = sha256.Sum256(tag[:])
		if err := m.Append(tag[:]); err != nil {
			m.Release()
			return nil, err
		}
	}
	s.encryption.SetIV(iv[:16])

	block, err := s.createAESBlock(msg)
	if err != nil {
		m.Release()
		return nil, err
	}
	if err := m.Append(block); err != nil {
		m.Release()
		return nil, err
	}
	binary.BigEndian.PutUint32(lengthField, uint32(m.PayloadLen()-4))
	m.FillHeader(i2np.I2NP_MESSAGE_TYPE_GARLIC, 0)
	return m, nil
}

// createAESBlock composes and encrypts the AES block:
// tagCount(2) | tag(32)* | payloadSize(4) | payloadHash(32) | flag(1) |
// payload | zero padding to a 16-byte multiple.
func (s *RoutingSession) createAESBlock(msg *i2np.Message) ([]byte, error) {
	createNewTags := s.owner != nil && s.numTags > 0 && len(s.tags) <= s.numTags*2/3
	var newTags *UnconfirmedTags
	if createNewTags {
		var err error
		if newTags, err = s.generateSessionTags(); err != nil {
			return nil, err
		}
	}

	payload, err := s.createGarlicPayload(msg, newTags)
	if err != nil {
		return nil, err
	}

	numTags := 0
	if newTags != nil {
		numTags = len(newTags.tags)
	}
	blockSize := 2 + numTags*32 + 4 + 32 + 1 + len(payload)
	if rem := blockSize % 16; rem != 0 {
		blockSize += 16 - rem
	}
	block := make([]byte, blockSize)
	binary.BigEndian.PutUint16(block, uint16(numTags))
	offset := 2
	if newTags != nil {
		for _, tag := range newTags.tags {
			copy(block[offset:], tag[:])
			offset += 32
		}
	}
	binary.BigEndian.PutUint32(block[offset:], uint32(len(payload)))
	offset += 4
	payloadHash := sha256.Sum256(payload)
	copy(block[offset:], payloadHash[:])
	offset += 32
	block[offset] = 0 // flag, no new session key
	offset++
	copy(block[offset:], payload)

	if err := s.encryption.Encrypt(block); err != nil {
		return nil, err
	}
	return block, nil
}

// createGarlicPayload assembles the cloves:
// numCloves(1) | cloves | certificate(3) | msgID(4) | expiration(8).
// Clove order: DeliveryStatus (when tags or a lease-set update ride
// along), then the lease-set DatabaseStore, then the caller's message.
func (s *RoutingSession) createGarlicPayload(msg *i2np.Message, newTags *UnconfirmedTags) ([]byte, error) {
	nowMs := s.clock.MillisecondsSinceEpoch()
	msgID := randomWord32()
	payload := make([]byte, 1, 512)
	numCloves := byte(0)

	if s.owner != nil {
		// a submitted lease-set that was never confirmed is retried
		if s.leaseSetUpdateStatus == leaseSetSubmitted &&
			nowMs > s.leaseSetSubmissionTime+LEASET_CONFIRMATION_TIMEOUT {
			s.leaseSetUpdateStatus = leaseSetUpdated
		}
		if newTags != nil || s.leaseSetUpdateStatus == leaseSetUpdated {
			clove := s.createDeliveryStatusClove(msgID)
			if len(clove) > 0 {
				payload = append(payload, clove...)
				numCloves++
				if newTags != nil {
					s.unconfirmed[msgID] = newTags
				}
				s.owner.DeliveryStatusSent(s, msgID)
			} else {
				log.WithFields(logger.Fields{
					"at": "garlic.RoutingSession.createGarlicPayload",
				}).Warn("delivery status clove was not created")
			}
		}
		if s.leaseSetUpdateStatus == leaseSetUpdated {
			s.leaseSetUpdateStatus = leaseSetSubmitted
			s.leaseSetUpdateMsgID = msgID
			s.leaseSetSubmissionTime = nowMs
			lsMsg := i2np.CreateLeaseSetDatabaseStoreMsg(s.owner.LeaseSet(), 0)
			if lsMsg != nil {
				payload = append(payload, s.createGarlicClove(lsMsg, false)...)
				lsMsg.Release()
				numCloves++
			}
		}
	}

	if msg != nil {
		isDestination := s.destination != nil && s.destination.IsDestination()
		payload = append(payload, s.createGarlicClove(msg, isDestination)...)
		numCloves++
	}
	payload[0] = numCloves

	var trailer [15]byte // certificate(3) zero
	binary.BigEndian.PutUint32(trailer[3:], msgID)
	binary.BigEndian.PutUint64(trailer[7:], nowMs+5000)
	payload = append(payload, trailer[:]...)
	return payload, nil
}

// createGarlicClove frames one clove around msg:
// flag(1) [| destHash(32)] | innerI2NP | cloveID(4) | expiration(8) |
// certificate(3).
func (s *RoutingSession) createGarlicClove(msg *i2np.Message, isDestination bool) []byte {
	clove := make([]byte, 0, msg.Length()+48)
	if isDestination && s.destination != nil {
		clove = append(clove, DELIVERY_TYPE_DESTINATION<<5)
		destHash := s.destination.IdentHash()
		clove = append(clove, destHash[:]...)
	} else {
		clove = append(clove, DELIVERY_TYPE_LOCAL<<5)
	}
	clove = append(clove, msg.Bytes()...)

	var trailer [15]byte
	binary.BigEndian.PutUint32(trailer[0:], randomWord32())
	binary.BigEndian.PutUint64(trailer[4:], s.clock.MillisecondsSinceEpoch()+5000)
	return append(clove, trailer[:]...)
}

// createDeliveryStatusClove builds the acknowledgement clove: a
// DeliveryStatus for msgID, wrapped in a fresh one-shot garlic session
// whose key and tag are registered with our inbound table, tunnel-routed
// back to one of our inbound tunnels. Returns nil when no inbound tunnel
// is available.
func (s *RoutingSession) createDeliveryStatusClove(msgID uint32) []byte {
	if s.owner == nil {
		log.WithFields(logger.Fields{
			"at": "garlic.RoutingSession.createDeliveryStatusClove",
		}).Warn("missing owner for delivery status clove")
		return nil
	}
	inboundTunnel := s.owner.TunnelPool().NextInboundTunnel()
	if inboundTunnel == nil {
		log.WithFields(logger.Fields{
			"at": "garlic.RoutingSession.createDeliveryStatusClove",
		}).Warn("no inbound tunnels in the pool for delivery status")
		return nil
	}

	clove := make([]byte, 0, 128)
	clove = append(clove, DELIVERY_TYPE_TUNNEL<<5)
	// hash and tunnel ID sequence is reversed for garlic tunnel delivery
	gwHash := inboundTunnel.NextIdentHash()
	clove = append(clove, gwHash[:]...)
	var gwTunnelID [4]byte
	binary.BigEndian.PutUint32(gwTunnelID[:], inboundTunnel.NextTunnelID())
	clove = append(clove, gwTunnelID[:]...)

	dsMsg := i2np.CreateDeliveryStatusMsg(msgID)
	defer dsMsg.Release()

	var key session_key.SessionKey
	var tag SessionTag
	if _, err := rand.Read(key[:]); err != nil {
		return nil
	}
	if _, err := rand.Read(tag[:]); err != nil {
		return nil
	}
	s.owner.SubmitSessionKey(key, tag)
	oneShot, err := NewOneShotRoutingSession(key, tag, s.clock)
	if err != nil {
		return nil
	}
	wrapped, err := oneShot.WrapSingleMessage(dsMsg)
	if err != nil {
		log.WithError(err).Warn("failed to wrap delivery status message")
		return nil
	}
	clove = append(clove, wrapped.Bytes()...)
	wrapped.Release()

	var trailer [15]byte
	binary.BigEndian.PutUint32(trailer[0:], randomWord32())
	binary.BigEndian.PutUint64(trailer[4:], s.clock.MillisecondsSinceEpoch()+5000)
	return append(clove, trailer[:]...)
}

// generateSessionTags draws a fresh batch of numTags random tags.
func (s *RoutingSession) generateSessionTags() (*UnconfirmedTags, error) {
	batch := &UnconfirmedTags{
		tags:             make([]SessionTag, s.numTags),
		tagsCreationTime: s.clock.SecondsSinceEpoch(),
	}
	for i := range batch.tags {
		if _, err := rand.Read(batch.tags[i][:]); err != nil {
			return nil, oops.Wrapf(err, "garlic: entropy source failed")
		}
	}
	return batch, nil
}

// MessageConfirmed processes a delivery-status acknowledgement for msgID:
// the tag batch it carried joins the pool, and a matching lease-set
// submission becomes up to date.
func (s *RoutingSession) MessageConfirmed(msgID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tagsConfirmed(msgID)
	if msgID == s.leaseSetUpdateMsgID {
		s.leaseSetUpdateStatus = leaseSetUpToDate
		log.WithFields(logger.Fields{
			"at": "garlic.RoutingSession.MessageConfirmed",
		}).Debug("lease set update confirmed")
	} else {
		s.cleanupExpiredTagsLocked()
	}
}

// tagsConfirmed promotes the batch registered under msgID into the pool,
// unless it aged past the expiration window in flight.
func (s *RoutingSession) tagsConfirmed(msgID uint32) {
	batch, found := s.unconfirmed[msgID]
	if !found {
		return
	}
	now := s.clock.SecondsSinceEpoch()
	if now < batch.tagsCreationTime+OUTGOING_TAGS_EXPIRATION_TIMEOUT {
		for _, tag := range batch.tags {
			s.tags = append(s.tags, sessionTagEntry{tag: tag, creationTime: batch.tagsCreationTime})
		}
	}
	delete(s.unconfirmed, msgID)
}

// CleanupExpiredTags drops expired pool tags and expired unconfirmed
// batches. It reports whether the session is still alive: tags remain in
// the pool or batches are still awaiting confirmation.
func (s *RoutingSession) CleanupExpiredTags() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupExpiredTagsLocked()
}

func (s *RoutingSession) cleanupExpiredTagsLocked() bool {
	now := s.clock.SecondsSinceEpoch()
	kept := s.tags[:0]
	for _, entry := range s.tags {
		if now < entry.creationTime+OUTGOING_TAGS_EXPIRATION_TIMEOUT {
			kept = append(kept, entry)
		}
	}
	s.tags = kept
	for msgID, batch := range s.unconfirmed {
		if now >= batch.tagsCreationTime+OUTGOING_TAGS_EXPIRATION_TIMEOUT {
			if s.owner != nil {
				s.owner.RemoveCreatedSession(msgID)
			}
			delete(s.unconfirmed, msgID)
		}
	}
	return len(s.tags) > 0 || len(s.unconfirmed) > 0
}

// NumPoolTags returns the number of tags currently in the pool.
func (s *RoutingSession) NumPoolTags() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags)
}

func randomWord32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
