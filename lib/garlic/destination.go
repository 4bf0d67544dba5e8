package garlic

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/logger"

	"github.com/theaky/kovri/lib/crypto/aes"
	"github.com/theaky/kovri/lib/crypto/elgamal"
	"github.com/theaky/kovri/lib/i2np"
)

// inboundTag is the decryption state a received tag selects: the AES
// session key it was exchanged under and the time we learned it.
type inboundTag struct {
	key          session_key.SessionKey
	decryption   *aes.CBCDecryption
	creationTime uint32
}

// LocalHandler receives I2NP messages unwrapped from garlic cloves.
// from is non-nil when the garlic message arrived through one of our
// inbound tunnels.
type LocalHandler func(msg *i2np.Message, from InboundTunnel)

// Destination is the garlic terminus for a local identity: the registry
// of outbound routing sessions, the inbound session tag table with
// ElGamal fallback, and the delivery-status confirmation tracking.
type Destination struct {
	ourIdentHash common.Hash
	privKey      elgamal.PrivateKey
	leaseSet     func() i2np.LeaseSetSource
	pool         TunnelPool
	localHandler LocalHandler
	clock        Clock

	numTags         int
	numLeaseSetTags int

	sessionsMu sync.Mutex
	sessions   map[common.Hash]*RoutingSession

	tagsMu              sync.Mutex
	tags                map[SessionTag]*inboundTag
	lastTagsCleanupTime uint32

	createdMu       sync.Mutex
	createdSessions map[uint32]*RoutingSession // msgID -> session awaiting ACK
}

// NewDestination wires a garlic destination. leaseSet supplies the current
// local lease-set for piggybacked DatabaseStore cloves; numTags and
// numLeaseSetTags are the tag batch sizes for plain and lease-set-carrying
// sessions.
func NewDestination(ourIdentHash common.Hash, privKey elgamal.PrivateKey,
	leaseSet func() i2np.LeaseSetSource, pool TunnelPool, localHandler LocalHandler,
	clock Clock, numTags, numLeaseSetTags int,
) *Destination {
	if clock == nil {
		clock = systemClock{}
	}
	return &Destination{
		ourIdentHash:    ourIdentHash,
		privKey:         privKey,
		leaseSet:        leaseSet,
		pool:            pool,
		localHandler:    localHandler,
		clock:           clock,
		numTags:         numTags,
		numLeaseSetTags: numLeaseSetTags,
		sessions:        make(map[common.Hash]*RoutingSession),
		tags:            make(map[SessionTag]*inboundTag),
		createdSessions: make(map[uint32]*RoutingSession),
	}
}

// TunnelPool returns the tunnel pool sessions draw reply tunnels from.
func (d *Destination) TunnelPool() TunnelPool { return d.pool }

// LeaseSet returns the current local lease-set.
func (d *Destination) LeaseSet() i2np.LeaseSetSource {
	if d.leaseSet == nil {
		return nil
	}
	return d.leaseSet()
}

// IdentHash returns the local identity hash.
func (d *Destination) IdentHash() common.Hash { return d.ourIdentHash }

// GetRoutingSession returns the session for destination, creating one on
// first use. Sessions carrying our lease-set get the larger tag batches.
func (d *Destination) GetRoutingSession(destination RoutingDestination, attachLeaseSet bool) (*RoutingSession, error) {
	ident := destination.IdentHash()
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	if session, found := d.sessions[ident]; found {
		return session, nil
	}
	numTags := d.numTags
	if attachLeaseSet {
		numTags = d.numLeaseSetTags
	}
	session, err := NewRoutingSession(d, destination, numTags, attachLeaseSet)
	if err != nil {
		return nil, err
	}
	d.sessions[ident] = session
	return session, nil
}

// WrapMessage garlic-wraps msg for destination through its routing
// session.
func (d *Destination) WrapMessage(destination RoutingDestination, msg *i2np.Message,
	attachLeaseSet bool,
) (*i2np.Message, error) {
	session, err := d.GetRoutingSession(destination, attachLeaseSet)
	if err != nil {
		return nil, err
	}
	return session.WrapSingleMessage(msg)
}

// CleanupRoutingSessions sweeps every session's expired tags and drops
// sessions with nothing left: no pool tags and no pending batches.
func (d *Destination) CleanupRoutingSessions() {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	for ident, session := range d.sessions {
		if !session.CleanupExpiredTags() {
			delete(d.sessions, ident)
			log.WithFields(logger.Fields{
				"at":   "garlic.Destination.CleanupRoutingSessions",
				"dest": ident,
			}).Debug("routing session deleted")
		}
	}
}

// SetLeaseSetUpdated marks the lease-set changed on every session.
func (d *Destination) SetLeaseSetUpdated() {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	for _, session := range d.sessions {
		session.SetLeaseSetUpdated()
	}
}

// AddSessionKey registers an inbound tag with its AES key.
func (d *Destination) AddSessionKey(key session_key.SessionKey, tag SessionTag) error {
	decryption, err := aes.NewCBCDecryption(key[:])
	if err != nil {
		return err
	}
	d.tagsMu.Lock()
	d.tags[tag] = &inboundTag{
		key:          key,
		decryption:   decryption,
		creationTime: d.clock.SecondsSinceEpoch(),
	}
	d.tagsMu.Unlock()
	return nil
}

// SubmitSessionKey registers a key and tag from a wrapping session so the
// garlic-encrypted reply can be decrypted.
func (d *Destination) SubmitSessionKey(key session_key.SessionKey, tag SessionTag) bool {
	return d.AddSessionKey(key, tag) == nil
}

// DeliveryStatusSent records an outstanding delivery-status for msgID.
func (d *Destination) DeliveryStatusSent(session *RoutingSession, msgID uint32) {
	d.createdMu.Lock()
	d.createdSessions[msgID] = session
	d.createdMu.Unlock()
}

// RemoveCreatedSession forgets an outstanding delivery-status.
func (d *Destination) RemoveCreatedSession(msgID uint32) {
	d.createdMu.Lock()
	delete(d.createdSessions, msgID)
	d.createdMu.Unlock()
}

// HandleDeliveryStatusMessage confirms the session awaiting the
// acknowledged message ID. Duplicate acknowledgements are dropped.
func (d *Destination) HandleDeliveryStatusMessage(msg *i2np.Message) {
	msgID, err := i2np.ReadDeliveryStatusMsgID(msg.Payload())
	if err != nil {
		log.WithError(err).Warn("malformed delivery status message")
		return
	}
	d.createdMu.Lock()
	session, found := d.createdSessions[msgID]
	if found {
		delete(d.createdSessions, msgID)
	}
	d.createdMu.Unlock()
	if !found {
		return
	}
	session.MessageConfirmed(msgID)
	log.WithFields(logger.Fields{
		"at":     "garlic.Destination.HandleDeliveryStatusMessage",
		"msg_id": msgID,
	}).Debug("garlic message acknowledged")
}

// lookupAndConsumeTag atomically finds and removes an inbound tag; a tag
// decrypts at most once, so a replay can never succeed.
func (d *Destination) lookupAndConsumeTag(tag SessionTag) *inboundTag {
	d.tagsMu.Lock()
	defer d.tagsMu.Unlock()
	entry, found := d.tags[tag]
	if !found {
		return nil
	}
	delete(d.tags, tag)
	return entry
}

// HandleGarlicMessage decrypts a received Garlic message, tag-indexed AES
// first and ElGamal as the fallback, then dispatches its cloves. from is
// the inbound tunnel the message arrived through, if any.
func (d *Destination) HandleGarlicMessage(msg *i2np.Message, from InboundTunnel) {
	buf := msg.Payload()
	if len(buf) < 4 {
		return
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if int(length) > len(buf)-4 {
		log.WithFields(logger.Fields{
			"at":       "garlic.Destination.HandleGarlicMessage",
			"length":   length,
			"buf_size": len(buf) - 4,
		}).Warn("garlic message length exceeds I2NP message length")
		return
	}
	buf = buf[4 : 4+length]

	if len(buf) >= EXISTING_SESSION_PREFIX_SIZE {
		var tag SessionTag
		copy(tag[:], buf[0:32])
		if entry := d.lookupAndConsumeTag(tag); entry != nil {
			iv := sha256.Sum256(tag[:])
			entry.decryption.SetIV(iv[:16])
			aesBlock := buf[32:]
			if err := entry.decryption.Decrypt(aesBlock); err != nil {
				log.WithError(err).Warn("garlic AES block decryption failed")
			} else {
				d.handleAESBlock(aesBlock, entry, from)
			}
			d.sweepExpiredTags()
			return
		}
	}

	// tag not found, try ElGamal
	if len(buf) < ELGAMAL_BLOCK_SIZE {
		log.WithFields(logger.Fields{
			"at":     "garlic.Destination.HandleGarlicMessage",
			"length": len(buf),
		}).Warn("garlic message too short for ElGamal block")
		return
	}
	block, err := elgamal.Decrypt(d.privKey, buf[:ELGAMAL_BLOCK_SIZE], true)
	if err != nil {
		log.WithError(err).Warn("failed to decrypt garlic")
		return
	}
	var key session_key.SessionKey
	copy(key[:], block[0:32])
	decryption, err := aes.NewCBCDecryption(key[:])
	if err != nil {
		return
	}
	iv := sha256.Sum256(block[32:64]) // pre-IV
	decryption.SetIV(iv[:16])
	aesBlock := buf[ELGAMAL_BLOCK_SIZE:]
	if err := decryption.Decrypt(aesBlock); err != nil {
		log.WithError(err).Warn("garlic AES block decryption failed")
		return
	}
	d.handleAESBlock(aesBlock, &inboundTag{key: key, decryption: decryption}, from)
	d.sweepExpiredTags()
}

// handleAESBlock parses a decrypted AES block, adopts the enclosed tags
// under the same decryption state, verifies the payload hash and walks the
// cloves.
func (d *Destination) handleAESBlock(buf []byte, state *inboundTag, from InboundTunnel) {
	if len(buf) < 2 {
		return
	}
	tagCount := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if tagCount > 0 {
		if tagCount*32 > len(buf) {
			log.WithFields(logger.Fields{
				"at":        "garlic.Destination.handleAESBlock",
				"tag_count": tagCount,
				"length":    len(buf),
			}).Warn("tag count exceeds block length")
			return
		}
		now := d.clock.SecondsSinceEpoch()
		d.tagsMu.Lock()
		for i := 0; i < tagCount; i++ {
			var tag SessionTag
			copy(tag[:], buf[i*32:])
			d.tags[tag] = &inboundTag{
				key:          state.key,
				decryption:   state.decryption,
				creationTime: now,
			}
		}
		d.tagsMu.Unlock()
		buf = buf[tagCount*32:]
	}

	if len(buf) < 4+32+1 {
		return
	}
	payloadSize := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	payloadHash := buf[:32]
	buf = buf[32:]
	flag := buf[0]
	buf = buf[1:]
	if flag != 0 { // new session key follows
		if len(buf) < 32 {
			return
		}
		buf = buf[32:]
	}
	if int(payloadSize) > len(buf) {
		log.WithFields(logger.Fields{
			"at":           "garlic.Destination.handleAESBlock",
			"payload_size": payloadSize,
		}).Warn("unexpected garlic payload size")
		return
	}
	payload := buf[:payloadSize]
	digest := sha256.Sum256(payload)
	if !bytesEqual(digest[:], payloadHash) {
		log.WithFields(logger.Fields{
			"at": "garlic.Destination.handleAESBlock",
		}).Warn("wrong garlic payload hash")
		return
	}
	d.handleGarlicPayload(payload, from)
}

// handleGarlicPayload dispatches each clove by delivery type.
func (d *Destination) handleGarlicPayload(buf []byte, from InboundTunnel) {
	if len(buf) < 1 {
		return
	}
	numCloves := int(buf[0])
	offset := 1
	log.WithFields(logger.Fields{
		"at":     "garlic.Destination.handleGarlicPayload",
		"cloves": numCloves,
	}).Debug("handling garlic payload")

	for i := 0; i < numCloves; i++ {
		if offset >= len(buf) {
			log.Warn("garlic clove is too long")
			return
		}
		flag := buf[offset]
		offset++
		if flag&0x80 != 0 { // encrypted clove, unimplemented
			log.Warn("encrypted garlic clove not supported")
			offset += 32
		}
		deliveryType := (flag >> 5) & 0x03
		switch deliveryType {
		case DELIVERY_TYPE_LOCAL:
		case DELIVERY_TYPE_DESTINATION:
			// destination hash, unused for routing today
			offset += 32
		case DELIVERY_TYPE_ROUTER:
			// parsed but not dispatched; router cloves are undefined for
			// a destination and dropped below
			offset += 32
		case DELIVERY_TYPE_TUNNEL:
			offset += 36
		}
		if offset >= len(buf) {
			log.Warn("garlic clove is too long")
			return
		}

		innerLen, err := i2np.MessageLength(buf[offset:])
		if err != nil || offset+innerLen > len(buf) {
			log.Warn("garlic clove inner message truncated")
			return
		}
		inner := buf[offset:]

		switch deliveryType {
		case DELIVERY_TYPE_LOCAL, DELIVERY_TYPE_DESTINATION:
			d.dispatchLocalClove(inner[:innerLen], from)
		case DELIVERY_TYPE_TUNNEL:
			gwHash, gwTunnelID := readTunnelCloveTarget(buf, offset)
			d.forwardTunnelClove(gwHash, gwTunnelID, inner[:innerLen])
		case DELIVERY_TYPE_ROUTER:
			log.WithFields(logger.Fields{
				"at": "garlic.Destination.handleGarlicPayload",
			}).Warn("router garlic clove not supported, dropped")
		}

		offset += innerLen
		offset += 4 + 8 + 3 // clove ID, expiration, certificate
		if offset > len(buf) {
			log.Warn("garlic clove is too long")
			return
		}
	}
}

// readTunnelCloveTarget re-reads the gateway fields preceding offset for a
// tunnel-delivery clove.
func readTunnelCloveTarget(buf []byte, offset int) (common.Hash, uint32) {
	var gwHash common.Hash
	copy(gwHash[:], buf[offset-36:offset-4])
	return gwHash, binary.BigEndian.Uint32(buf[offset-4 : offset])
}

// dispatchLocalClove hands an inner I2NP message to the local dispatcher.
func (d *Destination) dispatchLocalClove(inner []byte, from InboundTunnel) {
	msg, err := i2np.NewRawMessage(inner)
	if err != nil {
		log.WithError(err).Warn("failed to buffer garlic clove")
		return
	}
	if d.localHandler != nil {
		d.localHandler(msg, from)
	} else {
		msg.Release()
	}
}

// forwardTunnelClove routes an inner I2NP message to a remote tunnel
// gateway through one of our outbound tunnels.
func (d *Destination) forwardTunnelClove(gwHash common.Hash, gwTunnelID uint32, inner []byte) {
	var outbound OutboundTunnel
	if d.pool != nil {
		outbound = d.pool.NextOutboundTunnel()
	}
	if outbound == nil {
		log.WithFields(logger.Fields{
			"at": "garlic.Destination.handleGarlicPayload",
		}).Warn("no outbound tunnels available for garlic clove")
		return
	}
	msg, err := i2np.NewRawMessage(inner)
	if err != nil {
		return
	}
	if err := outbound.SendTunnelDataMsg(gwHash, gwTunnelID, msg); err != nil {
		log.WithError(err).Warn("failed to forward garlic clove")
	}
}

// sweepExpiredTags drops inbound tags older than the expiration window.
// The sweep itself runs at most once per window.
func (d *Destination) sweepExpiredTags() {
	now := d.clock.SecondsSinceEpoch()
	d.tagsMu.Lock()
	defer d.tagsMu.Unlock()
	if now <= d.lastTagsCleanupTime+INCOMING_TAGS_EXPIRATION_TIMEOUT {
		return
	}
	if d.lastTagsCleanupTime != 0 {
		expired := 0
		for tag, entry := range d.tags {
			if now > entry.creationTime+INCOMING_TAGS_EXPIRATION_TIMEOUT {
				delete(d.tags, tag)
				expired++
			}
		}
		if expired > 0 {
			log.WithFields(logger.Fields{
				"at":      "garlic.Destination.sweepExpiredTags",
				"expired": expired,
			}).Debug("inbound tags expired")
		}
	}
	d.lastTagsCleanupTime = now
}

// NumInboundTags returns the size of the inbound tag table.
func (d *Destination) NumInboundTags() int {
	d.tagsMu.Lock()
	defer d.tagsMu.Unlock()
	return len(d.tags)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
