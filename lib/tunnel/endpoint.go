package tunnel

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"

	"github.com/theaky/kovri/lib/i2np"
)

// Delivery types carried in tunnel message delivery instructions.
const (
	DT_LOCAL  = 0
	DT_TUNNEL = 1
	DT_ROUTER = 2
)

/*
Decrypted tunnel message layout (1008 bytes after the per-hop layers are
removed):

+----+----+----+----+----+----//----+----+----//
| checksum          | padding...    |zero| fragments...
+----+----+----+----+----+----//----+----+----//

checksum :: first 4 bytes of SHA-256(fragments || IV)

Each fragment starts with a delivery instruction flag:
  bit 7: 0 = first (or only) fragment, 1 = follow-on
  first:     bits 6-5 delivery type, bit 3 fragmented (msgID follows)
  follow-on: bits 6-1 fragment number, bit 0 last fragment
*/

// messageBlock is one message being delivered through the endpoint,
// possibly still accumulating fragments.
type messageBlock struct {
	deliveryType    byte
	tunnelID        uint32
	hash            common.Hash
	data            *i2np.Message
	nextFragmentNum int
}

type outOfSequenceFragment struct {
	fragmentNum int
	isLast      bool
	data        []byte
}

// Endpoint reassembles decrypted tunnel messages and dispatches the
// carried I2NP messages by delivery type. It runs on the tunnel worker
// only; its state is single-threaded.
type Endpoint struct {
	isInbound    bool
	ourIdent     common.Hash
	transports   Transports
	localHandler func(*i2np.Message)

	incomplete    map[uint32]*messageBlock
	outOfSequence map[uint32]*outOfSequenceFragment

	numReceivedBytes uint64
}

// NewEndpoint creates an endpoint. localHandler receives messages for this
// router; transports takes ownership of forwarded messages.
func NewEndpoint(isInbound bool, ourIdent common.Hash, transports Transports, localHandler func(*i2np.Message)) *Endpoint {
	return &Endpoint{
		isInbound:     isInbound,
		ourIdent:      ourIdent,
		transports:    transports,
		localHandler:  localHandler,
		incomplete:    make(map[uint32]*messageBlock),
		outOfSequence: make(map[uint32]*outOfSequenceFragment),
	}
}

// NumReceivedBytes returns the total tunnel bytes seen by this endpoint.
func (e *Endpoint) NumReceivedBytes() uint64 { return e.numReceivedBytes }

// HandleDecryptedTunnelDataMsg processes a TunnelData message whose
// encrypted region has already been layer-decrypted.
func (e *Endpoint) HandleDecryptedTunnelDataMsg(msg *i2np.Message) {
	payload := msg.Payload()
	if len(payload) != i2np.TUNNEL_DATA_MSG_SIZE {
		log.WithFields(logger.Fields{
			"at":   "tunnel.Endpoint.HandleDecryptedTunnelDataMsg",
			"size": len(payload),
		}).Warn("invalid tunnel data size")
		return
	}
	e.numReceivedBytes += i2np.TUNNEL_DATA_MSG_SIZE

	iv := payload[4:20]
	decrypted := payload[20:]
	zero := bytes.IndexByte(decrypted[4:], 0)
	if zero < 0 {
		log.WithFields(logger.Fields{
			"at": "tunnel.Endpoint.HandleDecryptedTunnelDataMsg",
		}).Warn("zero separator not found, dropping tunnel message")
		return
	}
	fragments := decrypted[4+zero+1:]

	// checksum covers the fragments with the IV appended
	checksumData := make([]byte, 0, len(fragments)+16)
	checksumData = append(checksumData, fragments...)
	checksumData = append(checksumData, iv...)
	digest := sha256.Sum256(checksumData)
	if !bytes.Equal(digest[:4], decrypted[0:4]) {
		log.WithFields(logger.Fields{
			"at": "tunnel.Endpoint.HandleDecryptedTunnelDataMsg",
		}).Warn("tunnel message checksum verification failed")
		return
	}

	e.walkFragments(fragments)
}

// walkFragments parses and handles every fragment in the decrypted region.
func (e *Endpoint) walkFragments(fragments []byte) {
	for len(fragments) > 0 {
		flag := fragments[0]
		fragments = fragments[1:]

		isFollowOn := flag&0x80 != 0
		isLast := true
		var msgID uint32
		fragmentNum := 0
		m := &messageBlock{}

		if !isFollowOn {
			m.deliveryType = (flag >> 5) & 0x03
			switch m.deliveryType {
			case DT_LOCAL:
			case DT_TUNNEL:
				if len(fragments) < 36 {
					return
				}
				m.tunnelID = binary.BigEndian.Uint32(fragments)
				copy(m.hash[:], fragments[4:36])
				fragments = fragments[36:]
			case DT_ROUTER:
				if len(fragments) < 32 {
					return
				}
				copy(m.hash[:], fragments[:32])
				fragments = fragments[32:]
			default:
				log.WithFields(logger.Fields{
					"at":            "tunnel.Endpoint.walkFragments",
					"delivery_type": m.deliveryType,
				}).Warn("unknown delivery type, dropping remainder")
				return
			}
			if flag&0x08 != 0 { // fragmented
				if len(fragments) < 4 {
					return
				}
				msgID = binary.BigEndian.Uint32(fragments)
				fragments = fragments[4:]
				isLast = false
			}
		} else {
			if len(fragments) < 4 {
				return
			}
			msgID = binary.BigEndian.Uint32(fragments)
			fragments = fragments[4:]
			fragmentNum = int((flag >> 1) & 0x3F)
			isLast = flag&0x01 != 0
		}

		if len(fragments) < 2 {
			return
		}
		size := int(binary.BigEndian.Uint16(fragments))
		fragments = fragments[2:]
		if size > len(fragments) {
			log.WithFields(logger.Fields{
				"at":   "tunnel.Endpoint.walkFragments",
				"size": size,
			}).Warn("fragment size exceeds remaining data")
			return
		}
		chunk := fragments[:size]
		fragments = fragments[size:]

		switch {
		case !isFollowOn && isLast:
			// unfragmented message, dispatch immediately
			data, err := i2np.NewRawMessage(chunk)
			if err != nil {
				log.WithError(err).Warn("failed to buffer tunnel fragment")
				continue
			}
			m.data = data
			e.handleNextMessage(m)
		case msgID != 0:
			if !isFollowOn {
				e.handleFirstFragment(msgID, m, chunk)
			} else {
				e.handleFollowOnFragment(msgID, fragmentNum, isLast, chunk)
			}
		default:
			log.WithFields(logger.Fields{
				"at": "tunnel.Endpoint.walkFragments",
			}).Warn("message is fragmented but no message ID present")
		}
	}
}

// handleFirstFragment seeds an incomplete entry, then drains any buffered
// out-of-sequence fragment that now fits.
func (e *Endpoint) handleFirstFragment(msgID uint32, m *messageBlock, chunk []byte) {
	if _, exists := e.incomplete[msgID]; exists {
		log.WithFields(logger.Fields{
			"at":     "tunnel.Endpoint.handleFirstFragment",
			"msg_id": msgID,
		}).Warn("incomplete message already exists")
		return
	}
	data, err := i2np.NewRawMessage(chunk)
	if err != nil {
		log.WithError(err).Warn("failed to buffer tunnel fragment")
		return
	}
	m.data = data
	m.nextFragmentNum = 1
	e.incomplete[msgID] = m
	e.drainOutOfSequence(msgID, m)
}

// handleFollowOnFragment concatenates an in-order follow-on, or buffers it
// when it does not match the expected sequence number.
func (e *Endpoint) handleFollowOnFragment(msgID uint32, fragmentNum int, isLast bool, chunk []byte) {
	m, found := e.incomplete[msgID]
	if !found || fragmentNum != m.nextFragmentNum {
		log.WithFields(logger.Fields{
			"at":           "tunnel.Endpoint.handleFollowOnFragment",
			"msg_id":       msgID,
			"fragment_num": fragmentNum,
		}).Debug("out-of-sequence fragment saved")
		e.addOutOfSequenceFragment(msgID, fragmentNum, isLast, chunk)
		return
	}
	if !e.concatFragment(msgID, m, chunk) {
		return
	}
	if isLast {
		delete(e.incomplete, msgID)
		e.handleNextMessage(m)
		return
	}
	m.nextFragmentNum++
	e.drainOutOfSequence(msgID, m)
}

// concatFragment appends chunk to the accumulating message, upgrading the
// buffer class when needed and dropping the entry when the reassembled
// message would exceed the maximum I2NP size.
func (e *Endpoint) concatFragment(msgID uint32, m *messageBlock, chunk []byte) bool {
	if m.data.Length()+len(chunk) >= i2np.I2NP_MAX_MESSAGE_SIZE {
		log.WithFields(logger.Fields{
			"at":     "tunnel.Endpoint.concatFragment",
			"msg_id": msgID,
		}).Warn("reassembled message exceeds max I2NP size, dropped")
		m.data.Release()
		delete(e.incomplete, msgID)
		return false
	}
	if m.data.Offset()+m.data.Length()+len(chunk) > m.data.MaxLen() {
		larger := i2np.NewLongMessage()
		if err := m.data.CopyTo(larger); err != nil {
			larger.Release()
			m.data.Release()
			delete(e.incomplete, msgID)
			return false
		}
		m.data.Release()
		m.data = larger
	}
	if err := m.data.Append(chunk); err != nil {
		log.WithError(err).Warn("failed to concatenate fragment")
		m.data.Release()
		delete(e.incomplete, msgID)
		return false
	}
	return true
}

// addOutOfSequenceFragment buffers at most one pending fragment per
// message; later arrivals for the same message are dropped until the
// buffered one is consumed.
func (e *Endpoint) addOutOfSequenceFragment(msgID uint32, fragmentNum int, isLast bool, chunk []byte) {
	if _, exists := e.outOfSequence[msgID]; exists {
		return
	}
	e.outOfSequence[msgID] = &outOfSequenceFragment{
		fragmentNum: fragmentNum,
		isLast:      isLast,
		data:        append([]byte(nil), chunk...),
	}
}

// drainOutOfSequence repeatedly applies the buffered fragment while it
// matches the next expected sequence number.
func (e *Endpoint) drainOutOfSequence(msgID uint32, m *messageBlock) {
	for {
		f, found := e.outOfSequence[msgID]
		if !found || f.fragmentNum != m.nextFragmentNum {
			return
		}
		delete(e.outOfSequence, msgID)
		if !e.concatFragment(msgID, m, f.data) {
			return
		}
		if f.isLast {
			delete(e.incomplete, msgID)
			e.handleNextMessage(m)
			return
		}
		m.nextFragmentNum++
	}
}

// handleNextMessage dispatches a complete message by delivery type.
func (e *Endpoint) handleNextMessage(m *messageBlock) {
	log.WithFields(logger.Fields{
		"at":            "tunnel.Endpoint.handleNextMessage",
		"delivery_type": m.deliveryType,
		"size":          m.data.Length(),
		"type":          m.data.TypeID(),
	}).Debug("dispatching reassembled message")
	switch m.deliveryType {
	case DT_LOCAL:
		e.localHandler(m.data)
	case DT_TUNNEL:
		gw, err := i2np.CreateTunnelGatewayMsgFromMessage(m.tunnelID, m.data)
		if err != nil {
			log.WithError(err).Warn("failed to create tunnel gateway message")
			return
		}
		e.transports.SendMessage(m.hash, gw)
	case DT_ROUTER:
		if m.hash == e.ourIdent {
			e.localHandler(m.data)
		} else if !e.isInbound {
			// outbound transit tunnel, forward on
			e.transports.SendMessage(m.hash, m.data)
		} else {
			// router delivery arriving through an inbound tunnel would
			// leak; never forward it
			log.WithFields(logger.Fields{
				"at": "tunnel.Endpoint.handleNextMessage",
			}).Warn("router delivery on inbound tunnel dropped")
			m.data.Release()
		}
	default:
		log.WithFields(logger.Fields{
			"at":            "tunnel.Endpoint.handleNextMessage",
			"delivery_type": m.deliveryType,
		}).Warn("unknown delivery type")
		m.data.Release()
	}
}
