package i2np

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/lease"
	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// LeaseSetSource is the slice of the local destination's lease-set needed
// to build a DatabaseStore message for it.
type LeaseSetSource interface {
	IdentHash() common.Hash
	Bytes() []byte
	NonExpiredLeases() []lease.Lease
}

// ReplyTunnel names an inbound tunnel a responder can use to route its
// answer back. Hash and tunnel ID are the gateway side of the tunnel.
type ReplyTunnel interface {
	NextIdentHash() common.Hash
	NextTunnelID() uint32
}

// CreateMsg wraps an opaque payload in a fresh envelope of the given type.
// A non-zero replyMsgID is used as the message ID (tunnel build
// correlation); otherwise a random ID is drawn.
func CreateMsg(msgType int, payload []byte, replyMsgID uint32) (*Message, error) {
	m := NewMessage(len(payload))
	if err := m.Append(payload); err != nil {
		m.Release()
		return nil, err
	}
	m.FillHeader(msgType, replyMsgID)
	return m, nil
}

/*
I2P I2NP DeliveryStatus
https://geti2p.net/spec/i2np
Accurate for version 0.9.28

+----+----+----+----+----+----+----+----+----+----+----+----+
|    msg_id         |           time_stamp                  |
+----+----+----+----+----+----+----+----+----+----+----+----+
*/

// CreateDeliveryStatusMsg builds a DeliveryStatus for msgID. With msgID
// zero a random ID is drawn and the timestamp carries the literal network
// ID instead, which transports use as an establishment probe.
func CreateDeliveryStatusMsg(msgID uint32) *Message {
	m := NewShortMessage()
	buf, _ := m.Extend(DELIVERY_STATUS_SIZE)
	if msgID != 0 {
		binary.BigEndian.PutUint32(buf[DELIVERY_STATUS_MSGID_OFFSET:], msgID)
		binary.BigEndian.PutUint64(buf[DELIVERY_STATUS_TIMESTAMP_OFFSET:], nowMilliseconds())
	} else {
		binary.BigEndian.PutUint32(buf[DELIVERY_STATUS_MSGID_OFFSET:], RandomMsgID())
		binary.BigEndian.PutUint64(buf[DELIVERY_STATUS_TIMESTAMP_OFFSET:], 2) // netID
	}
	m.FillHeader(I2NP_MESSAGE_TYPE_DELIVERY_STATUS, 0)
	return m
}

// ReadDeliveryStatusMsgID extracts the acknowledged message ID from a
// DeliveryStatus payload.
func ReadDeliveryStatusMsgID(payload []byte) (uint32, error) {
	if len(payload) < DELIVERY_STATUS_SIZE {
		return 0, ERR_I2NP_NOT_ENOUGH_DATA
	}
	return binary.BigEndian.Uint32(payload[DELIVERY_STATUS_MSGID_OFFSET:]), nil
}

// CreateRouterInfoDatabaseStoreMsg builds a DatabaseStore carrying a
// gzipped RouterInfo. A non-zero replyToken requests a direct
// DeliveryStatus reply to the router named by key.
func CreateRouterInfoDatabaseStoreMsg(key common.Hash, routerInfo []byte, replyToken uint32) (*Message, error) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(routerInfo); err != nil {
		return nil, oops.Wrapf(err, "failed to compress router info")
	}
	if err := gz.Close(); err != nil {
		return nil, oops.Wrapf(err, "failed to compress router info")
	}

	m := NewMessage(DATABASE_STORE_HEADER_SIZE + 38 + compressed.Len())
	payload, _ := m.Extend(DATABASE_STORE_HEADER_SIZE)
	copy(payload[DATABASE_STORE_KEY_OFFSET:], key[:])
	payload[DATABASE_STORE_TYPE_OFFSET] = 0 // RouterInfo
	binary.BigEndian.PutUint32(payload[DATABASE_STORE_REPLY_TOKEN_OFFSET:], replyToken)
	if replyToken != 0 {
		reply, err := m.Extend(36)
		if err != nil {
			m.Release()
			return nil, err
		}
		// zero tunnel ID means direct reply
		binary.BigEndian.PutUint32(reply[0:4], 0)
		copy(reply[4:36], key[:])
	}
	size, err := m.Extend(2)
	if err != nil {
		m.Release()
		return nil, err
	}
	binary.BigEndian.PutUint16(size, uint16(compressed.Len()))
	if err := m.Append(compressed.Bytes()); err != nil {
		m.Release()
		return nil, err
	}
	m.FillHeader(I2NP_MESSAGE_TYPE_DATABASE_STORE, 0)
	return m, nil
}

// CreateLeaseSetDatabaseStoreMsg builds a DatabaseStore for our own
// lease-set. When replyToken is set but no lease is currently valid, the
// token is cleared and the reply fields omitted; the store is then
// unacknowledged.
func CreateLeaseSetDatabaseStoreMsg(leaseSet LeaseSetSource, replyToken uint32) *Message {
	if leaseSet == nil {
		return nil
	}
	m := NewShortMessage()
	key := leaseSet.IdentHash()
	payload, _ := m.Extend(DATABASE_STORE_HEADER_SIZE)
	copy(payload[DATABASE_STORE_KEY_OFFSET:], key[:])
	payload[DATABASE_STORE_TYPE_OFFSET] = 1 // LeaseSet
	binary.BigEndian.PutUint32(payload[DATABASE_STORE_REPLY_TOKEN_OFFSET:], replyToken)
	if replyToken != 0 {
		leases := leaseSet.NonExpiredLeases()
		if len(leases) > 0 {
			reply, err := m.Extend(36)
			if err != nil {
				m.Release()
				return nil
			}
			binary.BigEndian.PutUint32(reply[0:4], leases[0].TunnelID())
			gw := leases[0].TunnelGateway()
			copy(reply[4:36], gw[:])
		} else {
			log.WithFields(logger.Fields{
				"at": "i2np.CreateLeaseSetDatabaseStoreMsg",
			}).Warn("reply token requested but no non-expired lease, clearing token")
			binary.BigEndian.PutUint32(payload[DATABASE_STORE_REPLY_TOKEN_OFFSET:], 0)
		}
	}
	if err := m.Append(leaseSet.Bytes()); err != nil {
		m.Release()
		return nil
	}
	m.FillHeader(I2NP_MESSAGE_TYPE_DATABASE_STORE, 0)
	return m
}

// CreateRouterInfoDatabaseLookupMsg builds a DatabaseLookup for a
// RouterInfo (or an exploratory lookup). A non-zero replyTunnelID sets the
// delivery flag and routes the reply through that tunnel.
func CreateRouterInfoDatabaseLookupMsg(key, from common.Hash, replyTunnelID uint32,
	exploratory bool, excludedPeers []common.Hash,
) (*Message, error) {
	m := NewMessage(64 + 5 + 2 + 32*len(excludedPeers))
	buf, _ := m.Extend(64)
	copy(buf[0:32], key[:])
	copy(buf[32:64], from[:])

	flag := byte(DATABASE_LOOKUP_TYPE_ROUTERINFO_LOOKUP)
	if exploratory {
		flag = DATABASE_LOOKUP_TYPE_EXPLORATORY_LOOKUP
	}
	if replyTunnelID != 0 {
		tail, err := m.Extend(5)
		if err != nil {
			m.Release()
			return nil, err
		}
		tail[0] = flag | DATABASE_LOOKUP_DELIVERY_FLAG
		binary.BigEndian.PutUint32(tail[1:], replyTunnelID)
	} else {
		tail, err := m.Extend(1)
		if err != nil {
			m.Release()
			return nil, err
		}
		tail[0] = flag
	}

	excluded, err := m.Extend(2 + 32*len(excludedPeers))
	if err != nil {
		m.Release()
		return nil, err
	}
	binary.BigEndian.PutUint16(excluded, uint16(len(excludedPeers)))
	for i, peer := range excludedPeers {
		copy(excluded[2+32*i:], peer[:])
	}
	m.FillHeader(I2NP_MESSAGE_TYPE_DATABASE_LOOKUP, 0)
	return m, nil
}

// CreateLeaseSetDatabaseLookupMsg builds an encrypted LeaseSet lookup whose
// reply comes back through replyTunnel, garlic-encrypted under replyKey and
// selectable by the single replyTag.
func CreateLeaseSetDatabaseLookupMsg(dest common.Hash, excludedFloodfills []common.Hash,
	replyTunnel ReplyTunnel, replyKey session_key.SessionKey, replyTag [32]byte,
) (*Message, error) {
	if replyTunnel == nil {
		return nil, oops.Errorf("i2np: lease set lookup requires a reply tunnel")
	}
	m := NewMessage(64 + 5 + 2 + 32*len(excludedFloodfills) + 65)
	buf, _ := m.Extend(69)
	copy(buf[0:32], dest[:])
	gw := replyTunnel.NextIdentHash()
	copy(buf[32:64], gw[:])
	buf[64] = DATABASE_LOOKUP_DELIVERY_FLAG |
		DATABASE_LOOKUP_ENCRYPTION_FLAG |
		DATABASE_LOOKUP_TYPE_LEASESET_LOOKUP
	binary.BigEndian.PutUint32(buf[65:], replyTunnel.NextTunnelID())

	excluded, err := m.Extend(2 + 32*len(excludedFloodfills))
	if err != nil {
		m.Release()
		return nil, err
	}
	binary.BigEndian.PutUint16(excluded, uint16(len(excludedFloodfills)))
	for i, peer := range excludedFloodfills {
		copy(excluded[2+32*i:], peer[:])
	}

	enc, err := m.Extend(65)
	if err != nil {
		m.Release()
		return nil, err
	}
	copy(enc[0:32], replyKey[:])
	enc[32] = 1 // one tag
	copy(enc[33:65], replyTag[:])
	m.FillHeader(I2NP_MESSAGE_TYPE_DATABASE_LOOKUP, 0)
	return m, nil
}

// CreateDatabaseSearchReplyMsg builds a DatabaseSearchReply listing the
// routers closest to the requested key.
func CreateDatabaseSearchReplyMsg(key, from common.Hash, routers []common.Hash) (*Message, error) {
	m := NewShortMessage()
	buf, err := m.Extend(32 + 1 + 32*len(routers) + 32)
	if err != nil {
		m.Release()
		return nil, err
	}
	copy(buf[0:32], key[:])
	buf[32] = byte(len(routers))
	offset := 33
	for _, r := range routers {
		copy(buf[offset:], r[:])
		offset += 32
	}
	copy(buf[offset:], from[:])
	m.FillHeader(I2NP_MESSAGE_TYPE_DATABASE_SEARCH_REPLY, 0)
	return m, nil
}
