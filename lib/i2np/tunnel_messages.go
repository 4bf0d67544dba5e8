package i2np

import (
	"encoding/binary"

	"github.com/samber/oops"
)

/*
I2P I2NP TunnelData
https://geti2p.net/spec/i2np
Accurate for version 0.9.28

+----+----+----+----+----+----+----+----+
|    tunnelID       | data              |
+----+----+----+----+                   +
|                                       |
~                                       ~
+----+----+----+----+----+----+----+----+

tunnelID :: 4 byte TunnelId identifying the tunnel at the receiving hop

data :: 1024 bytes, the IV followed by the layer-encrypted region

total length: 1028

I2P I2NP TunnelGateway
+----+----+----+----+----+----+----//
|    tunnelID       | length  | data...
+----+----+----+----+----+----+----//
*/

// CreateTunnelDataMsg wraps a 1024-byte encrypted tunnel payload (IV plus
// encrypted region) for delivery to tunnelID at the next hop.
func CreateTunnelDataMsg(tunnelID uint32, payload []byte) (*Message, error) {
	if len(payload) != TUNNEL_DATA_MSG_SIZE-4 {
		return nil, oops.Errorf("i2np: tunnel data payload must be %d bytes, got %d",
			TUNNEL_DATA_MSG_SIZE-4, len(payload))
	}
	m := NewShortMessage()
	buf, _ := m.Extend(TUNNEL_DATA_MSG_SIZE)
	binary.BigEndian.PutUint32(buf, tunnelID)
	copy(buf[4:], payload)
	m.FillHeader(I2NP_MESSAGE_TYPE_TUNNEL_DATA, 0)
	return m, nil
}

// CreateTunnelDataMsgFromBuffer wraps a complete 1028-byte tunnel message.
func CreateTunnelDataMsgFromBuffer(buf []byte) (*Message, error) {
	if len(buf) != TUNNEL_DATA_MSG_SIZE {
		return nil, oops.Errorf("i2np: tunnel data message must be %d bytes, got %d",
			TUNNEL_DATA_MSG_SIZE, len(buf))
	}
	m := NewShortMessage()
	dst, _ := m.Extend(TUNNEL_DATA_MSG_SIZE)
	copy(dst, buf)
	m.FillHeader(I2NP_MESSAGE_TYPE_TUNNEL_DATA, 0)
	return m, nil
}

// CreateEmptyTunnelDataMsg reserves an uninitialized tunnel data region for
// a gateway to fill in place.
func CreateEmptyTunnelDataMsg() *Message {
	m := NewShortMessage()
	_, _ = m.Extend(TUNNEL_DATA_MSG_SIZE)
	return m
}

// CreateTunnelGatewayMsg wraps opaque bytes in a TunnelGateway envelope for
// the given receiving tunnel.
func CreateTunnelGatewayMsg(tunnelID uint32, buf []byte) (*Message, error) {
	m := NewMessage(TUNNEL_GATEWAY_HEADER_SIZE + len(buf))
	hdr, err := m.Extend(TUNNEL_GATEWAY_HEADER_SIZE)
	if err != nil {
		m.Release()
		return nil, err
	}
	binary.BigEndian.PutUint32(hdr[TUNNEL_GATEWAY_HEADER_TUNNELID_OFFSET:], tunnelID)
	binary.BigEndian.PutUint16(hdr[TUNNEL_GATEWAY_HEADER_LENGTH_OFFSET:], uint16(len(buf)))
	if err := m.Append(buf); err != nil {
		m.Release()
		return nil, err
	}
	m.FillHeader(I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY, 0)
	return m, nil
}

// CreateTunnelGatewayMsgFromMessage re-frames an existing message as a
// TunnelGateway payload. When the buffer has header room in front, the
// gateway envelope is written in place and no copy is made; the input
// message is consumed either way.
func CreateTunnelGatewayMsgFromMessage(tunnelID uint32, msg *Message) (*Message, error) {
	if msg.offset >= baseOffset {
		innerLen := msg.Length()
		if err := msg.ShiftOffset(-(I2NP_HEADER_SIZE + TUNNEL_GATEWAY_HEADER_SIZE)); err != nil {
			return nil, err
		}
		hdr := msg.buf[msg.offset+I2NP_HEADER_SIZE:]
		binary.BigEndian.PutUint32(hdr[TUNNEL_GATEWAY_HEADER_TUNNELID_OFFSET:], tunnelID)
		binary.BigEndian.PutUint16(hdr[TUNNEL_GATEWAY_HEADER_LENGTH_OFFSET:], uint16(innerLen))
		msg.FillHeader(I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY, 0)
		return msg, nil
	}
	out, err := CreateTunnelGatewayMsg(tunnelID, msg.Bytes())
	msg.Release()
	return out, err
}

// CreateTunnelGatewayMsgForReply frames opaque content as an inner I2NP
// message of the given type (message ID replyMsgID) inside a TunnelGateway
// envelope. Used to return tunnel build replies through a reply tunnel.
func CreateTunnelGatewayMsgForReply(tunnelID uint32, msgType int, buf []byte, replyMsgID uint32) (*Message, error) {
	m := NewMessage(TUNNEL_GATEWAY_HEADER_SIZE + I2NP_HEADER_SIZE + len(buf))
	// write the inner message first, shifted past the gateway envelope
	m.offset += I2NP_HEADER_SIZE + TUNNEL_GATEWAY_HEADER_SIZE
	m.length = m.offset + I2NP_HEADER_SIZE
	if err := m.Append(buf); err != nil {
		m.Release()
		return nil, err
	}
	m.FillHeader(msgType, replyMsgID)
	return CreateTunnelGatewayMsgFromMessage(tunnelID, m)
}
