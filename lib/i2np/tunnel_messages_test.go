package i2np

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTunnelDataMsg(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, TUNNEL_DATA_MSG_SIZE-4)
	m, err := CreateTunnelDataMsg(0xABCD1234, payload)
	require.NoError(t, err)
	defer m.Release()

	assert.Equal(t, I2NP_MESSAGE_TYPE_TUNNEL_DATA, m.TypeID())
	got := m.Payload()
	require.Len(t, got, TUNNEL_DATA_MSG_SIZE)
	assert.Equal(t, uint32(0xABCD1234), binary.BigEndian.Uint32(got))
	assert.Equal(t, payload, got[4:])
}

func TestCreateTunnelDataMsgRejectsBadSize(t *testing.T) {
	_, err := CreateTunnelDataMsg(1, make([]byte, 100))
	assert.Error(t, err)
	_, err = CreateTunnelDataMsgFromBuffer(make([]byte, 1027))
	assert.Error(t, err)
}

func TestCreateTunnelGatewayMsg(t *testing.T) {
	inner := []byte("inner message bytes")
	m, err := CreateTunnelGatewayMsg(0x01020304, inner)
	require.NoError(t, err)
	defer m.Release()

	payload := m.Payload()
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(payload[TUNNEL_GATEWAY_HEADER_TUNNELID_OFFSET:]))
	assert.Equal(t, uint16(len(inner)), binary.BigEndian.Uint16(payload[TUNNEL_GATEWAY_HEADER_LENGTH_OFFSET:]))
	assert.Equal(t, inner, payload[TUNNEL_GATEWAY_HEADER_SIZE:])
}

func TestCreateTunnelGatewayMsgFromMessageZeroCopy(t *testing.T) {
	inner := NewShortMessage()
	require.NoError(t, inner.Append([]byte("zero copy inner")))
	inner.FillHeader(I2NP_MESSAGE_TYPE_DATA, 0)
	innerBytes := append([]byte(nil), inner.Bytes()...)
	innerLen := inner.Length()

	gw, err := CreateTunnelGatewayMsgFromMessage(0x99, inner)
	require.NoError(t, err)
	defer gw.Release()

	// fresh messages reserve header room, so the envelope is written in
	// place and the message identity is preserved
	assert.Same(t, inner, gw)
	assert.Equal(t, I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY, gw.TypeID())

	payload := gw.Payload()
	assert.Equal(t, uint32(0x99), binary.BigEndian.Uint32(payload))
	assert.Equal(t, uint16(innerLen), binary.BigEndian.Uint16(payload[TUNNEL_GATEWAY_HEADER_LENGTH_OFFSET:]))
	assert.Equal(t, innerBytes, payload[TUNNEL_GATEWAY_HEADER_SIZE:])
}

func TestCreateTunnelGatewayMsgForReply(t *testing.T) {
	content := []byte("build reply records")
	m, err := CreateTunnelGatewayMsgForReply(0x55, I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY, content, 0x11223344)
	require.NoError(t, err)
	defer m.Release()

	assert.Equal(t, I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY, m.TypeID())
	payload := m.Payload()
	assert.Equal(t, uint32(0x55), binary.BigEndian.Uint32(payload))

	inner := payload[TUNNEL_GATEWAY_HEADER_SIZE:]
	innerLen, err := MessageLength(inner)
	require.NoError(t, err)
	assert.Equal(t, int(binary.BigEndian.Uint16(payload[TUNNEL_GATEWAY_HEADER_LENGTH_OFFSET:])), innerLen)
	assert.Equal(t, byte(I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY), inner[I2NP_HEADER_TYPEID_OFFSET])
	assert.Equal(t, uint32(0x11223344), binary.BigEndian.Uint32(inner[I2NP_HEADER_MSGID_OFFSET:]))
	assert.Equal(t, content, inner[I2NP_HEADER_SIZE:innerLen])
}
