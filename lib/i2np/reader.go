package i2np

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// MessageLength returns the total on-wire length (header included) of the
// I2NP message starting at buf.
func MessageLength(buf []byte) (int, error) {
	if len(buf) < I2NP_HEADER_SIZE {
		return 0, ERR_I2NP_NOT_ENOUGH_DATA
	}
	size := int(binary.BigEndian.Uint16(buf[I2NP_HEADER_SIZE_OFFSET:]))
	return I2NP_HEADER_SIZE + size, nil
}

// ReadMessage copies a received wire message into a pooled buffer,
// validating the declared size and the payload checksum. The caller owns
// the returned message.
func ReadMessage(buf []byte) (*Message, error) {
	totalLen, err := MessageLength(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < totalLen {
		return nil, oops.Wrapf(ERR_I2NP_NOT_ENOUGH_DATA,
			"declared %d bytes, got %d", totalLen, len(buf))
	}
	if totalLen > I2NP_MAX_MESSAGE_SIZE-baseOffset {
		return nil, oops.Wrapf(ERR_I2NP_MESSAGE_TOO_BIG, "message of %d bytes", totalLen)
	}

	payload := buf[I2NP_HEADER_SIZE:totalLen]
	digest := sha256.Sum256(payload)
	if digest[0] != buf[I2NP_HEADER_CHKS_OFFSET] {
		return nil, oops.Errorf("i2np message checksum mismatch: expected 0x%02x, got 0x%02x",
			buf[I2NP_HEADER_CHKS_OFFSET], digest[0])
	}

	m := NewMessage(totalLen)
	m.length = m.offset
	if err := m.Append(buf[:totalLen]); err != nil {
		m.Release()
		return nil, err
	}

	log.WithFields(logger.Fields{
		"at":     "i2np.ReadMessage",
		"type":   m.TypeID(),
		"msg_id": m.MsgID(),
		"size":   totalLen,
	}).Debug("parsed_i2np_message")
	return m, nil
}
