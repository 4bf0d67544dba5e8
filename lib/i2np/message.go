package i2np

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

/*
I2P I2NP Message
https://geti2p.net/spec/i2np
Accurate for version 0.9.28

Standard (16 bytes):

+----+----+----+----+----+----+----+----+
|type|      msg_id       |  expiration
+----+----+----+----+----+----+----+----+
                         |  size   |chks|
+----+----+----+----+----+----+----+----+

type :: Integer
        length -> 1 byte

msg_id :: Integer
          length -> 4 bytes

expiration :: Date
              8 bytes, milliseconds since epoch

size :: Integer
        length -> 2 bytes
        purpose -> length of the payload

chks :: Integer
        length -> 1 byte
        purpose -> SHA256 hash of the payload truncated to the first byte
*/

// baseOffset leaves room in front of every message header so a payload can
// later be re-framed as a TunnelGateway message without copying.
const baseOffset = I2NP_HEADER_SIZE + TUNNEL_GATEWAY_HEADER_SIZE

// headerExpirationWindow is added to the current time when a header is
// filled or renewed.
const headerExpirationWindow = 5000 // milliseconds

// timeSource supplies milliseconds since epoch for header expirations. The
// router replaces it with the NTP-corrected clock at startup.
var timeSource atomic.Pointer[func() uint64]

func init() {
	systemTime := func() uint64 { return uint64(time.Now().UnixMilli()) }
	timeSource.Store(&systemTime)
}

// SetTimeSource replaces the clock used for header expirations.
func SetTimeSource(now func() uint64) {
	if now != nil {
		timeSource.Store(&now)
	}
}

func nowMilliseconds() uint64 {
	return (*timeSource.Load())()
}

// RandomMsgID draws a non-zero message ID from the process RNG.
func RandomMsgID() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			log.WithError(err).Error("CSPRNG failed while generating message ID")
		}
		if id := binary.BigEndian.Uint32(b[:]); id != 0 {
			return id
		}
	}
}

// Message is a fixed-capacity I2NP message buffer. The header occupies
// buf[offset : offset+16]; the payload follows up to buf[length]. Buffers
// come in two size classes and return to their pool when the last
// reference is released.
type Message struct {
	buf    []byte
	offset int
	length int
	refs   atomic.Int32
	pool   *sync.Pool
}

var shortPool = sync.Pool{
	New: func() any {
		m := &Message{buf: make([]byte, I2NP_MAX_SHORT_MESSAGE_SIZE)}
		m.pool = &shortPool
		return m
	},
}

var longPool = sync.Pool{
	New: func() any {
		m := &Message{buf: make([]byte, I2NP_MAX_MESSAGE_SIZE)}
		m.pool = &longPool
		return m
	},
}

func newFromPool(pool *sync.Pool) *Message {
	m := pool.Get().(*Message)
	m.offset = baseOffset
	m.length = m.offset + I2NP_HEADER_SIZE
	m.refs.Store(1)
	return m
}

// NewShortMessage acquires a buffer from the short (2 KB) class.
func NewShortMessage() *Message {
	return newFromPool(&shortPool)
}

// NewLongMessage acquires a buffer from the long (16 KB) class.
func NewLongMessage() *Message {
	return newFromPool(&longPool)
}

// NewMessage picks a size class for an expected payload length.
func NewMessage(sizeHint int) *Message {
	if sizeHint < I2NP_MAX_SHORT_MESSAGE_SIZE/2 {
		return NewShortMessage()
	}
	return NewLongMessage()
}

// NewRawMessage acquires a buffer holding raw bytes that already begin
// with an I2NP header (a received or partially reassembled message).
// Header room for later re-framing is preserved in front.
func NewRawMessage(raw []byte) (*Message, error) {
	m := NewMessage(len(raw))
	m.length = m.offset
	if err := m.Append(raw); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// Retain adds a reference. Every Retain must be paired with a Release.
func (m *Message) Retain() *Message {
	m.refs.Add(1)
	return m
}

// Release drops a reference, returning the buffer to its pool when the
// count reaches zero.
func (m *Message) Release() {
	if m.refs.Add(-1) == 0 {
		m.pool.Put(m)
	}
}

// MaxLen returns the buffer capacity.
func (m *Message) MaxLen() int { return len(m.buf) }

// Offset returns the index of the header within the backing buffer.
func (m *Message) Offset() int { return m.offset }

// Bytes returns header plus payload.
func (m *Message) Bytes() []byte { return m.buf[m.offset:m.length] }

// Length returns the on-wire size, header included.
func (m *Message) Length() int { return m.length - m.offset }

// Payload returns the bytes after the header.
func (m *Message) Payload() []byte { return m.buf[m.offset+I2NP_HEADER_SIZE : m.length] }

// PayloadLen returns the number of payload bytes.
func (m *Message) PayloadLen() int { return m.length - m.offset - I2NP_HEADER_SIZE }

// Append grows the payload by copying p. Fails when the buffer is full.
func (m *Message) Append(p []byte) error {
	buf, err := m.Extend(len(p))
	if err != nil {
		return err
	}
	copy(buf, p)
	return nil
}

// Extend grows the payload by n bytes and returns the writable region.
func (m *Message) Extend(n int) ([]byte, error) {
	if m.length+n > len(m.buf) {
		return nil, oops.Wrapf(ERR_I2NP_MESSAGE_TOO_BIG,
			"need %d bytes, %d available", n, len(m.buf)-m.length)
	}
	buf := m.buf[m.length : m.length+n]
	m.length += n
	return buf, nil
}

// ShiftOffset moves the header start by delta without touching contents.
// Used for zero-copy re-framing (TunnelGateway) where the existing message
// becomes the payload of a new envelope written in front of it.
func (m *Message) ShiftOffset(delta int) error {
	if m.offset+delta < 0 || m.offset+delta > m.length {
		return oops.Errorf("i2np: offset shift %d out of range", delta)
	}
	m.offset += delta
	return nil
}

// CopyTo replicates this message's contents into dst, preserving the
// relative offset. Fails when dst is too small.
func (m *Message) CopyTo(dst *Message) error {
	if m.length > len(dst.buf) {
		return oops.Wrapf(ERR_I2NP_MESSAGE_TOO_BIG, "copy of %d bytes into %d byte buffer",
			m.length, len(dst.buf))
	}
	copy(dst.buf, m.buf[:m.length])
	dst.offset = m.offset
	dst.length = m.length
	return nil
}

func (m *Message) header() []byte {
	return m.buf[m.offset : m.offset+I2NP_HEADER_SIZE]
}

// TypeID returns the message type byte.
func (m *Message) TypeID() int {
	return int(m.header()[I2NP_HEADER_TYPEID_OFFSET])
}

// MsgID returns the message ID field.
func (m *Message) MsgID() uint32 {
	return binary.BigEndian.Uint32(m.header()[I2NP_HEADER_MSGID_OFFSET:])
}

// SetMsgID overwrites the message ID field.
func (m *Message) SetMsgID(id uint32) {
	binary.BigEndian.PutUint32(m.header()[I2NP_HEADER_MSGID_OFFSET:], id)
}

// ExpirationMilliseconds returns the expiration field.
func (m *Message) ExpirationMilliseconds() uint64 {
	return binary.BigEndian.Uint64(m.header()[I2NP_HEADER_EXPIRATION_OFFSET:])
}

// Expired reports whether the expiration has passed.
func (m *Message) Expired() bool {
	return m.ExpirationMilliseconds() < nowMilliseconds()
}

// FillHeader completes the header: type, message ID (replyMsgID when
// non-zero, random otherwise), a five second expiration, the declared
// payload size, and the payload checksum byte.
func (m *Message) FillHeader(msgType int, replyMsgID uint32) {
	h := m.header()
	h[I2NP_HEADER_TYPEID_OFFSET] = byte(msgType)
	if replyMsgID != 0 {
		m.SetMsgID(replyMsgID)
	} else {
		m.SetMsgID(RandomMsgID())
	}
	binary.BigEndian.PutUint64(h[I2NP_HEADER_EXPIRATION_OFFSET:],
		nowMilliseconds()+headerExpirationWindow)
	m.UpdateSize()
	m.UpdateChks()
}

// RenewHeader refreshes the message ID and expiration, leaving the payload
// untouched. Used when an existing payload is forwarded under a new
// envelope.
func (m *Message) RenewHeader() {
	m.SetMsgID(RandomMsgID())
	binary.BigEndian.PutUint64(m.header()[I2NP_HEADER_EXPIRATION_OFFSET:],
		nowMilliseconds()+headerExpirationWindow)
}

// UpdateSize rewrites the declared payload size from the current length.
func (m *Message) UpdateSize() {
	binary.BigEndian.PutUint16(m.header()[I2NP_HEADER_SIZE_OFFSET:], uint16(m.PayloadLen()))
}

// UpdateChks recomputes the checksum byte over the current payload.
func (m *Message) UpdateChks() {
	digest := sha256.Sum256(m.Payload())
	m.header()[I2NP_HEADER_CHKS_OFFSET] = digest[0]
}
