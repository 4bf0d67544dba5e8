package tunnel

import (
	"crypto/sha256"
	"encoding/binary"
	mathrand "math/rand"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/theaky/kovri/lib/crypto/aes"
	"github.com/theaky/kovri/lib/i2np"
)

/*
I2P BuildRequestRecord
https://geti2p.net/spec/i2np
Accurate for version 0.9.28

record (528 bytes):

+----+----+----+----+----+----+----+----+
| toPeer (16)       | encrypted (512)   |
+----+----+----+----+                   +
~                                       ~
+----+----+----+----+----+----+----+----+

toPeer :: first 16 bytes of the target router's identity hash
encrypted :: ElGamal-2048 of the 222-byte cleartext, no zero padding

cleartext (222 bytes):

receive_tunnel(4) | our_ident(32) | next_tunnel(4) | next_ident(32) |
layer_key(32) | iv_key(32) | reply_key(32) | reply_iv(16) | flag(1) |
request_time(4, hours since epoch) | send_msg_id(4) | padding(29)

flag bit 7: is gateway, bit 6: is endpoint

response record (528 bytes):

padding(495) | hash(32) | ret(1)

hash :: SHA-256(padding || ret)
*/

// Build request record field offsets within the 222-byte cleartext.
const (
	BUILD_REQUEST_RECORD_RECEIVE_TUNNEL_OFFSET = 0
	BUILD_REQUEST_RECORD_OUR_IDENT_OFFSET      = 4
	BUILD_REQUEST_RECORD_NEXT_TUNNEL_OFFSET    = 36
	BUILD_REQUEST_RECORD_NEXT_IDENT_OFFSET     = 40
	BUILD_REQUEST_RECORD_LAYER_KEY_OFFSET      = 72
	BUILD_REQUEST_RECORD_IV_KEY_OFFSET         = 104
	BUILD_REQUEST_RECORD_REPLY_KEY_OFFSET      = 136
	BUILD_REQUEST_RECORD_REPLY_IV_OFFSET       = 168
	BUILD_REQUEST_RECORD_FLAG_OFFSET           = 184
	BUILD_REQUEST_RECORD_REQUEST_TIME_OFFSET   = 185
	BUILD_REQUEST_RECORD_SEND_MSG_ID_OFFSET    = 189
	BUILD_REQUEST_RECORD_PADDING_OFFSET        = 193
	BUILD_REQUEST_RECORD_CLEAR_TEXT_SIZE       = 222

	BUILD_REQUEST_RECORD_TO_PEER_OFFSET   = 0
	BUILD_REQUEST_RECORD_ENCRYPTED_OFFSET = 16
)

// Build response record field offsets within the 528-byte record.
const (
	BUILD_RESPONSE_RECORD_PADDING_OFFSET = 0
	BUILD_RESPONSE_RECORD_PADDING_SIZE   = 495
	BUILD_RESPONSE_RECORD_HASH_OFFSET    = 495
	BUILD_RESPONSE_RECORD_RET_OFFSET     = 527
)

// Reject reason written by routers refusing a transit tunnel.
const BUILD_RESPONSE_RET_REJECT_BANDWIDTH = 30

// CreateBuildRequestRecord fills a 528-byte record for this hop,
// ElGamal-encrypted to the hop's router.
func (hop *HopConfig) CreateBuildRequestRecord(record []byte, replyMsgID uint32, requestTime uint32) error {
	if len(record) < i2np.TUNNEL_BUILD_RECORD_SIZE {
		return oops.Errorf("tunnel: build record buffer too small: %d", len(record))
	}
	if hop.NextRouter == nil {
		return oops.Errorf("tunnel: hop has no next router")
	}
	var clearText [BUILD_REQUEST_RECORD_CLEAR_TEXT_SIZE]byte
	binary.BigEndian.PutUint32(clearText[BUILD_REQUEST_RECORD_RECEIVE_TUNNEL_OFFSET:], uint32(hop.TunnelID))
	ourIdent := hop.Router.IdentHash()
	copy(clearText[BUILD_REQUEST_RECORD_OUR_IDENT_OFFSET:], ourIdent[:])
	binary.BigEndian.PutUint32(clearText[BUILD_REQUEST_RECORD_NEXT_TUNNEL_OFFSET:], uint32(hop.NextTunnelID))
	nextIdent := hop.NextRouter.IdentHash()
	copy(clearText[BUILD_REQUEST_RECORD_NEXT_IDENT_OFFSET:], nextIdent[:])
	copy(clearText[BUILD_REQUEST_RECORD_LAYER_KEY_OFFSET:], hop.LayerKey[:])
	copy(clearText[BUILD_REQUEST_RECORD_IV_KEY_OFFSET:], hop.IVKey[:])
	copy(clearText[BUILD_REQUEST_RECORD_REPLY_KEY_OFFSET:], hop.ReplyKey[:])
	copy(clearText[BUILD_REQUEST_RECORD_REPLY_IV_OFFSET:], hop.ReplyIV[:])
	var flag byte
	if hop.IsGateway {
		flag |= 0x80
	}
	if hop.IsEndpoint {
		flag |= 0x40
	}
	clearText[BUILD_REQUEST_RECORD_FLAG_OFFSET] = flag
	binary.BigEndian.PutUint32(clearText[BUILD_REQUEST_RECORD_REQUEST_TIME_OFFSET:], requestTime)
	binary.BigEndian.PutUint32(clearText[BUILD_REQUEST_RECORD_SEND_MSG_ID_OFFSET:], replyMsgID)
	if _, err := rand.Read(clearText[BUILD_REQUEST_RECORD_PADDING_OFFSET:]); err != nil {
		return oops.Wrapf(err, "tunnel: entropy source failed")
	}

	encrypted, err := hop.Router.EncryptElGamal(clearText[:], false)
	if err != nil {
		return oops.Wrapf(err, "tunnel: build record encryption failed")
	}
	copy(record[BUILD_REQUEST_RECORD_ENCRYPTED_OFFSET:], encrypted)
	copy(record[BUILD_REQUEST_RECORD_TO_PEER_OFFSET:BUILD_REQUEST_RECORD_TO_PEER_OFFSET+16], ourIdent[:16])
	return nil
}

// CreateVariableTunnelBuildMsg produces a VariableTunnelBuild message with
// one record per hop, in randomized slot order. The reply correlates back
// through replyMsgID.
func CreateVariableTunnelBuildMsg(cfg *Config, replyMsgID uint32, requestTime uint32) (*i2np.Message, error) {
	num := cfg.NumHops()
	payload := make([]byte, 1+num*i2np.TUNNEL_BUILD_RECORD_SIZE)
	payload[0] = byte(num)

	for i, slot := range mathrand.New(randSource()).Perm(num) {
		cfg.hops[i].RecordIndex = slot
	}
	for i, hop := range cfg.hops {
		record := payload[1+hop.RecordIndex*i2np.TUNNEL_BUILD_RECORD_SIZE : 1+(hop.RecordIndex+1)*i2np.TUNNEL_BUILD_RECORD_SIZE]
		if err := hop.CreateBuildRequestRecord(record, replyMsgID, requestTime); err != nil {
			return nil, err
		}
		// Pre-decrypt with the reply keys of every earlier hop. Each hop
		// encrypts all records as the message passes it, so these layers
		// cancel in flight and the hop sees its plain ElGamal record.
		for j := i - 1; j >= 0; j-- {
			decryption, err := aes.NewCBCDecryption(cfg.hops[j].ReplyKey[:])
			if err != nil {
				return nil, err
			}
			decryption.SetIV(cfg.hops[j].ReplyIV[:])
			if err := decryption.Decrypt(record); err != nil {
				return nil, err
			}
		}
	}
	return i2np.CreateMsg(i2np.I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD, payload, 0)
}

// CreateTunnelBuildMsg produces a fixed-count TunnelBuild message. The
// wire format always carries eight records; slots no hop occupies are
// filled with random bytes so every record looks encrypted.
func CreateTunnelBuildMsg(cfg *Config, replyMsgID uint32, requestTime uint32) (*i2np.Message, error) {
	num := cfg.NumHops()
	if num > i2np.NUM_TUNNEL_BUILD_RECORDS {
		return nil, oops.Errorf("tunnel: %d hops exceed the %d fixed build records",
			num, i2np.NUM_TUNNEL_BUILD_RECORDS)
	}
	payload := make([]byte, i2np.NUM_TUNNEL_BUILD_RECORDS*i2np.TUNNEL_BUILD_RECORD_SIZE)
	if _, err := rand.Read(payload); err != nil {
		return nil, oops.Wrapf(err, "tunnel: entropy source failed")
	}

	for i, slot := range mathrand.New(randSource()).Perm(i2np.NUM_TUNNEL_BUILD_RECORDS)[:num] {
		cfg.hops[i].RecordIndex = slot
	}
	for i, hop := range cfg.hops {
		record := payload[hop.RecordIndex*i2np.TUNNEL_BUILD_RECORD_SIZE : (hop.RecordIndex+1)*i2np.TUNNEL_BUILD_RECORD_SIZE]
		if err := hop.CreateBuildRequestRecord(record, replyMsgID, requestTime); err != nil {
			return nil, err
		}
		for j := i - 1; j >= 0; j-- {
			decryption, err := aes.NewCBCDecryption(cfg.hops[j].ReplyKey[:])
			if err != nil {
				return nil, err
			}
			decryption.SetIV(cfg.hops[j].ReplyIV[:])
			if err := decryption.Decrypt(record); err != nil {
				return nil, err
			}
		}
	}
	return i2np.CreateMsg(i2np.I2NP_MESSAGE_TYPE_TUNNEL_BUILD, payload, 0)
}

// randSource seeds math/rand from the cryptographic RNG; record slot
// shuffling needs unpredictability but not a CSPRNG stream.
func randSource() mathrand.Source {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return mathrand.NewSource(int64(binary.BigEndian.Uint64(b[:]) & 0x7FFFFFFFFFFFFFFF))
}

// HandleBuildResponse peels the per-hop reply encryption from a
// VariableTunnelBuildReply payload and verifies every record. It returns
// true only when every hop's embedded hash matches and every ret byte is
// zero.
func HandleBuildResponse(cfg *Config, payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	num := int(payload[0])
	if len(payload) < 1+num*i2np.TUNNEL_BUILD_RECORD_SIZE {
		log.WithFields(logger.Fields{
			"at":      "tunnel.HandleBuildResponse",
			"records": num,
			"size":    len(payload),
		}).Warn("truncated build reply")
		return false
	}

	// Each hop encrypted every record once as the message passed it, so a
	// record carries the layers of its own hop and every later hop. Walk
	// hops endpoint-first; at each step strip that hop's layer from its own
	// record and every earlier hop's record.
	hops := cfg.hops
	for i := len(hops) - 1; i >= 0; i-- {
		decryption, err := aes.NewCBCDecryption(hops[i].ReplyKey[:])
		if err != nil {
			return false
		}
		for j := i; j >= 0; j-- {
			idx := hops[j].RecordIndex
			if idx < 0 || idx >= num {
				return false
			}
			record := payload[1+idx*i2np.TUNNEL_BUILD_RECORD_SIZE : 1+(idx+1)*i2np.TUNNEL_BUILD_RECORD_SIZE]
			decryption.SetIV(hops[i].ReplyIV[:])
			if err := decryption.Decrypt(record); err != nil {
				return false
			}
		}
	}

	accepted := true
	for _, hop := range hops {
		record := payload[1+hop.RecordIndex*i2np.TUNNEL_BUILD_RECORD_SIZE:]
		ret, err := VerifyBuildResponseRecord(record[:i2np.TUNNEL_BUILD_RECORD_SIZE])
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":           "tunnel.HandleBuildResponse",
				"record_index": hop.RecordIndex,
			}).Warn("build response record verification failed")
			return false
		}
		if ret != 0 {
			log.WithFields(logger.Fields{
				"at":           "tunnel.HandleBuildResponse",
				"record_index": hop.RecordIndex,
				"ret":          ret,
			}).Debug("hop declined tunnel")
			accepted = false
		}
	}
	return accepted
}

// VerifyBuildResponseRecord checks the embedded hash of a decrypted
// response record and returns its ret byte.
func VerifyBuildResponseRecord(record []byte) (byte, error) {
	if len(record) < i2np.TUNNEL_BUILD_RECORD_SIZE {
		return 0, oops.Errorf("tunnel: response record too short: %d", len(record))
	}
	ret := record[BUILD_RESPONSE_RECORD_RET_OFFSET]
	data := make([]byte, BUILD_RESPONSE_RECORD_PADDING_SIZE+1)
	copy(data, record[:BUILD_RESPONSE_RECORD_PADDING_SIZE])
	data[BUILD_RESPONSE_RECORD_PADDING_SIZE] = ret
	digest := sha256.Sum256(data)
	if !hashEqual(digest[:], record[BUILD_RESPONSE_RECORD_HASH_OFFSET:BUILD_RESPONSE_RECORD_HASH_OFFSET+32]) {
		return 0, oops.Errorf("tunnel: response record hash mismatch")
	}
	return ret, nil
}

// WriteBuildResponseRecord overwrites record in place with a response:
// the existing bytes remain as padding, the hash and ret byte are written
// over the tail.
func WriteBuildResponseRecord(record []byte, ret byte) {
	record[BUILD_RESPONSE_RECORD_RET_OFFSET] = ret
	data := make([]byte, BUILD_RESPONSE_RECORD_PADDING_SIZE+1)
	copy(data, record[:BUILD_RESPONSE_RECORD_PADDING_SIZE])
	data[BUILD_RESPONSE_RECORD_PADDING_SIZE] = ret
	digest := sha256.Sum256(data)
	copy(record[BUILD_RESPONSE_RECORD_HASH_OFFSET:], digest[:])
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
