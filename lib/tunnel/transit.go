package tunnel

import (
	"encoding/binary"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/logger"
	"golang.org/x/time/rate"

	"github.com/theaky/kovri/lib/crypto/aes"
	"github.com/theaky/kovri/lib/crypto/elgamal"
	"github.com/theaky/kovri/lib/i2np"
)

// TransitTunnel is one hop of somebody else's tunnel passing through this
// router.
type TransitTunnel struct {
	TunnelID     TunnelID
	NextIdent    common.Hash
	NextTunnelID TunnelID
	LayerKey     session_key.SessionKey
	IVKey        session_key.SessionKey
	IsGateway    bool
	IsEndpoint   bool
}

// TransitPool admits and tracks transit tunnels. Admission requires that
// transit is enabled, the active count is below the cap and the bandwidth
// budget is not exhausted; otherwise build records are answered with
// reject reason 30.
type TransitPool struct {
	mu      sync.Mutex
	tunnels map[TunnelID]*TransitTunnel

	acceptsTunnels bool
	maxTunnels     int
	bandwidth      *rate.Limiter // nil means unlimited

	numRejected uint64
}

// NewTransitPool creates a pool with the given cap and bandwidth budget in
// bytes per second (zero for unlimited).
func NewTransitPool(acceptsTunnels bool, maxTunnels, bandwidthLimit int) *TransitPool {
	p := &TransitPool{
		tunnels:        make(map[TunnelID]*TransitTunnel),
		acceptsTunnels: acceptsTunnels,
		maxTunnels:     maxTunnels,
	}
	if bandwidthLimit > 0 {
		p.bandwidth = rate.NewLimiter(rate.Limit(bandwidthLimit), bandwidthLimit)
	}
	return p
}

// Size returns the number of active transit tunnels.
func (p *TransitPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tunnels)
}

// NumRejected returns how many build records were refused.
func (p *TransitPool) NumRejected() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numRejected
}

// Get looks up a transit tunnel by receive tunnel ID.
func (p *TransitPool) Get(id TunnelID) *TransitTunnel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunnels[id]
}

// Remove drops a transit tunnel.
func (p *TransitPool) Remove(id TunnelID) {
	p.mu.Lock()
	delete(p.tunnels, id)
	p.mu.Unlock()
}

func (p *TransitPool) admit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.acceptsTunnels || len(p.tunnels) >= p.maxTunnels {
		return false
	}
	// a transit tunnel costs at least one tunnel message of budget
	if p.bandwidth != nil && !p.bandwidth.AllowN(time.Now(), i2np.TUNNEL_DATA_MSG_SIZE) {
		return false
	}
	return true
}

func (p *TransitPool) add(t *TransitTunnel) {
	p.mu.Lock()
	p.tunnels[t.TunnelID] = t
	p.mu.Unlock()
}

func (p *TransitPool) reject() {
	p.mu.Lock()
	p.numRejected++
	p.mu.Unlock()
}

// BuildRequest is the decrypted cleartext of the record addressed to us,
// reduced to what forwarding needs.
type BuildRequest struct {
	ReceiveTunnelID TunnelID
	NextIdent       common.Hash
	NextTunnelID    TunnelID
	IsGateway       bool
	IsEndpoint      bool
	SendMsgID       uint32
}

// HandleBuildRequestRecords scans the records of a received build message
// for the one addressed to ourIdent, decrypts it, admits or rejects the
// transit tunnel, replaces the record with the response, and layer-encrypts
// every record with our reply key. Records are modified in place. Returns
// nil when no record is ours.
func (p *TransitPool) HandleBuildRequestRecords(records []byte, num int,
	ourIdent common.Hash, priv elgamal.PrivateKey,
) *BuildRequest {
	for i := 0; i < num; i++ {
		if (i+1)*i2np.TUNNEL_BUILD_RECORD_SIZE > len(records) {
			log.WithFields(logger.Fields{
				"at":      "tunnel.TransitPool.HandleBuildRequestRecords",
				"records": num,
				"size":    len(records),
			}).Warn("truncated build message")
			return nil
		}
		record := records[i*i2np.TUNNEL_BUILD_RECORD_SIZE : (i+1)*i2np.TUNNEL_BUILD_RECORD_SIZE]
		if !hashEqual(record[BUILD_REQUEST_RECORD_TO_PEER_OFFSET:BUILD_REQUEST_RECORD_TO_PEER_OFFSET+16], ourIdent[:16]) {
			continue
		}
		log.WithFields(logger.Fields{
			"at":           "tunnel.TransitPool.HandleBuildRequestRecords",
			"record_index": i,
		}).Debug("build record is ours")

		clearText, err := elgamal.Decrypt(priv, record[BUILD_REQUEST_RECORD_ENCRYPTED_OFFSET:], false)
		if err != nil {
			log.WithError(err).Warn("failed to decrypt build request record")
			return nil
		}
		req := parseBuildRequest(clearText)

		var ret byte
		if p.admit() {
			p.add(&TransitTunnel{
				TunnelID:     req.ReceiveTunnelID,
				NextIdent:    req.NextIdent,
				NextTunnelID: req.NextTunnelID,
				LayerKey:     parseSessionKey(clearText[BUILD_REQUEST_RECORD_LAYER_KEY_OFFSET:]),
				IVKey:        parseSessionKey(clearText[BUILD_REQUEST_RECORD_IV_KEY_OFFSET:]),
				IsGateway:    req.IsGateway,
				IsEndpoint:   req.IsEndpoint,
			})
		} else {
			ret = BUILD_RESPONSE_RET_REJECT_BANDWIDTH
			p.reject()
		}
		WriteBuildResponseRecord(record, ret)

		// layer-encrypt every record with our reply key so the originator
		// can unroll responses hop by hop
		replyKey := clearText[BUILD_REQUEST_RECORD_REPLY_KEY_OFFSET : BUILD_REQUEST_RECORD_REPLY_KEY_OFFSET+32]
		replyIV := clearText[BUILD_REQUEST_RECORD_REPLY_IV_OFFSET : BUILD_REQUEST_RECORD_REPLY_IV_OFFSET+16]
		encryption, err := aes.NewCBCEncryption(replyKey)
		if err != nil {
			return nil
		}
		for j := 0; j < num; j++ {
			reply := records[j*i2np.TUNNEL_BUILD_RECORD_SIZE : (j+1)*i2np.TUNNEL_BUILD_RECORD_SIZE]
			encryption.SetIV(replyIV)
			if err := encryption.Encrypt(reply); err != nil {
				return nil
			}
		}
		return req
	}
	return nil
}

func parseBuildRequest(clearText []byte) *BuildRequest {
	flag := clearText[BUILD_REQUEST_RECORD_FLAG_OFFSET]
	req := &BuildRequest{
		ReceiveTunnelID: TunnelID(binary.BigEndian.Uint32(clearText[BUILD_REQUEST_RECORD_RECEIVE_TUNNEL_OFFSET:])),
		NextTunnelID:    TunnelID(binary.BigEndian.Uint32(clearText[BUILD_REQUEST_RECORD_NEXT_TUNNEL_OFFSET:])),
		IsGateway:       flag&0x80 != 0,
		IsEndpoint:      flag&0x40 != 0,
		SendMsgID:       binary.BigEndian.Uint32(clearText[BUILD_REQUEST_RECORD_SEND_MSG_ID_OFFSET:]),
	}
	copy(req.NextIdent[:], clearText[BUILD_REQUEST_RECORD_NEXT_IDENT_OFFSET:])
	return req
}

func parseSessionKey(buf []byte) (key session_key.SessionKey) {
	copy(key[:], buf)
	return
}
