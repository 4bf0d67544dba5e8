package router

import (
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"

	"github.com/theaky/kovri/lib/i2np"
)

// DropTransports discards every outbound message. It stands in until a
// transport layer is attached and keeps the core's send paths total.
type DropTransports struct{}

// SendMessage drops msg.
func (DropTransports) SendMessage(to common.Hash, msg *i2np.Message) {
	log.WithFields(logger.Fields{
		"at":   "router.DropTransports.SendMessage",
		"to":   to,
		"type": msg.TypeID(),
	}).Debug("no transport attached, message dropped")
	msg.Release()
}
