package i2np

import (
	"sync"

	"github.com/go-i2p/logger"
)

// HandlerFunc processes one received message. The dispatcher keeps
// ownership of the message; handlers must Retain it to hold on past the
// call.
type HandlerFunc func(msg *Message) error

// Dispatcher routes received I2NP messages to the subsystem registered for
// their type: tunnel messages to the tunnel worker, garlic and delivery
// status to the local destination, database messages to the netdb.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[int]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[int]HandlerFunc)}
}

// Register installs the handler for a message type, replacing any previous
// one.
func (d *Dispatcher) Register(msgType int, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[msgType] = h
	d.mu.Unlock()
}

// Dispatch routes msg by type. Expired messages and messages with no
// registered handler are dropped. The message is released afterwards.
func (d *Dispatcher) Dispatch(msg *Message) {
	defer msg.Release()
	if msg.Expired() {
		log.WithFields(logger.Fields{
			"at":     "i2np.Dispatcher.Dispatch",
			"type":   msg.TypeID(),
			"msg_id": msg.MsgID(),
		}).Debug("dropping expired message")
		return
	}
	d.mu.RLock()
	h, ok := d.handlers[msg.TypeID()]
	d.mu.RUnlock()
	if !ok {
		log.WithFields(logger.Fields{
			"at":   "i2np.Dispatcher.Dispatch",
			"type": msg.TypeID(),
		}).Warn("no handler for message type")
		return
	}
	if err := h(msg); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":     "i2np.Dispatcher.Dispatch",
			"type":   msg.TypeID(),
			"msg_id": msg.MsgID(),
		}).Warn("message handler failed")
	}
}
