package router

import (
	"context"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/theaky/kovri/lib/config"
	"github.com/theaky/kovri/lib/garlic"
	"github.com/theaky/kovri/lib/i2np"
	"github.com/theaky/kovri/lib/tunnel"
	"github.com/theaky/kovri/lib/util/time/sntp"
)

// NetDB is the narrow network database façade the core needs: descriptor
// lookup and storage by identity hash.
type NetDB interface {
	Lookup(hash common.Hash) ([]byte, bool)
	Store(hash common.Hash, descriptor []byte)
}

// cleanupInterval paces the routing-session sweep.
const cleanupInterval = time.Minute

// Router owns the messaging core and its background loops.
type Router struct {
	ctx        *Context
	dispatcher *i2np.Dispatcher
	transit    *tunnel.TransitPool
	pool       *tunnel.Pool
	manager    *tunnel.Manager
	endpoint   *tunnel.Endpoint
	dest       *garlic.Destination
	transports tunnel.Transports
	netdb      NetDB

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// tunnelPoolAdapter bridges the concrete tunnel pool to the garlic-facing
// interfaces without leaking typed nils.
type tunnelPoolAdapter struct {
	pool *tunnel.Pool
}

func (a tunnelPoolAdapter) NextInboundTunnel() garlic.InboundTunnel {
	if t := a.pool.NextInboundTunnel(); t != nil {
		return t
	}
	return nil
}

func (a tunnelPoolAdapter) NextOutboundTunnel() garlic.OutboundTunnel {
	if t := a.pool.NextOutboundTunnel(); t != nil {
		return t
	}
	return nil
}

// CreateRouter assembles a router from the loaded configuration, with the
// given transport and netdb collaborators.
func CreateRouter(cfg *config.RouterConfig, transports tunnel.Transports,
	netdb NetDB, leaseSet func() i2np.LeaseSetSource,
) (*Router, error) {
	if transports == nil {
		return nil, oops.Errorf("router: transports collaborator is required")
	}
	clock := sntp.NewClock(cfg.NTPServer)
	ctx, err := NewContext(clock)
	if err != nil {
		return nil, err
	}
	i2np.SetTimeSource(clock.MillisecondsSinceEpoch)

	r := &Router{
		ctx:        ctx,
		dispatcher: i2np.NewDispatcher(),
		transit: tunnel.NewTransitPool(cfg.Tunnel.AcceptTransit,
			cfg.Tunnel.MaxTransitTunnels, cfg.Tunnel.BandwidthLimit),
		pool:       tunnel.NewPool(),
		transports: transports,
		netdb:      netdb,
		done:       make(chan struct{}),
	}
	r.manager = tunnel.NewManager(r.pool, r.transit, transports,
		ctx.IdentHash(), ctx.EncryptionPrivateKey(), clock.HoursSinceEpoch)
	r.endpoint = tunnel.NewEndpoint(true, ctx.IdentHash(), transports, r.handleLocalMessage)
	r.dest = garlic.NewDestination(ctx.IdentHash(), ctx.EncryptionPrivateKey(),
		leaseSet, tunnelPoolAdapter{pool: r.pool}, r.handleCloveMessage, clock,
		cfg.Garlic.SessionTags, cfg.Garlic.LeaseSetSessionTags)

	r.registerHandlers()
	return r, nil
}

// registerHandlers wires the dispatch table: tunnel build and TunnelData
// messages to the tunnel subsystem, garlic and delivery status to the
// destination, DatabaseStore to the netdb façade. Other types, TunnelGateway
// among them, have no handler.
func (r *Router) registerHandlers() {
	r.dispatcher.Register(i2np.I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD, r.manager.HandleVariableTunnelBuildMsg)
	r.dispatcher.Register(i2np.I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY, r.manager.HandleVariableTunnelBuildReplyMsg)
	r.dispatcher.Register(i2np.I2NP_MESSAGE_TYPE_TUNNEL_BUILD, r.manager.HandleTunnelBuildMsg)
	r.dispatcher.Register(i2np.I2NP_MESSAGE_TYPE_TUNNEL_DATA, func(msg *i2np.Message) error {
		r.endpoint.HandleDecryptedTunnelDataMsg(msg)
		return nil
	})
	r.dispatcher.Register(i2np.I2NP_MESSAGE_TYPE_GARLIC, func(msg *i2np.Message) error {
		r.dest.HandleGarlicMessage(msg, nil)
		return nil
	})
	r.dispatcher.Register(i2np.I2NP_MESSAGE_TYPE_DELIVERY_STATUS, func(msg *i2np.Message) error {
		r.dest.HandleDeliveryStatusMessage(msg)
		return nil
	})
	r.dispatcher.Register(i2np.I2NP_MESSAGE_TYPE_DATABASE_STORE, r.handleDatabaseStore)
}

// handleDatabaseStore stores the carried descriptor through the netdb
// façade.
func (r *Router) handleDatabaseStore(msg *i2np.Message) error {
	payload := msg.Payload()
	if len(payload) < i2np.DATABASE_STORE_HEADER_SIZE {
		return i2np.ERR_I2NP_NOT_ENOUGH_DATA
	}
	if r.netdb == nil {
		return nil
	}
	var key common.Hash
	copy(key[:], payload[i2np.DATABASE_STORE_KEY_OFFSET:])
	r.netdb.Store(key, append([]byte(nil), payload...))
	return nil
}

// handleLocalMessage receives messages our tunnel endpoint reassembled for
// this router.
func (r *Router) handleLocalMessage(msg *i2np.Message) {
	r.dispatcher.Dispatch(msg)
}

// handleCloveMessage receives inner I2NP messages unwrapped from garlic
// cloves.
func (r *Router) handleCloveMessage(msg *i2np.Message, _ garlic.InboundTunnel) {
	r.dispatcher.Dispatch(msg)
}

// HandleMessage feeds a received wire message into the dispatch table.
// Transports call this from their read loops.
func (r *Router) HandleMessage(data []byte) {
	msg, err := i2np.ReadMessage(data)
	if err != nil {
		log.WithError(err).Debug("dropping malformed i2np message")
		return
	}
	r.dispatcher.Dispatch(msg)
}

// Context returns the router context.
func (r *Router) Context() *Context { return r.ctx }

// Destination returns the garlic destination.
func (r *Router) Destination() *garlic.Destination { return r.dest }

// TunnelManager returns the tunnel build manager.
func (r *Router) TunnelManager() *tunnel.Manager { return r.manager }

// TunnelPool returns the established tunnel pool.
func (r *Router) TunnelPool() *tunnel.Pool { return r.pool }

// TransitPool returns the transit tunnel pool.
func (r *Router) TransitPool() *tunnel.TransitPool { return r.transit }

// Start launches the clock sync and cleanup loops.
func (r *Router) Start() {
	r.runCtx, r.cancel = context.WithCancel(context.Background())
	r.ctx.Clock().Run(r.runCtx)
	go r.cleanupLoop()
	log.WithFields(logger.Fields{
		"at":    "router.Router.Start",
		"ident": r.ctx.IdentHash(),
	}).Debug("router started")
}

func (r *Router) cleanupLoop() {
	defer close(r.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.dest.CleanupRoutingSessions()
		case <-r.runCtx.Done():
			return
		}
	}
}

// Stop cancels the background loops.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Wait blocks until the background loops exit.
func (r *Router) Wait() {
	<-r.done
}
