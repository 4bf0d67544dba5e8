package config

// DefaultNTPServer is the pool queried for clock skew correction.
const DefaultNTPServer = "pool.ntp.org"

// DefaultTunnelConfig matches the reference router: transit accepted, a
// soft cap of 2500 concurrent transit tunnels, and no bandwidth limit.
var DefaultTunnelConfig = TunnelConfig{
	AcceptTransit:     true,
	MaxTransitTunnels: 2500,
	BandwidthLimit:    0,
}

// DefaultGarlicConfig uses 4 tags per batch for plain lookup sessions and
// 40 for sessions that attach our lease-set (full connections).
var DefaultGarlicConfig = GarlicConfig{
	SessionTags:         4,
	LeaseSetSessionTags: 40,
}
