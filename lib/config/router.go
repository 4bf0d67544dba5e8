package config

import "path/filepath"

// TunnelConfig controls transit tunnel admission.
type TunnelConfig struct {
	// whether this router participates in other routers' tunnels at all
	AcceptTransit bool
	// soft cap on concurrently active transit tunnels
	MaxTransitTunnels int
	// transit bandwidth budget in bytes per second
	BandwidthLimit int
}

// GarlicConfig controls session tag batch sizes.
type GarlicConfig struct {
	// tags generated per batch for plain lookup sessions
	SessionTags int
	// tags generated per batch when the session carries lease-set updates
	LeaseSetSessionTags int
}

// RouterConfig is the root configuration object.
type RouterConfig struct {
	// the path to the base config directory where per-system defaults are stored
	BaseDir string
	// the path to the working config directory where files are changed
	WorkingDir string
	// NTP server used for clock skew correction
	NTPServer string
	Tunnel    TunnelConfig
	Garlic    GarlicConfig
}

func defaultBase() string {
	return filepath.Join(BuildKovriDirPath(), "base")
}

func defaultConfig() string {
	return filepath.Join(BuildKovriDirPath(), "config")
}

var defaultRouterConfig = &RouterConfig{
	BaseDir:    defaultBase(),
	WorkingDir: defaultConfig(),
	NTPServer:  DefaultNTPServer,
	Tunnel:     DefaultTunnelConfig,
	Garlic:     DefaultGarlicConfig,
}

func DefaultRouterConfig() *RouterConfig {
	return defaultRouterConfig
}

var RouterConfigProperties = DefaultRouterConfig()
