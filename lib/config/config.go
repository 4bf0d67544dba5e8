package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"
)

var (
	// CfgFile is an explicit config file path set by the CLI, if any.
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const KOVRI_BASE_DIR = ".kovri"

// InitConfig wires viper defaults, reads the config file (creating it when
// missing) and refreshes RouterConfigProperties.
func InitConfig() {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildKovriDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	handleConfigFile()
	UpdateRouterConfig()
}

func setDefaults() {
	viper.SetDefault("base_dir", DefaultRouterConfig().BaseDir)
	viper.SetDefault("working_dir", DefaultRouterConfig().WorkingDir)

	viper.SetDefault("ntp.server", DefaultNTPServer)

	viper.SetDefault("tunnel.accept_transit", DefaultTunnelConfig.AcceptTransit)
	viper.SetDefault("tunnel.max_transit", DefaultTunnelConfig.MaxTransitTunnels)
	viper.SetDefault("tunnel.bandwidth_limit", DefaultTunnelConfig.BandwidthLimit)

	viper.SetDefault("garlic.session_tags", DefaultGarlicConfig.SessionTags)
	viper.SetDefault("garlic.leaseset_session_tags", DefaultGarlicConfig.LeaseSetSessionTags)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			createDefaultConfig(BuildKovriDirPath())
			return
		}
		log.WithError(err).Error("Failed to read config file")
	}
}

func createDefaultConfig(dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Error("Failed to create config directory")
		return
	}
	path := filepath.Join(dir, "config.yaml")
	if err := viper.SafeWriteConfigAs(path); err != nil {
		log.WithError(err).Warn("Failed to write default config file")
		return
	}
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).Warn("Failed to re-read generated config file")
	}
	log.WithField("path", path).Debug("Created default configuration file")
}

// UpdateRouterConfig copies the viper state into RouterConfigProperties.
func UpdateRouterConfig() {
	RouterConfigProperties.BaseDir = viper.GetString("base_dir")
	RouterConfigProperties.WorkingDir = viper.GetString("working_dir")
	RouterConfigProperties.NTPServer = viper.GetString("ntp.server")

	RouterConfigProperties.Tunnel.AcceptTransit = viper.GetBool("tunnel.accept_transit")
	RouterConfigProperties.Tunnel.MaxTransitTunnels = viper.GetInt("tunnel.max_transit")
	RouterConfigProperties.Tunnel.BandwidthLimit = viper.GetInt("tunnel.bandwidth_limit")

	RouterConfigProperties.Garlic.SessionTags = viper.GetInt("garlic.session_tags")
	RouterConfigProperties.Garlic.LeaseSetSessionTags = viper.GetInt("garlic.leaseset_session_tags")
}

// BuildKovriDirPath returns the per-user kovri directory.
func BuildKovriDirPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.WithError(err).Warn("Failed to resolve home directory, using cwd")
		return KOVRI_BASE_DIR
	}
	return filepath.Join(home, KOVRI_BASE_DIR)
}
