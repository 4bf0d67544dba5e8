// Package config loads and stores the router configuration through viper.
// Defaults are registered first, then overridden by an optional YAML config
// file: CfgFile when set, otherwise config.yaml in the per-user kovri
// directory (written with the defaults when missing). Environment variables
// are not read.
package config
