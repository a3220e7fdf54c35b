// Package config holds the two configuration surfaces spec.md §6 draws a
// line between: a viper-loaded node config (listen address, data dir,
// static connect list, timeouts the operator tunes) and a genesis
// configuration handed to the core as an opaque, externally-encoded blob
// (JSON stands in for the out-of-scope TOML/protobuf encoding).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// NodeConfig is the operator-facing configuration loaded by the CLI, never
// consulted by the consensus machine directly — everything consensus cares
// about either comes from Genesis or is passed in explicitly.
type NodeConfig struct {
	Node struct {
		DataDir  string `mapstructure:"data_dir"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Network struct {
		ListenAddress string   `mapstructure:"listen_address"`
		Connect       []string `mapstructure:"connect"` // static connect list, spec.md §4.2
		MaxPeers      int      `mapstructure:"max_peers"`
	} `mapstructure:"network"`

	Storage struct {
		Path string `mapstructure:"path"`
		Sync bool   `mapstructure:"sync"`
	} `mapstructure:"storage"`
}

// DefaultNodeConfig returns the configuration a fresh `generate-config` run
// would write out, mirroring the teacher's DefaultConfig shape.
func DefaultNodeConfig() *NodeConfig {
	cfg := &NodeConfig{}
	cfg.Node.DataDir = "./data"
	cfg.Node.LogLevel = "info"
	cfg.Network.ListenAddress = "0.0.0.0:26656"
	cfg.Network.Connect = []string{}
	cfg.Network.MaxPeers = 50
	cfg.Storage.Path = ""
	cfg.Storage.Sync = true
	return cfg
}

// LoadNodeConfig reads a TOML/YAML node config from configPath, falling back
// to defaults for anything unset, and overridable by RECHAIN_-prefixed
// environment variables (RECHAIN_NODE_LOG_LEVEL, etc.), matching the
// teacher's LoadConfig.
func LoadNodeConfig(configPath string) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()

	v := viper.New()
	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.log_level", cfg.Node.LogLevel)
	v.SetDefault("network.listen_address", cfg.Network.ListenAddress)
	v.SetDefault("network.connect", cfg.Network.Connect)
	v.SetDefault("network.max_peers", cfg.Network.MaxPeers)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.sync", cfg.Storage.Sync)

	v.SetEnvPrefix("RECHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read node config %q: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal node config: %w", err)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = cfg.Node.DataDir + "/data"
	}
	return cfg, nil
}
