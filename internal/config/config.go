// Package config is BitCraps' JSON-on-disk node/gateway
// configuration: a plain json.Encoder/Decoder round-trip, no config
// library, loaded from a path or populated from CLI flags.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// PeerAddr is one entry in a node's static peer list (cmd/bitcrapsd's
// peers.json).
type PeerAddr struct {
	PeerIDHex string `json:"peer_id_hex"`
	Address   string `json:"address"`
}

// NodeConfig configures a cmd/bitcrapsd instance: listen address,
// identity key path, static peer seeds, and the tunables each pkg/*
// component exposes a default for.
type NodeConfig struct {
	ListenAddr          string     `json:"listen_addr"`
	UDPListenAddr       string     `json:"udp_listen_addr"`
	AdminAddr           string     `json:"admin_addr"`
	KeyPath             string     `json:"key_path"`
	DataDir             string     `json:"data_dir"`
	Mobile              bool       `json:"mobile"`
	Peers               []PeerAddr `json:"peers"`
	DHTBootstrap        []PeerAddr `json:"dht_bootstrap"`
	MaxConcurrentGames  int        `json:"max_concurrent_games"`
	MaxBetAmount        uint64     `json:"max_bet_amount"`
	StartingBalance     uint64     `json:"starting_balance"`
	RateLimitPerSecond  int        `json:"rate_limit_per_second"`
	ConsensusTimeoutSec int        `json:"consensus_timeout_seconds"`
}

// GatewayConfig configures a cmd/bitcraps-gateway instance.
type GatewayConfig struct {
	ListenAddr      string             `json:"listen_addr"`
	NodeAddr        string             `json:"node_addr"`
	GlobalRateLimit float64            `json:"global_rate_limit"`
	GlobalRateBurst int                `json:"global_rate_burst"`
	RouteRateLimits map[string]float64 `json:"route_rate_limits"`
	Backends        []string           `json:"backends"`
}

// ConsensusTimeout returns the configured operation timeout, falling
// back to 30s when unset.
func (c NodeConfig) ConsensusTimeout() time.Duration {
	if c.ConsensusTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ConsensusTimeoutSec) * time.Second
}

// DefaultNodeConfig mirrors the package-level defaults scattered
// across pkg/session, pkg/bridge and pkg/dht, collected here so a
// freshly generated config file is immediately usable.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddr:          ":4680",
		AdminAddr:           ":4690",
		KeyPath:             "./identity.key",
		MaxConcurrentGames:  1000,
		MaxBetAmount:        1_000_000,
		StartingBalance:     10_000,
		RateLimitPerSecond:  100,
		ConsensusTimeoutSec: 30,
	}
}

// DefaultGatewayConfig mirrors pkg/gateway's package defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ListenAddr:      ":8080",
		GlobalRateLimit: 200,
		GlobalRateBurst: 400,
	}
}

// LoadNode reads a NodeConfig from path.
func LoadNode(path string) (NodeConfig, error) {
	var cfg NodeConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveNode writes cfg to path as indented JSON.
func SaveNode(path string, cfg NodeConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	return enc.Encode(cfg)
}

// LoadGateway reads a GatewayConfig from path.
func LoadGateway(path string) (GatewayConfig, error) {
	var cfg GatewayConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveGateway writes cfg to path as indented JSON.
func SaveGateway(path string, cfg GatewayConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	return enc.Encode(cfg)
}

// LoadPeers reads a static peer list from a peers.json-style file.
func LoadPeers(path string) ([]PeerAddr, error) {
	var peers []PeerAddr
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&peers); err != nil {
		return nil, err
	}
	return peers, nil
}
