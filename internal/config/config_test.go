package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")

	cfg := DefaultNodeConfig()
	cfg.Peers = []PeerAddr{{PeerIDHex: "ab", Address: "127.0.0.1:4681"}}

	require.NoError(t, SaveNode(path, cfg))

	loaded, err := LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNodeConfigConsensusTimeoutDefault(t *testing.T) {
	cfg := NodeConfig{}
	assert.Equal(t, 30e9, float64(cfg.ConsensusTimeout()))

	cfg.ConsensusTimeoutSec = 5
	assert.Equal(t, 5e9, float64(cfg.ConsensusTimeout()))
}

func TestGatewayConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")

	cfg := DefaultGatewayConfig()
	cfg.Backends = []string{"127.0.0.1:8081", "127.0.0.1:8082"}

	require.NoError(t, SaveGateway(path, cfg))

	loaded, err := LoadGateway(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadNodeMissingFile(t *testing.T) {
	_, err := LoadNode(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
