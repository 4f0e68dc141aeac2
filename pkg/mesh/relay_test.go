package mesh

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/internal/bclog"
)

func TestProofOfRelayDrain(t *testing.T) {
	p := NewProofOfRelay(10, bclog.NewNop())
	p.Record(RelayRecord{RelayPeer: peer(1)})
	p.Record(RelayRecord{RelayPeer: peer(2)})
	assert.Equal(t, 2, p.Len())

	records := p.Drain()
	assert.Len(t, records, 2)
	assert.Equal(t, 0, p.Len())
}

func TestProofOfRelayBoundedBuffer(t *testing.T) {
	p := NewProofOfRelay(3, bclog.NewNop())
	for i := 0; i < 10; i++ {
		p.Record(RelayRecord{RelayPeer: peer(byte(i))})
	}
	assert.Equal(t, 3, p.Len())
}

func TestRelayLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	l, err := OpenRelayLog(path)
	require.NoError(t, err)

	batch1 := []RelayRecord{{RelayPeer: peer(1), HopCount: 2}, {RelayPeer: peer(2), HopCount: 3}}
	require.NoError(t, l.Append(batch1))
	require.NoError(t, l.Append([]RelayRecord{{RelayPeer: peer(3), HopCount: 1}}))
	require.NoError(t, l.Close())

	// appends across reopens accumulate, never truncate
	l2, err := OpenRelayLog(path)
	require.NoError(t, err)
	require.NoError(t, l2.Append([]RelayRecord{{RelayPeer: peer(4), HopCount: 5}}))
	require.NoError(t, l2.Close())

	records, err := ReadRelayLog(path)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, peer(1), records[0].RelayPeer)
	assert.Equal(t, peer(4), records[3].RelayPeer)

	missing, err := ReadRelayLog(filepath.Join(t.TempDir(), "absent.log"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
