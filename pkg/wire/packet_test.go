package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := New(TypeConsensusVote, 4, 42)
	var sender types.PeerId
	sender[0] = 0xAB
	p.SetSender(sender)
	p.SetTimestamp(123456789)
	p.SetPayload([]byte("hello consensus"))
	// An unknown TLV must survive the round trip untouched.
	p.TLVs = append(p.TLVs, TLV{Type: 0x09, Value: []byte{0xDE, 0xAD}})

	raw, err := p.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, p.Version, decoded.Version)
	assert.Equal(t, p.Type, decoded.Type)
	assert.Equal(t, p.TTL, decoded.TTL)
	assert.Equal(t, p.Sequence, decoded.Sequence)

	gotSender, ok := decoded.Sender()
	require.True(t, ok)
	assert.Equal(t, sender, gotSender)

	ts, ok := decoded.Timestamp()
	require.True(t, ok)
	assert.EqualValues(t, 123456789, ts)

	payload, ok := decoded.Payload()
	require.True(t, ok)
	assert.Equal(t, []byte("hello consensus"), payload)

	found := false
	for _, tlv := range decoded.TLVs {
		if tlv.Type == 0x09 {
			found = true
			assert.Equal(t, []byte{0xDE, 0xAD}, tlv.Value)
		}
	}
	assert.True(t, found, "unknown TLV must be preserved verbatim")

	// Re-encoding the decoded packet must be byte-identical so dedup
	// fingerprints are stable.
	raw2, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, raw, raw2)
}

func TestTTLBoundaryNotForwardedAtOne(t *testing.T) {
	p := New(TypePing, 1, 1)
	assert.False(t, p.ShouldForward(), "ttl=1 must be delivered but not forwarded")
}

func TestTTLForwardDecrementsByOne(t *testing.T) {
	p := New(TypePing, 4, 1)
	require.True(t, p.ShouldForward())
	before := p.TTL
	p.DecrementTTL()
	assert.Equal(t, before-1, p.TTL)
	assert.GreaterOrEqual(t, p.TTL, uint8(1))
}

func TestPacketSizeCeiling(t *testing.T) {
	p := New(TypeGameDataBase, 4, 1)
	// exactly at the ceiling once framing overhead is accounted for
	p.SetPayload(make([]byte, MaxPacketSize-headerSize-3))
	raw, err := p.Encode()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), MaxPacketSize)

	p2 := New(TypeGameDataBase, 4, 2)
	p2.SetPayload(make([]byte, MaxPacketSize+1))
	_, err = p2.Encode()
	assert.Error(t, err)
}

func TestRouteHistoryMonotoneAppend(t *testing.T) {
	ri := RoutingInfo{MaxHops: 8}
	var a, b types.PeerId
	a[0], b[0] = 1, 2
	ri.AppendRouteHop(a)
	ri.AppendRouteHop(b)
	require.Len(t, ri.RouteHistory, 2)
	assert.Equal(t, a, ri.RouteHistory[0])
	assert.Equal(t, b, ri.RouteHistory[1])

	p := New(TypePing, 4, 1)
	p.SetRoutingInfo(ri)
	decoded, ok := p.RoutingInfo()
	require.True(t, ok)
	assert.Equal(t, ri.RouteHistory, decoded.RouteHistory)
}

func TestUnknownTLVPreservedOnDecode(t *testing.T) {
	p := New(TypePing, 4, 1)
	p.TLVs = append(p.TLVs, TLV{Type: 0x0A, Value: []byte{1, 2, 3}})
	raw, err := p.Encode()
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, decoded.TLVs, 1)
	assert.Equal(t, uint8(0x0A), decoded.TLVs[0].Type)
}

func TestShortHeaderIsProtocolError(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}
