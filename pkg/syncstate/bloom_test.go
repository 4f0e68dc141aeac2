package syncstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func testGameID(b byte) types.GameId {
	var g types.GameId
	g[0] = b
	return g
}

func TestBloomNeverFalseNegative(t *testing.T) {
	ids := make([]types.GameId, 200)
	for i := range ids {
		ids[i] = testGameID(byte(i + 1))
	}
	b := BuildBloom(ids)
	for _, id := range ids {
		require.True(t, b.Test(id), "added id %v must test positive", id)
	}
}

func TestBloomAbsentIDLikelyNegative(t *testing.T) {
	ids := []types.GameId{testGameID(1), testGameID(2), testGameID(3)}
	b := BuildBloom(ids)
	var absent types.GameId
	absent[0], absent[1] = 0xAA, 0xBB
	require.False(t, b.Test(absent))
}

func TestBloomBytesRoundTrip(t *testing.T) {
	ids := []types.GameId{testGameID(5), testGameID(9)}
	b := BuildBloom(ids)
	data := b.Bytes()

	decoded, err := BloomFromBytes(data)
	require.NoError(t, err)
	for _, id := range ids {
		require.True(t, decoded.Test(id))
	}
}

func TestBloomFromBytesRejectsTruncatedData(t *testing.T) {
	_, err := BloomFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestNewBloomDefaultsOnInvalidInputs(t *testing.T) {
	b := NewBloom(0, 0)
	require.NotNil(t, b)
	b.Add(testGameID(1))
	require.True(t, b.Test(testGameID(1)))
}
