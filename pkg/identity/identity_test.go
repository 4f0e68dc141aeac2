package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func TestGenerateSatisfiesDifficulty(t *testing.T) {
	id, err := Generate(12)
	require.NoError(t, err)
	assert.False(t, id.PeerID.IsZero())
	assert.True(t, VerifyProofOfWork(id.PublicKey, id.Nonce, id.PeerID, 12))
}

func TestSignVerify(t *testing.T) {
	id, err := Generate(4)
	require.NoError(t, err)
	msg := []byte("place bet: pass, 10 tokens")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	assert.True(t, Verify(id.PublicKey, msg, sig))
	assert.False(t, Verify(id.PublicKey, []byte("tampered"), sig))
}

func TestVerifyProofOfWorkRejectsWrongPeerID(t *testing.T) {
	id, err := Generate(4)
	require.NoError(t, err)
	var other types.PeerId
	other[0] = 0xFF
	assert.False(t, VerifyProofOfWork(id.PublicKey, id.Nonce, other, 4))
}
