package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/consensus"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

func buildPacket(t *testing.T, payload []byte) *wire.Packet {
	t.Helper()
	pkt := wire.New(wire.TypeConsensusVote, wire.MaxTTL, 1)
	pkt.SetPayload(payload)
	return pkt
}

func peerID(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func gameID(b byte) types.GameId {
	var g types.GameId
	g[0] = b
	return g
}

func noopApply(state consensus.State, op consensus.Operation) (consensus.State, error) {
	return append(append(consensus.State{}, state...), op.Data...), nil
}

func TestBridgeSubmitOperationSingleNode(t *testing.T) {
	gid := gameID(1)
	self := peerID(1)
	participants := []types.PeerId{self, peerID(2), peerID(3), peerID(4)}

	b, err := New(gid, self, participants, nil, noopApply, nil, nil, nil, nil)
	require.NoError(t, err)

	// Single real node among 4 participants: commit requires quorum
	// (3 of 4), so submitting alone must not yet commit.
	_, err = b.SubmitOperation(consensus.Operation{Kind: "PlaceBet", GameID: gid, Nonce: 1, Data: []byte("x")})
	require.NoError(t, err)
	_, seq, _ := b.GetCurrentState()
	require.EqualValues(t, 0, seq)
}

func TestBridgeEncodeDecodeRoundTrip(t *testing.T) {
	gid := gameID(7)
	self := peerID(9)
	vote := consensus.Vote{GameID: gid, ProposalID: 3, Round: 1, Voter: self, Decision: consensus.VoteFor, Reason: ""}

	cm := &ConsensusMessage{
		Sender:    self,
		GameID:    gid,
		Round:     1,
		Timestamp: uint64(time.Now().UnixNano()),
		Payload:   vote,
	}
	body, err := cm.encodeBody()
	require.NoError(t, err)
	cm.MessageID = hashForTest(body)
	cm.Signature[0] = 1 // non-zero signature

	raw, err := cm.Encode()
	require.NoError(t, err)

	decoded, err := DecodeConsensusMessage(raw)
	require.NoError(t, err)
	require.Equal(t, cm.GameID, decoded.GameID)
	require.Equal(t, cm.Round, decoded.Round)
	gotVote, ok := decoded.Payload.(consensus.Vote)
	require.True(t, ok)
	require.Equal(t, vote.ProposalID, gotVote.ProposalID)
	require.Equal(t, vote.Voter, gotVote.Voter)
	require.Equal(t, vote.Decision, gotVote.Decision)
}

func hashForTest(b []byte) types.Hash256 {
	var h types.Hash256
	copy(h[:], b)
	return h
}

func TestHandlerRejectsZeroSignature(t *testing.T) {
	h := NewHandler(100, 16, nil)
	gid := gameID(2)
	self := peerID(3)

	vc := consensus.ViewChange{GameID: gid, Round: 0, Voter: self}
	cm := &ConsensusMessage{Sender: self, GameID: gid, Timestamp: uint64(time.Now().UnixNano()), Payload: vc}
	raw := mustEncode(t, cm) // zero signature

	pkt := buildPacket(t, raw)
	h.HandlePacket(pkt)

	stats := h.Stats()
	require.EqualValues(t, 1, stats.ValidationFailures)
	require.EqualValues(t, 0, stats.ByPriority[3])
}

func TestHandlerRoutesToRegisteredBridge(t *testing.T) {
	gid := gameID(4)
	self := peerID(5)
	participants := []types.PeerId{self, peerID(6), peerID(7), peerID(8)}
	b, err := New(gid, self, participants, nil, noopApply, nil, nil, nil, nil)
	require.NoError(t, err)

	h := NewHandler(1000, 64, nil)
	h.RegisterBridge(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	vc := consensus.ViewChange{GameID: gid, Round: 0, Voter: peerID(6)}
	cm := &ConsensusMessage{Sender: peerID(6), GameID: gid, Timestamp: uint64(time.Now().UnixNano()), Payload: vc}
	cm.Signature[0] = 0xAB
	raw := mustEncode(t, cm)
	pkt := buildPacket(t, raw)

	h.HandlePacket(pkt)

	require.Eventually(t, func() bool {
		return h.Stats().Processed == 1
	}, time.Second, 10*time.Millisecond)
}

func mustEncode(t *testing.T, cm *ConsensusMessage) []byte {
	t.Helper()
	body, err := cm.encodeBody()
	require.NoError(t, err)
	cm.MessageID = hashForTest(body)
	raw, err := cm.Encode()
	require.NoError(t, err)
	return raw
}
