package session

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

func TestCommitHashRoundTrip(t *testing.T) {
	roll := DiceRoll{Die1: 3, Die2: 5}
	nonce := [32]byte{9, 9, 9}
	h := commitHash(roll, nonce)
	require.Equal(t, h, commitHash(roll, nonce), "same inputs hash the same")

	other := commitHash(DiceRoll{Die1: 3, Die2: 6}, nonce)
	require.NotEqual(t, h, other)
}

func TestVerifyFoldMatchesManualComputation(t *testing.T) {
	n1 := [32]byte{1, 2, 3}
	n2 := [32]byte{4, 5, 6}
	var xored [32]byte
	for i := range xored {
		xored[i] = n1[i] ^ n2[i]
	}
	digest := sha256.Sum256(xored[:])
	want := DiceRoll{Die1: digest[0]%6 + 1, Die2: digest[1]%6 + 1}

	proof := append(append([]byte{}, n1[:]...), n2[:]...)
	require.True(t, VerifyFold(proof, want))
	require.False(t, VerifyFold(proof, DiceRoll{Die1: want.Die1 % 6 + 1, Die2: want.Die2}))
}

func TestVerifyFoldRejectsMalformedProof(t *testing.T) {
	require.False(t, VerifyFold([]byte{1, 2, 3}, DiceRoll{Die1: 1, Die2: 1}))
	require.False(t, VerifyFold(nil, DiceRoll{Die1: 1, Die2: 1}))
}

// TestRollCoordinatorFoldsAfterAllReveal drives two coordinators
// through StartRound and each other's packet handlers (no live
// mesh.Service needed) to exercise commit -> quorum -> reveal -> fold
// end to end.
func TestRollCoordinatorFoldsAfterAllReveal(t *testing.T) {
	gid := testGame(1)
	peerA, peerB := testPeer(1), testPeer(2)
	quorum2 := func() int { return 2 }

	var foldedA, foldedB DiceRoll
	var foldsA, foldsB int

	rcA := NewRollCoordinator(gid, peerA, nil, quorum2, nil, func(roundID uint64, roll DiceRoll, proof []byte, participants []types.PeerId) {
		foldedA = roll
		foldsA++
	})
	rcB := NewRollCoordinator(gid, peerB, nil, quorum2, nil, func(roundID uint64, roll DiceRoll, proof []byte, participants []types.PeerId) {
		foldedB = roll
		foldsB++
	})

	rollA := DiceRoll{Die1: 2, Die2: 5}
	rollB := DiceRoll{Die1: 6, Die2: 1}
	nonceA := [32]byte{10, 20, 30}
	nonceB := [32]byte{40, 50, 60}

	ctx := context.Background()
	require.NoError(t, rcA.StartRound(ctx, 1, rollA, nonceA))
	require.NoError(t, rcB.StartRound(ctx, 1, rollB, nonceB))

	// Cross-deliver commitments, as the mesh would; each side reaches
	// its commit quorum and releases its own reveal locally.
	commitA := DiceCommit{GameID: gid, RoundID: 1, Sender: peerA, Commitment: commitHash(rollA, nonceA)}
	commitB := DiceCommit{GameID: gid, RoundID: 1, Sender: peerB, Commitment: commitHash(rollB, nonceB)}
	rcA.handleCommitPacket(packetFor(wire.TypeDiceCommit, encodeDiceCommit(commitB)))
	rcB.handleCommitPacket(packetFor(wire.TypeDiceCommit, encodeDiceCommit(commitA)))

	// Cross-deliver the now-released reveals.
	revealA := DiceReveal{GameID: gid, RoundID: 1, Sender: peerA, Roll: rollA, Nonce: nonceA}
	revealB := DiceReveal{GameID: gid, RoundID: 1, Sender: peerB, Roll: rollB, Nonce: nonceB}
	rcA.handleRevealPacket(packetFor(wire.TypeDiceReveal, encodeDiceReveal(revealB)))
	rcB.handleRevealPacket(packetFor(wire.TypeDiceReveal, encodeDiceReveal(revealA)))

	require.Equal(t, 1, foldsA)
	require.Equal(t, 1, foldsB)
	require.Equal(t, foldedA, foldedB, "every participant folds to the same roll")

	var xored [32]byte
	for i := range xored {
		xored[i] = nonceA[i] ^ nonceB[i]
	}
	digest := sha256.Sum256(xored[:])
	require.Equal(t, digest[0]%6+1, foldedA.Die1)
	require.Equal(t, digest[1]%6+1, foldedA.Die2)
}

// TestRollCoordinatorHoldsRevealUntilCommitQuorum pins the two-phase
// ordering: no reveal goes out or is accepted until a quorum of
// commitments exists for the round, otherwise a slow peer could pick
// its contribution after seeing everyone else's.
func TestRollCoordinatorHoldsRevealUntilCommitQuorum(t *testing.T) {
	gid := testGame(1)
	peerA, peerB, peerC := testPeer(1), testPeer(2), testPeer(3)
	quorum3 := func() int { return 3 }

	rcA := NewRollCoordinator(gid, peerA, nil, quorum3, nil, func(uint64, DiceRoll, []byte, []types.PeerId) {})

	rollA := DiceRoll{Die1: 3, Die2: 4}
	nonceA := [32]byte{7}
	require.NoError(t, rcA.StartRound(context.Background(), 1, rollA, nonceA))

	// Only our own commitment exists: the reveal must still be held.
	rcA.mu.Lock()
	rs := rcA.rounds[1]
	held := rs.pending != nil
	revealedEarly := len(rs.reveals)
	rcA.mu.Unlock()
	require.True(t, held, "reveal must not go out before a commit quorum")
	require.Zero(t, revealedEarly)

	// A second commitment still leaves the quorum short, and an eager
	// peer's premature reveal must be rejected even though it opens
	// its commitment correctly.
	rollB := DiceRoll{Die1: 6, Die2: 2}
	nonceB := [32]byte{8}
	commitB := DiceCommit{GameID: gid, RoundID: 1, Sender: peerB, Commitment: commitHash(rollB, nonceB)}
	rcA.handleCommitPacket(packetFor(wire.TypeDiceCommit, encodeDiceCommit(commitB)))

	earlyReveal := DiceReveal{GameID: gid, RoundID: 1, Sender: peerB, Roll: rollB, Nonce: nonceB}
	rcA.handleRevealPacket(packetFor(wire.TypeDiceReveal, encodeDiceReveal(earlyReveal)))

	rcA.mu.Lock()
	rs = rcA.rounds[1]
	held = rs.pending != nil
	revealedEarly = len(rs.reveals)
	rcA.mu.Unlock()
	require.True(t, held, "two of three commitments is not a quorum")
	require.Zero(t, revealedEarly, "premature inbound reveal must be discarded")

	// The third commitment completes the quorum: our reveal releases
	// and the resent peer reveal is now accepted.
	commitC := DiceCommit{GameID: gid, RoundID: 1, Sender: peerC, Commitment: types.Hash256{0xCC}}
	rcA.handleCommitPacket(packetFor(wire.TypeDiceCommit, encodeDiceCommit(commitC)))
	rcA.handleRevealPacket(packetFor(wire.TypeDiceReveal, encodeDiceReveal(earlyReveal)))

	rcA.mu.Lock()
	rs = rcA.rounds[1]
	released := rs.pending == nil
	_, selfRevealed := rs.reveals[peerA]
	_, peerRevealed := rs.reveals[peerB]
	rs.timer.Stop()
	rcA.mu.Unlock()
	require.True(t, released)
	require.True(t, selfRevealed, "own reveal is recorded locally once released")
	require.True(t, peerRevealed, "post-quorum reveal is accepted")
}

func TestRollCoordinatorDiscardsMismatchedReveal(t *testing.T) {
	gid := testGame(1)
	peerA := testPeer(1)
	rc := NewRollCoordinator(gid, peerA, nil, func() int { return 1 }, nil, func(uint64, DiceRoll, []byte, []types.PeerId) {
		t.Fatal("fold should not fire on a mismatched reveal with only one participant left pending")
	})
	nonceA := [32]byte{1}
	rollA := DiceRoll{Die1: 1, Die2: 1}
	commitA := DiceCommit{GameID: gid, RoundID: 5, Sender: peerA, Commitment: commitHash(rollA, nonceA)}
	rc.handleCommitPacket(packetFor(wire.TypeDiceCommit, encodeDiceCommit(commitA)))

	badReveal := DiceReveal{GameID: gid, RoundID: 5, Sender: peerA, Roll: DiceRoll{Die1: 2, Die2: 2}, Nonce: nonceA}
	rc.handleRevealPacket(packetFor(wire.TypeDiceReveal, encodeDiceReveal(badReveal)))

	rc.mu.Lock()
	_, revealed := rc.rounds[5].reveals[peerA]
	rc.rounds[5].timer.Stop()
	delete(rc.rounds, 5)
	rc.mu.Unlock()
	require.False(t, revealed)
}

func packetFor(typ wire.PacketType, payload []byte) *wire.Packet {
	pkt := wire.New(typ, wire.MaxTTL, 1)
	pkt.SetPayload(payload)
	return pkt
}
