package gateway

import (
	"encoding/binary"

	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// roundEntryHash hashes one canonically-ordered bet entry for the
// round's merkle tree.
func roundEntryHash(e betEntry) types.Hash256 {
	buf := make([]byte, 0, types.GameIDSize+len(e.BetType)+8)
	buf = append(buf, e.Player[:]...)
	buf = append(buf, []byte(e.BetType)...)
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], uint64(e.Amount))
	buf = append(buf, amt[:]...)
	return identity.Hash(buf)
}

// roundMerkleRoot computes the merkle root over entries in the same
// bottom-up pairwise-combine shape pkg/syncstate.Tree uses for its
// global tree, sized down here to one round's entries.
func roundMerkleRoot(entries []betEntry) types.Hash256 {
	root, _ := roundMerkleTree(entries)
	return root
}

// roundMerkleTree returns both the root and every level, so
// roundMerkleProof can walk back down to build a branch.
func roundMerkleTree(entries []betEntry) (types.Hash256, [][]types.Hash256) {
	if len(entries) == 0 {
		return types.Hash256{}, nil
	}
	level := make([]types.Hash256, len(entries))
	for i, e := range entries {
		level[i] = roundEntryHash(e)
	}
	levels := [][]types.Hash256{level}
	for len(level) > 1 {
		var next []types.Hash256
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			combined := append(append([]byte{}, level[i][:]...), level[i+1][:]...)
			next = append(next, identity.Hash(combined))
		}
		levels = append(levels, next)
		level = next
	}
	return level[0], levels
}

// VerifyRoundProof replays a branch from a leaf hash at index in a
// round of size entries, reporting whether it lands on root. Levels
// where the node had no sibling (odd promotion) consume no branch
// element, so the verifier reconstructs level sizes from size.
func VerifyRoundProof(leaf types.Hash256, index, size int, branch []types.Hash256, root types.Hash256) bool {
	if index < 0 || index >= size {
		return false
	}
	h := leaf
	bi := 0
	pos := index
	n := size
	for n > 1 {
		if sibling := pos ^ 1; sibling < n {
			if bi >= len(branch) {
				return false
			}
			s := branch[bi]
			bi++
			if pos%2 == 0 {
				h = identity.Hash(append(append([]byte{}, h[:]...), s[:]...))
			} else {
				h = identity.Hash(append(append([]byte{}, s[:]...), h[:]...))
			}
		}
		pos /= 2
		n = (n + 1) / 2
	}
	return bi == len(branch) && h == root
}

// roundMerkleProof returns the sibling-hash branch (root-adjacent last)
// for the entry at index idx, plus the root, or ok=false if idx is out
// of range.
func roundMerkleProof(entries []betEntry, idx int) (branch []types.Hash256, root types.Hash256, ok bool) {
	if idx < 0 || idx >= len(entries) {
		return nil, types.Hash256{}, false
	}
	root, levels := roundMerkleTree(entries)
	pos := idx
	for level := 0; level < len(levels)-1; level++ {
		siblingPos := pos ^ 1
		if siblingPos < len(levels[level]) {
			branch = append(branch, levels[level][siblingPos])
		}
		pos /= 2
	}
	return branch, root, true
}
