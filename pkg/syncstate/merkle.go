// Package syncstate implements state synchronization: a global merkle
// tree over every game's state hash, a bloom filter over known
// game_ids, a greedy longest-common-substring binary diff engine, and
// the phased
// bloom-exchange -> merkle-comparison -> state-transfer sync protocol
// that reconciles two peers' divergent game sets.
//
// Named syncstate, not sync, to avoid colliding with the stdlib
// package of that name.
package syncstate

import (
	"sort"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// MaxMerkleDepth is a depth bound for MerkleTreeComparison. The
// comparison in this package does not walk the tree level by level:
// the responder reports every leaf hash with its game id, so nothing
// reads this constant.
const MaxMerkleDepth = 20

// NodeMeta is the per-node rollup: game count, total payload size,
// latest update and depth. Tree does not fill in LatestUpdate; it is
// always the zero time.
type NodeMeta struct {
	GameCount   int
	TotalSize   int
	LatestUpdate time.Time
	Depth       int
}

type merkleNode struct {
	hash     types.Hash256
	meta     NodeMeta
	left     *merkleNode
	right    *merkleNode
	gameID   types.GameId // only set on leaves
	isLeaf   bool
}

// Tree is the global merkle tree over per-game state hashes. Rebuild
// is bottom-up on any leaf update; readers take the
// root hash and nodes under a read lock so concurrent lookups never
// observe a half-rebuilt tree.
type Tree struct {
	mu     sync.RWMutex
	leaves map[types.GameId]types.Hash256
	sizes  map[types.GameId]int
	root   *merkleNode
}

// NewTree builds an empty merkle tree.
func NewTree() *Tree {
	return &Tree{
		leaves: make(map[types.GameId]types.Hash256),
		sizes:  make(map[types.GameId]int),
	}
}

// Update sets (or replaces) game's leaf hash and triggers a rebuild.
func (t *Tree) Update(gameID types.GameId, hash types.Hash256, stateSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves[gameID] = hash
	t.sizes[gameID] = stateSize
	t.rebuildLocked()
}

// Remove drops a game's leaf (e.g. on expiry) and rebuilds.
func (t *Tree) Remove(gameID types.GameId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leaves, gameID)
	delete(t.sizes, gameID)
	t.rebuildLocked()
}

// RootHash returns the current root hash, or the zero hash for an
// empty tree.
func (t *Tree) RootHash() types.Hash256 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == nil {
		return types.Hash256{}
	}
	return t.root.hash
}

// RootMeta returns the root's summary metadata.
func (t *Tree) RootMeta() NodeMeta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == nil {
		return NodeMeta{}
	}
	return t.root.meta
}

// GameIDs returns every known game id, sorted canonically so callers
// get a stable iteration order.
func (t *Tree) GameIDs() []types.GameId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.GameId, 0, len(t.leaves))
	for id := range t.leaves {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessGameID(out[i], out[j])
	})
	return out
}

// LeafHash returns a single game's leaf hash.
func (t *Tree) LeafHash(gameID types.GameId) (types.Hash256, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.leaves[gameID]
	return h, ok
}

func lessGameID(a, b types.GameId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// rebuildLocked recomputes every internal node from the leaves up.
// Leaves are visited in canonical game_id order so the tree's shape
// (and therefore its root hash) is a pure function of the leaf set,
// independent of insertion order.
func (t *Tree) rebuildLocked() {
	ids := make([]types.GameId, 0, len(t.leaves))
	for id := range t.leaves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessGameID(ids[i], ids[j]) })

	if len(ids) == 0 {
		t.root = nil
		return
	}

	level := make([]*merkleNode, len(ids))
	now := time.Time{}
	for i, id := range ids {
		level[i] = &merkleNode{hash: t.leaves[id], gameID: id, isLeaf: true, meta: NodeMeta{GameCount: 1, TotalSize: t.sizes[id], Depth: 0}}
	}

	depth := 0
	for len(level) > 1 {
		depth++
		var next []*merkleNode
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// odd node out: promote unchanged, depth bumped so the
				// whole level stays aligned.
				n := level[i]
				n.meta.Depth = depth
				next = append(next, n)
				continue
			}
			l, r := level[i], level[i+1]
			combined := append(append([]byte{}, l.hash[:]...), r.hash[:]...)
			meta := NodeMeta{
				GameCount: l.meta.GameCount + r.meta.GameCount,
				TotalSize: l.meta.TotalSize + r.meta.TotalSize,
				Depth:     depth,
			}
			if l.meta.LatestUpdate.After(now) {
				now = l.meta.LatestUpdate
			}
			next = append(next, &merkleNode{hash: identity.Hash(combined), meta: meta, left: l, right: r})
		}
		level = next
	}
	t.root = level[0]
}

// MerklePath is the list of steps between a leaf and the root, ordered
// from the leaf upward: at each step, which child (left, false =
// right) was taken and the sibling hash at that step, used to
// build an inclusion proof or, during MerkleTreeComparison, to report
// where two trees diverge.
type MerklePath struct {
	Steps []PathStep
}

type PathStep struct {
	WentLeft bool
	Sibling  types.Hash256
}

// PathTo returns the merkle path between gameID's leaf and the root,
// steps ordered leaf first as VerifyInclusion replays them, for
// inclusion proofs.
func (t *Tree) PathTo(gameID types.GameId) (MerklePath, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == nil {
		return MerklePath{}, false
	}
	var path MerklePath
	if !findPath(t.root, gameID, &path) {
		return MerklePath{}, false
	}
	return path, true
}

func findPath(n *merkleNode, gameID types.GameId, path *MerklePath) bool {
	if n.isLeaf {
		return n.gameID == gameID
	}
	if n.left != nil && containsGame(n.left, gameID) {
		if findPath(n.left, gameID, path) {
			sib := types.Hash256{}
			if n.right != nil {
				sib = n.right.hash
			}
			path.Steps = append(path.Steps, PathStep{WentLeft: true, Sibling: sib})
			return true
		}
	}
	if n.right != nil && containsGame(n.right, gameID) {
		if findPath(n.right, gameID, path) {
			path.Steps = append(path.Steps, PathStep{WentLeft: false, Sibling: n.left.hash})
			return true
		}
	}
	return false
}

func containsGame(n *merkleNode, gameID types.GameId) bool {
	if n.isLeaf {
		return n.gameID == gameID
	}
	if n.left != nil && containsGame(n.left, gameID) {
		return true
	}
	if n.right != nil && containsGame(n.right, gameID) {
		return true
	}
	return false
}

// VerifyInclusion recomputes the root from leafHash and path and
// reports whether it matches root, the check a /proofs caller runs
// independently.
func VerifyInclusion(leafHash types.Hash256, path MerklePath, root types.Hash256) bool {
	cur := leafHash
	for _, step := range path.Steps {
		var combined []byte
		if step.WentLeft {
			combined = append(append([]byte{}, cur[:]...), step.Sibling[:]...)
		} else {
			combined = append(append([]byte{}, step.Sibling[:]...), cur[:]...)
		}
		cur = identity.Hash(combined)
	}
	return cur == root
}
