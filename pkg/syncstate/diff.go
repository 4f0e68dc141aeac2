package syncstate

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// DiffOpKind tags one binary diff instruction.
type DiffOpKind uint8

const (
	DiffCopy DiffOpKind = iota
	DiffInsert
	DiffSkip
	DiffDelete
)

// DiffOp is one instruction in a BinaryDiff's op list.
type DiffOp struct {
	Kind         DiffOpKind
	SourceOffset int
	Length       int
	Data         []byte
}

// BinaryDiff reconstructs a target byte slice from a source byte slice
// plus TargetChecksum verifies the result.
type BinaryDiff struct {
	Ops            []DiffOp
	TargetChecksum types.Hash256
}

// minMatchLength is the shortest interior match (one found after the
// common prefix and suffix are peeled off, which become Copy ops at
// any length) CreateDiff will emit as a Copy rather than folding it
// into a surrounding Delete+Insert; below this, the bookkeeping
// overhead of a separate op isn't worth it.
const minMatchLength = 8

// maxDiffRecursionDepth bounds CreateDiff's recursion on pathological
// inputs (e.g. all-identical bytes), falling back to a single
// Delete+Insert pair past this depth rather than recursing further.
const maxDiffRecursionDepth = 32

// CreateDiff computes a BinaryDiff turning source into target. The
// search is a greedy
// longest-common-substring diff (common prefix/suffix peeling plus an
// index of every k-byte window of source, keyed by the window's bytes,
// to find the best remaining match), written here rather than taken
// from an external diff library.
func CreateDiff(source, target []byte) BinaryDiff {
	ops := diffRange(source, target, 0, len(source), 0, len(target), 0)
	return BinaryDiff{Ops: mergeOps(ops), TargetChecksum: identity.Hash(target)}
}

func diffRange(source, target []byte, srcStart, srcEnd, tgtStart, tgtEnd, depth int) []DiffOp {
	if srcStart == srcEnd && tgtStart == tgtEnd {
		return nil
	}

	p := 0
	for srcStart+p < srcEnd && tgtStart+p < tgtEnd && source[srcStart+p] == target[tgtStart+p] {
		p++
	}
	if p > 0 {
		rest := diffRange(source, target, srcStart+p, srcEnd, tgtStart+p, tgtEnd, depth)
		return append([]DiffOp{{Kind: DiffCopy, SourceOffset: srcStart, Length: p}}, rest...)
	}

	if tgtStart == tgtEnd {
		return []DiffOp{{Kind: DiffDelete, SourceOffset: srcStart, Length: srcEnd - srcStart}}
	}
	if srcStart == srcEnd {
		return []DiffOp{{Kind: DiffInsert, Data: append([]byte(nil), target[tgtStart:tgtEnd]...)}}
	}

	s := 0
	for srcEnd-1-s >= srcStart && tgtEnd-1-s >= tgtStart && source[srcEnd-1-s] == target[tgtEnd-1-s] {
		s++
	}
	if s > 0 {
		rest := diffRange(source, target, srcStart, srcEnd-s, tgtStart, tgtEnd-s, depth)
		return append(rest, DiffOp{Kind: DiffCopy, SourceOffset: srcEnd - s, Length: s})
	}

	if depth >= maxDiffRecursionDepth {
		return fallbackOps(source, target, srcStart, srcEnd, tgtStart, tgtEnd)
	}

	length, srcPos, tgtPos := longestCommonSubstring(source, target, srcStart, srcEnd, tgtStart, tgtEnd)
	if length < minMatchLength {
		return fallbackOps(source, target, srcStart, srcEnd, tgtStart, tgtEnd)
	}

	left := diffRange(source, target, srcStart, srcPos, tgtStart, tgtPos, depth+1)
	right := diffRange(source, target, srcPos+length, srcEnd, tgtPos+length, tgtEnd, depth+1)

	out := make([]DiffOp, 0, len(left)+1+len(right))
	out = append(out, left...)
	out = append(out, DiffOp{Kind: DiffCopy, SourceOffset: srcPos, Length: length})
	out = append(out, right...)
	return out
}

func fallbackOps(source, target []byte, srcStart, srcEnd, tgtStart, tgtEnd int) []DiffOp {
	var ops []DiffOp
	if srcEnd > srcStart {
		ops = append(ops, DiffOp{Kind: DiffDelete, SourceOffset: srcStart, Length: srcEnd - srcStart})
	}
	if tgtEnd > tgtStart {
		ops = append(ops, DiffOp{Kind: DiffInsert, Data: append([]byte(nil), target[tgtStart:tgtEnd]...)})
	}
	return ops
}

// longestCommonSubstring finds the longest run common to
// source[srcStart:srcEnd] and target[tgtStart:tgtEnd] via a k-gram
// hash index over source, extended on each candidate match in target.
func longestCommonSubstring(source, target []byte, srcStart, srcEnd, tgtStart, tgtEnd int) (length, srcPos, tgtPos int) {
	k := minMatchLength
	if srcEnd-srcStart < k || tgtEnd-tgtStart < k {
		return 0, 0, 0
	}
	index := make(map[string][]int)
	for i := srcStart; i+k <= srcEnd; i++ {
		key := string(source[i : i+k])
		index[key] = append(index[key], i)
	}
	bestLen := 0
	var bestSrc, bestTgt int
	for j := tgtStart; j+k <= tgtEnd; j++ {
		key := string(target[j : j+k])
		for _, i := range index[key] {
			ext := k
			for i+ext < srcEnd && j+ext < tgtEnd && source[i+ext] == target[j+ext] {
				ext++
			}
			if ext > bestLen {
				bestLen, bestSrc, bestTgt = ext, i, j
			}
		}
	}
	return bestLen, bestSrc, bestTgt
}

// mergeOps folds adjacent same-kind ops that describe a contiguous run
// into one, purely a size optimization: Apply's semantics don't depend
// on it.
func mergeOps(ops []DiffOp) []DiffOp {
	if len(ops) == 0 {
		return ops
	}
	out := make([]DiffOp, 0, len(ops))
	out = append(out, ops[0])
	for _, op := range ops[1:] {
		last := &out[len(out)-1]
		switch {
		case op.Kind == DiffCopy && last.Kind == DiffCopy && last.SourceOffset+last.Length == op.SourceOffset:
			last.Length += op.Length
		case op.Kind == DiffInsert && last.Kind == DiffInsert:
			last.Data = append(last.Data, op.Data...)
		case op.Kind == DiffDelete && last.Kind == DiffDelete && last.SourceOffset+last.Length == op.SourceOffset:
			last.Length += op.Length
		default:
			out = append(out, op)
		}
	}
	return out
}

// ApplyDiff reconstructs target bytes from source per diff.Ops,
// verifying the result against TargetChecksum; for any src/tgt pair,
// ApplyDiff(src, CreateDiff(src, tgt)) round-trips to tgt.
func ApplyDiff(source []byte, diff BinaryDiff) ([]byte, error) {
	var out bytes.Buffer
	for _, op := range diff.Ops {
		switch op.Kind {
		case DiffCopy:
			if op.SourceOffset < 0 || op.Length < 0 || op.SourceOffset+op.Length > len(source) {
				return nil, bcerr.New(bcerr.KindSync, "syncstate.ApplyDiff", fmt.Errorf("copy [%d:%d] out of source bounds (len %d)", op.SourceOffset, op.SourceOffset+op.Length, len(source)))
			}
			out.Write(source[op.SourceOffset : op.SourceOffset+op.Length])
		case DiffInsert:
			out.Write(op.Data)
		case DiffSkip, DiffDelete:
			// both advance past source bytes without emitting output;
			// Delete additionally documents which source range was
			// removed for callers inspecting the op list.
		default:
			return nil, bcerr.New(bcerr.KindSync, "syncstate.ApplyDiff", fmt.Errorf("unknown diff op kind %d", op.Kind))
		}
	}
	result := out.Bytes()
	if identity.Hash(result) != diff.TargetChecksum {
		return nil, bcerr.New(bcerr.KindSync, "syncstate.ApplyDiff", bcerr.ErrChecksumMismatch)
	}
	return result, nil
}

// DiffCache memoizes CreateDiff by (source_hash, target_hash) so a
// responder re-serving the same base/target pair to multiple peers
// doesn't recompute the diff each time.
type DiffCache struct {
	cache *lru.Cache[diffCacheKey, BinaryDiff]
}

type diffCacheKey struct {
	source types.Hash256
	target types.Hash256
}

// DefaultDiffCacheSize bounds the diff cache's entry count.
const DefaultDiffCacheSize = 256

// NewDiffCache builds a diff cache with the given capacity (0 falls
// back to DefaultDiffCacheSize).
func NewDiffCache(capacity int) *DiffCache {
	if capacity <= 0 {
		capacity = DefaultDiffCacheSize
	}
	c, _ := lru.New[diffCacheKey, BinaryDiff](capacity)
	return &DiffCache{cache: c}
}

// GetOrCreate returns the cached diff for (source, target) if present,
// otherwise computes, caches, and returns a fresh one.
func (d *DiffCache) GetOrCreate(source, target []byte) BinaryDiff {
	key := diffCacheKey{source: identity.Hash(source), target: identity.Hash(target)}
	if diff, ok := d.cache.Get(key); ok {
		return diff
	}
	diff := CreateDiff(source, target)
	d.cache.Add(key, diff)
	return diff
}
