package syncstate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// DefaultExpectedItems and DefaultFalsePositiveRate are the bloom
// filter's sizing defaults.
const (
	DefaultExpectedItems     = 10000
	DefaultFalsePositiveRate = 0.001
)

// Bloom is a standard bloom filter over known game_ids, sized up
// front and never resized. Each side sizes its own filter (BuildBloom
// uses its game count), so Bytes ships m and k with the bits; the
// syncer sends its filter in SyncRequest and SyncResponse but does not
// decode a received one. Built with the
// double-hashing (Kirsch-Mitzenmacher) scheme over xxhash, the same
// hash family pkg/mesh's dedup fingerprint already uses, rather than
// pulling in a second hash family.
type Bloom struct {
	bits *bitset.BitSet
	m    uint
	k    uint
}

// NewBloom sizes a filter for expectedItems at the given false
// positive rate using the standard m = -n*ln(p)/(ln2)^2,
// k = (m/n)*ln2 formulas.
func NewBloom(expectedItems uint, falsePositiveRate float64) *Bloom {
	if expectedItems == 0 {
		expectedItems = DefaultExpectedItems
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	n := float64(expectedItems)
	m := uint(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint(math.Round((float64(m) / n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Bloom{bits: bitset.New(m), m: m, k: k}
}

func (b *Bloom) hashes(id types.GameId) (h1, h2 uint64) {
	h1 = xxhash.Sum64(id[:])
	var salted [types.GameIDSize + 1]byte
	copy(salted[:], id[:])
	salted[types.GameIDSize] = 0xA5
	h2 = xxhash.Sum64(salted[:])
	return h1, h2
}

// Add inserts a game_id into the filter.
func (b *Bloom) Add(id types.GameId) {
	h1, h2 := b.hashes(id)
	for i := uint(0); i < b.k; i++ {
		b.bits.Set(uint((h1 + uint64(i)*h2) % uint64(b.m)))
	}
}

// Test reports whether id may be present. Never false-negative for any
// id previously Added; may false-positive at
// the configured rate.
func (b *Bloom) Test(id types.GameId) bool {
	h1, h2 := b.hashes(id)
	for i := uint(0); i < b.k; i++ {
		if !b.bits.Test(uint((h1 + uint64(i)*h2) % uint64(b.m))) {
			return false
		}
	}
	return true
}

// Bytes serializes the filter's bit vector plus its (m, k) parameters
// for the wire; the receiver
// must know m and k to test membership, not just have the raw bits.
func (b *Bloom) Bytes() []byte {
	raw, _ := b.bits.MarshalBinary()
	out := make([]byte, 16+len(raw))
	binary.BigEndian.PutUint64(out[0:8], uint64(b.m))
	binary.BigEndian.PutUint64(out[8:16], uint64(b.k))
	copy(out[16:], raw)
	return out
}

// BloomFromBytes is Bytes' inverse.
func BloomFromBytes(data []byte) (*Bloom, error) {
	if len(data) < 16 {
		return nil, bcerr.New(bcerr.KindSync, "syncstate.BloomFromBytes", fmt.Errorf("truncated data (%d bytes)", len(data)))
	}
	m := binary.BigEndian.Uint64(data[0:8])
	k := binary.BigEndian.Uint64(data[8:16])
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(data[16:]); err != nil {
		return nil, bcerr.New(bcerr.KindSync, "syncstate.BloomFromBytes", err)
	}
	return &Bloom{bits: bs, m: uint(m), k: uint(k)}, nil
}

// BuildBloom populates a filter sized for len(gameIDs) from a tree's
// full game_id set, for use as the bloom_data sent in SyncRequest.
func BuildBloom(gameIDs []types.GameId) *Bloom {
	n := uint(len(gameIDs))
	if n == 0 {
		n = DefaultExpectedItems
	}
	b := NewBloom(n, DefaultFalsePositiveRate)
	for _, id := range gameIDs {
		b.Add(id)
	}
	return b
}
