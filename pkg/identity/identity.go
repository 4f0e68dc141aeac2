// Package identity implements BitCraps peer identity:
// a keypair bound to a proof-of-work nonce, plus sign/verify/hash.
//
// Signing uses crypto/ecdsa over btcec.S256() and hashing uses
// blake2b, wrapped in a standalone identity (no consensus-specific
// envelope) plus a proof-of-work difficulty loop binding the key to
// its PeerId.
package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// Curve is the elliptic curve used for all BitCraps identities.
var Curve = btcec.S256()

// DefaultDifficulty is the number of required leading zero bits in
// H(pubkey||nonce) for a desktop/server identity.
const DefaultDifficulty = 16

// MobileDifficulty is the reduced difficulty for battery-constrained
// peers.
const MobileDifficulty = 8

// Identity is a full keypair plus the proof-of-work nonce that makes
// its PeerId expensive to forge in bulk.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
	Nonce      uint64
	PeerID     types.PeerId
}

// Hash computes a BitCraps Hash256 over arbitrary bytes. BLAKE2b-256 is
// used uniformly; any 32-byte cryptographic hash satisfies Hash256 and
// BLAKE2b keeps identity hashing on the same primitive as consensus
// state hashing.
func Hash(b []byte) types.Hash256 {
	return blake2b.Sum256(b)
}

// pubKeyBytes avoids crypto/elliptic's deprecated Marshal by
// concatenating the two 32-byte coordinates directly.
func pubKeyBytes(pub *ecdsa.PublicKey) []byte {
	var buf bytes.Buffer
	buf.Write(leftPad32(pub.X.Bytes()))
	buf.Write(leftPad32(pub.Y.Bytes()))
	return buf.Bytes()
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// Generate produces a fresh Identity, iterating the nonce until
// H(pubkey||nonce) has at least `difficulty` leading zero bits.
func Generate(difficulty int) (*Identity, error) {
	priv, err := ecdsa.GenerateKey(Curve, rand.Reader)
	if err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "identity.Generate", err)
	}
	id := &Identity{PrivateKey: priv, PublicKey: &priv.PublicKey}
	pkBytes := pubKeyBytes(id.PublicKey)
	for nonce := uint64(0); ; nonce++ {
		h := hashPubkeyNonce(pkBytes, nonce)
		if leadingZeroBits(h[:]) >= difficulty {
			id.Nonce = nonce
			id.PeerID = derivePeerID(pkBytes, nonce)
			return id, nil
		}
	}
}

func hashPubkeyNonce(pk []byte, nonce uint64) types.Hash256 {
	var nb [8]byte
	putUint64(nb[:], nonce)
	return Hash(append(append([]byte{}, pk...), nb[:]...))
}

// derivePeerID is H(pubkey||nonce) truncated/used directly as the
// PeerId.
func derivePeerID(pk []byte, nonce uint64) types.PeerId {
	return types.PeerId(hashPubkeyNonce(pk, nonce))
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func leadingZeroBits(b []byte) int {
	count := 0
	for _, byt := range b {
		if byt == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if byt&mask != 0 {
				return count
			}
			count++
		}
		return count
	}
	return count
}

// VerifyProofOfWork re-derives a PeerId from a claimed public key and
// nonce and checks both the difficulty and that it matches the
// claimed PeerId, so a received identity can't be replayed under a
// different id.
func VerifyProofOfWork(pub *ecdsa.PublicKey, nonce uint64, claimed types.PeerId, difficulty int) bool {
	pk := pubKeyBytes(pub)
	h := hashPubkeyNonce(pk, nonce)
	if leadingZeroBits(h[:]) < difficulty {
		return false
	}
	return types.PeerId(h) == claimed
}

// Sign signs msg with the identity's private key, returning a 64-byte
// fixed (r||s) signature, the same encoding shape as message.go's
// SignedProto (R,S big.Int bytes, just concatenated into a fixed array
// here instead of two variable-length fields).
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	h := Hash(msg)
	r, s, err := ecdsa.Sign(rand.Reader, id.PrivateKey, h[:])
	if err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "identity.Sign", err)
	}
	sig := make([]byte, 64)
	rb := r.Bytes()
	sb := s.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)
	return sig, nil
}

// Verify checks a 64-byte (r||s) signature against pub and msg.
func Verify(pub *ecdsa.PublicKey, msg []byte, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	h := Hash(msg)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, h[:], r, s)
}
