package wire

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes the 64-bit canonical dedup key for a packet,
// hashing type, sender, timestamp and the payload-relevant fields.
// TTL and route_history are excluded: those mutate on every hop,
// while the fingerprint must identify "the same packet" across
// relays.
func (p *Packet) Fingerprint() uint64 {
	h := xxhash.New()
	h.Write([]byte{byte(p.Type)})
	if sender, ok := p.Sender(); ok {
		h.Write(sender[:])
	}
	if ts, ok := p.Timestamp(); ok {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], ts)
		h.Write(buf[:])
	}
	if payload, ok := p.Payload(); ok {
		h.Write(payload)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], p.Sequence)
	h.Write(seq[:])
	return h.Sum64()
}
