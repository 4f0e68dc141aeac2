// Package wire implements the BitCraps packet framing layer: binary
// encode/decode of the mesh wire format, TLV field accessors, and the
// TTL/forwarding predicates the mesh service consults on every inbound
// packet.
//
// Encoding is hand-rolled binary.Write/Read, not a generic
// serialization library: the byte layout (fixed header fields,
// big-endian TLVs) is frozen so that dedup fingerprints and
// cross-implementation decoding agree bit-for-bit. Fields are written
// in order, bailing on the first error.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// PacketType identifies the wire message kind.
type PacketType uint8

const (
	TypePing          PacketType = 0x01
	TypePong          PacketType = 0x02
	TypeHeartbeat     PacketType = 0x03
	TypeDiscoveryBase PacketType = 0x10 // 0x10..0x1F discovery
	TypeConsensusVote PacketType = 0x20
	TypeGameDataBase  PacketType = 0x30 // 0x30..0x3F game data
	TypeDiceCommit    PacketType = 0x30
	TypeDiceReveal    PacketType = 0x31
	TypeStateSync     PacketType = 0x32
)

// Flags are bitwise packet flags. ShouldForward honors FlagNoForward;
// no other flag is defined.
type Flags uint8

const (
	FlagNone      Flags = 0
	FlagNoForward Flags = 1 << 0
)

// Reserved TLV types.
const (
	TLVSender      uint8 = 0x01
	TLVReceiver    uint8 = 0x02
	TLVRoutingInfo uint8 = 0x03
	TLVTimestamp   uint8 = 0x04
	// 0x05..0x0F reserved
	TLVPayloadBase uint8 = 0x10
)

const (
	// MaxTTL is the ceiling on a packet's hop budget (ttl in 1..=8).
	MaxTTL = 8
	// MaxPacketSize is the 64 KiB ceiling on consensus/sync messages,
	// applied uniformly to packets.
	MaxPacketSize = 64 * 1024
	headerSize    = 1 + 1 + 1 + 1 + 4 + 8 // version,type,flags,ttl,total_length,sequence
)

// TLV is a single type-length-value field. Unknown TLV types are
// preserved verbatim on decode rather than interpreted or dropped.
type TLV struct {
	Type  uint8
	Value []byte
}

// RoutingInfo is carried inside TLVRoutingInfo, serialized with the
// same manual binary scheme as the rest of the packet.
type RoutingInfo struct {
	Source      types.PeerId
	Destination types.PeerId
	HasDest     bool
	RouteHistory []types.PeerId
	MaxHops     uint8
}

// Packet is the mesh wire unit.
type Packet struct {
	Version      uint8
	Type         PacketType
	Flags        Flags
	TTL          uint8
	Sequence     uint64
	TLVs         []TLV // preserves unknown TLVs, including known ones, in arrival order
}

// Encode canonically serializes p. Canonical means: same packet
// produces the same bytes every time, so hashing the result for
// deduplication (pkg/mesh) is stable.
func (p *Packet) Encode() ([]byte, error) {
	var body bytes.Buffer
	for _, t := range p.TLVs {
		if len(t.Value) > 0xFFFF {
			return nil, bcerr.New(bcerr.KindProtocol, "wire.Encode", fmt.Errorf("TLV 0x%02x too large: %d bytes", t.Type, len(t.Value)))
		}
		if err := body.WriteByte(t.Type); err != nil {
			return nil, err
		}
		if err := binary.Write(&body, binary.BigEndian, uint16(len(t.Value))); err != nil {
			return nil, err
		}
		if _, err := body.Write(t.Value); err != nil {
			return nil, err
		}
	}

	totalLength := uint32(headerSize + body.Len())
	var out bytes.Buffer
	out.Grow(int(totalLength))
	if err := out.WriteByte(p.Version); err != nil {
		return nil, err
	}
	if err := out.WriteByte(byte(p.Type)); err != nil {
		return nil, err
	}
	if err := out.WriteByte(byte(p.Flags)); err != nil {
		return nil, err
	}
	if err := out.WriteByte(p.TTL); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.BigEndian, totalLength); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.BigEndian, p.Sequence); err != nil {
		return nil, err
	}
	if _, err := out.Write(body.Bytes()); err != nil {
		return nil, err
	}

	if out.Len() > MaxPacketSize {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Encode", fmt.Errorf("packet size %d exceeds %d byte ceiling", out.Len(), MaxPacketSize))
	}
	return out.Bytes(), nil
}

// Decode parses raw bytes into a Packet. Malformed framing or a length
// mismatch is a KindProtocol error.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) > MaxPacketSize {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", fmt.Errorf("packet size %d exceeds %d byte ceiling", len(raw), MaxPacketSize))
	}
	if len(raw) < headerSize {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", fmt.Errorf("short header: %d bytes", len(raw)))
	}
	r := bytes.NewReader(raw)
	p := &Packet{}
	var err error
	if p.Version, err = r.ReadByte(); err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
	}
	var typ, flags byte
	if typ, err = r.ReadByte(); err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
	}
	p.Type = PacketType(typ)
	if flags, err = r.ReadByte(); err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
	}
	p.Flags = Flags(flags)
	if p.TTL, err = r.ReadByte(); err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
	}
	var totalLength uint32
	if err = binary.Read(r, binary.BigEndian, &totalLength); err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
	}
	if int(totalLength) != len(raw) {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", fmt.Errorf("length mismatch: header says %d, got %d", totalLength, len(raw)))
	}
	if err = binary.Read(r, binary.BigEndian, &p.Sequence); err != nil {
		return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
	}

	for r.Len() > 0 {
		t, err := r.ReadByte()
		if err != nil {
			return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
		}
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
		}
		if r.Len() < int(length) {
			return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", fmt.Errorf("TLV 0x%02x truncated", t))
		}
		value := make([]byte, length)
		if length > 0 {
			if _, err := r.Read(value); err != nil {
				return nil, bcerr.New(bcerr.KindProtocol, "wire.Decode", err)
			}
		}
		p.TLVs = append(p.TLVs, TLV{Type: t, Value: value})
	}
	return p, nil
}

// --- TLV field accessors/mutators ---

func (p *Packet) setTLV(typ uint8, value []byte) {
	for i := range p.TLVs {
		if p.TLVs[i].Type == typ {
			p.TLVs[i].Value = value
			return
		}
	}
	p.TLVs = append(p.TLVs, TLV{Type: typ, Value: value})
}

func (p *Packet) getTLV(typ uint8) ([]byte, bool) {
	for _, t := range p.TLVs {
		if t.Type == typ {
			return t.Value, true
		}
	}
	return nil, false
}

func (p *Packet) SetSender(id types.PeerId) {
	b, _ := types.MarshalProto(&id)
	p.setTLV(TLVSender, b)
}

func (p *Packet) Sender() (types.PeerId, bool) {
	var id types.PeerId
	raw, ok := p.getTLV(TLVSender)
	if !ok || types.UnmarshalProto(raw, &id) != nil {
		return types.PeerId{}, false
	}
	return id, true
}

func (p *Packet) SetReceiver(id types.PeerId) {
	b, _ := types.MarshalProto(&id)
	p.setTLV(TLVReceiver, b)
}

func (p *Packet) Receiver() (types.PeerId, bool) {
	var id types.PeerId
	raw, ok := p.getTLV(TLVReceiver)
	if !ok || types.UnmarshalProto(raw, &id) != nil {
		return types.PeerId{}, false
	}
	return id, true
}

func (p *Packet) SetTimestamp(unixNano uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], unixNano)
	p.setTLV(TLVTimestamp, buf[:])
}

func (p *Packet) Timestamp() (uint64, bool) {
	raw, ok := p.getTLV(TLVTimestamp)
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

func (p *Packet) SetRoutingInfo(ri RoutingInfo) {
	p.setTLV(TLVRoutingInfo, encodeRoutingInfo(ri))
}

func (p *Packet) RoutingInfo() (RoutingInfo, bool) {
	raw, ok := p.getTLV(TLVRoutingInfo)
	if !ok {
		return RoutingInfo{}, false
	}
	ri, err := decodeRoutingInfo(raw)
	if err != nil {
		return RoutingInfo{}, false
	}
	return ri, true
}

func (p *Packet) SetPayload(b []byte) { p.setTLV(TLVPayloadBase, b) }

func (p *Packet) Payload() ([]byte, bool) { return p.getTLV(TLVPayloadBase) }

func encodeRoutingInfo(ri RoutingInfo) []byte {
	var buf bytes.Buffer
	buf.Write(ri.Source[:])
	if ri.HasDest {
		buf.WriteByte(1)
		buf.Write(ri.Destination[:])
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(ri.RouteHistory)))
	for _, hop := range ri.RouteHistory {
		buf.Write(hop[:])
	}
	buf.WriteByte(ri.MaxHops)
	return buf.Bytes()
}

func decodeRoutingInfo(raw []byte) (RoutingInfo, error) {
	r := bytes.NewReader(raw)
	var ri RoutingInfo
	if _, err := r.Read(ri.Source[:]); err != nil {
		return ri, err
	}
	hasDest, err := r.ReadByte()
	if err != nil {
		return ri, err
	}
	if hasDest == 1 {
		if _, err := r.Read(ri.Destination[:]); err != nil {
			return ri, err
		}
		ri.HasDest = true
	}
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return ri, err
	}
	ri.RouteHistory = make([]types.PeerId, n)
	for i := 0; i < int(n); i++ {
		if _, err := r.Read(ri.RouteHistory[i][:]); err != nil {
			return ri, err
		}
	}
	if ri.MaxHops, err = r.ReadByte(); err != nil {
		return ri, err
	}
	return ri, nil
}

// AppendRouteHop appends a hop, enforcing the "strictly monotone in
// append" invariant by construction: RouteHistory only
// ever grows via this method.
func (ri *RoutingInfo) AppendRouteHop(id types.PeerId) {
	ri.RouteHistory = append(ri.RouteHistory, id)
}

// ShouldForward reports whether the packet is eligible for another
// hop: TTL must be above 1 and FlagNoForward must be clear.
func (p *Packet) ShouldForward() bool {
	return p.TTL > 1 && p.Flags&FlagNoForward == 0
}

// DecrementTTL decrements TTL by one. Callers check ShouldForward
// before calling; at TTL 0 it leaves TTL at 0 rather than wrapping.
func (p *Packet) DecrementTTL() {
	if p.TTL > 0 {
		p.TTL--
	}
}

// New builds a fresh Packet with sane defaults for version/flags.
func New(typ PacketType, ttl uint8, sequence uint64) *Packet {
	if ttl == 0 {
		ttl = MaxTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Packet{
		Version:  1,
		Type:     typ,
		Flags:    FlagNone,
		TTL:      ttl,
		Sequence: sequence,
	}
}
