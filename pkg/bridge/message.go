// Package bridge couples consensus engines to the mesh: the per-game
// consensus bridge and the process-wide message handler that multiplexes
// consensus traffic over the mesh.
//
// Many independent consensus.Engine instances, keyed by GameId, are
// each fed by a process-wide priority-queued dispatcher instead of one
// reader goroutine per peer connection.
package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/consensus"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// MaxMessageSize is the 64 KiB ceiling on a serialized
// ConsensusMessage.
const MaxMessageSize = 64 * 1024

// ConsensusMessage is the signed envelope a consensus.Message travels
// in over the mesh.
// Go has no bincode in this pack's dependency set; this hand-rolls the
// same fixed-field-then-tagged-payload layout pkg/wire's Packet uses,
// so two builds decode the identical bytes the same way.
type ConsensusMessage struct {
	MessageID  types.Hash256
	Sender     types.PeerId
	GameID     types.GameId
	Round      uint64
	Timestamp  uint64
	Payload    consensus.Message
	Signature  [64]byte
	Compressed bool
}

func roundOf(msg consensus.Message) uint64 {
	switch m := msg.(type) {
	case consensus.Proposal:
		return m.Round
	case consensus.Vote:
		return m.Round
	case consensus.Commit:
		return m.Round
	case consensus.ViewChange:
		return m.Round
	default:
		return 0
	}
}

// Encode canonically serializes m, including the 64 KiB ceiling check
// on the wire form.
func (m *ConsensusMessage) Encode() ([]byte, error) {
	body, err := m.encodeBody()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(m.MessageID[:])
	out.Write(m.Sender[:])
	out.Write(m.GameID[:])
	binary.Write(&out, binary.BigEndian, m.Round)
	binary.Write(&out, binary.BigEndian, m.Timestamp)
	out.Write(m.Signature[:])
	if m.Compressed {
		out.WriteByte(1)
	} else {
		out.WriteByte(0)
	}
	binary.Write(&out, binary.BigEndian, uint32(len(body)))
	out.Write(body)
	if out.Len() > MaxMessageSize {
		return nil, bcerr.New(bcerr.KindValidation, "bridge.ConsensusMessage.Encode", errors.New("message exceeds 64KiB ceiling"))
	}
	return out.Bytes(), nil
}

// encodeBody serializes just {kind, payload fields}, the part that
// gets hashed into MessageID and signed, so the envelope's own
// MessageID/Signature fields aren't self-referential.
func (m *ConsensusMessage) encodeBody() ([]byte, error) {
	kind, fields, err := encodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.WriteByte(byte(kind))
	out.Write(fields)
	return out.Bytes(), nil
}

// DecodeConsensusMessage parses raw bytes produced by Encode.
func DecodeConsensusMessage(raw []byte) (*ConsensusMessage, error) {
	if len(raw) > MaxMessageSize {
		return nil, bcerr.New(bcerr.KindValidation, "bridge.DecodeConsensusMessage", errors.New("message exceeds 64KiB ceiling"))
	}
	r := bytes.NewReader(raw)
	m := &ConsensusMessage{}
	if err := readFull(r, m.MessageID[:]); err != nil {
		return nil, protoErr(err)
	}
	if err := readFull(r, m.Sender[:]); err != nil {
		return nil, protoErr(err)
	}
	if err := readFull(r, m.GameID[:]); err != nil {
		return nil, protoErr(err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.Round); err != nil {
		return nil, protoErr(err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.Timestamp); err != nil {
		return nil, protoErr(err)
	}
	if err := readFull(r, m.Signature[:]); err != nil {
		return nil, protoErr(err)
	}
	compressed, err := r.ReadByte()
	if err != nil {
		return nil, protoErr(err)
	}
	m.Compressed = compressed == 1
	var bodyLen uint32
	if err := binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
		return nil, protoErr(err)
	}
	body := make([]byte, bodyLen)
	if err := readFull(r, body); err != nil {
		return nil, protoErr(err)
	}
	if len(body) == 0 {
		return nil, bcerr.New(bcerr.KindProtocol, "bridge.DecodeConsensusMessage", errors.New("empty payload body"))
	}
	payload, err := decodePayload(body[0], body[1:], m.GameID)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	return m, nil
}

func readFull(r *bytes.Reader, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := r.Read(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errors.New("short read")
	}
	return nil
}

func protoErr(err error) error {
	return bcerr.New(bcerr.KindProtocol, "bridge.DecodeConsensusMessage", err)
}

func writeString(out *bytes.Buffer, s string) {
	binary.Write(out, binary.BigEndian, uint16(len(s)))
	out.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func encodeOperation(op consensus.Operation) []byte {
	var out bytes.Buffer
	writeString(&out, op.Kind)
	out.Write(op.GameID[:])
	binary.Write(&out, binary.BigEndian, op.Nonce)
	binary.Write(&out, binary.BigEndian, uint32(len(op.Data)))
	out.Write(op.Data)
	return out.Bytes()
}

func decodeOperation(r *bytes.Reader) (consensus.Operation, error) {
	var op consensus.Operation
	kind, err := readString(r)
	if err != nil {
		return op, err
	}
	op.Kind = kind
	if err := readFull(r, op.GameID[:]); err != nil {
		return op, err
	}
	if err := binary.Read(r, binary.BigEndian, &op.Nonce); err != nil {
		return op, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return op, err
	}
	op.Data = make([]byte, n)
	if err := readFull(r, op.Data); err != nil {
		return op, err
	}
	return op, nil
}

// encodePayload tags msg with its consensus.MessageKind and serializes
// its fields. The envelope's own GameID carries what would otherwise
// be a duplicated per-payload GameID field (consensus.Proposal etc.
// all embed one for in-process use); decodePayload restores it from
// the envelope on the way back in.
func encodePayload(msg consensus.Message) (consensus.MessageKind, []byte, error) {
	var out bytes.Buffer
	switch m := msg.(type) {
	case consensus.Proposal:
		binary.Write(&out, binary.BigEndian, m.ProposalID)
		binary.Write(&out, binary.BigEndian, m.Round)
		out.Write(m.Proposer[:])
		out.Write(encodeOperation(m.Op))
		return consensus.KindProposal, out.Bytes(), nil
	case consensus.Vote:
		binary.Write(&out, binary.BigEndian, m.ProposalID)
		binary.Write(&out, binary.BigEndian, m.Round)
		out.Write(m.Voter[:])
		out.WriteByte(byte(m.Decision))
		writeString(&out, m.Reason)
		return consensus.KindVote, out.Bytes(), nil
	case consensus.Commit:
		binary.Write(&out, binary.BigEndian, m.ProposalID)
		binary.Write(&out, binary.BigEndian, m.Round)
		binary.Write(&out, binary.BigEndian, m.Sequence)
		out.Write(m.StateHash[:])
		out.Write(m.Committer[:])
		return consensus.KindCommit, out.Bytes(), nil
	case consensus.ViewChange:
		binary.Write(&out, binary.BigEndian, m.Round)
		out.Write(m.Voter[:])
		return consensus.KindViewChange, out.Bytes(), nil
	case consensus.Heartbeat:
		out.Write(m.Sender[:])
		if m.Alive {
			out.WriteByte(1)
		} else {
			out.WriteByte(0)
		}
		binary.Write(&out, binary.BigEndian, uint16(len(m.NetworkView)))
		for _, p := range m.NetworkView {
			out.Write(p[:])
		}
		return consensus.KindHeartbeat, out.Bytes(), nil
	default:
		return 0, nil, bcerr.New(bcerr.KindProtocol, "bridge.encodePayload", fmt.Errorf("unknown payload type %T", msg))
	}
}

func decodePayload(kind byte, body []byte, gameID types.GameId) (consensus.Message, error) {
	r := bytes.NewReader(body)
	switch consensus.MessageKind(kind) {
	case consensus.KindProposal:
		var p consensus.Proposal
		p.GameID = gameID
		if err := binary.Read(r, binary.BigEndian, &p.ProposalID); err != nil {
			return nil, protoErr(err)
		}
		if err := binary.Read(r, binary.BigEndian, &p.Round); err != nil {
			return nil, protoErr(err)
		}
		if err := readFull(r, p.Proposer[:]); err != nil {
			return nil, protoErr(err)
		}
		op, err := decodeOperation(r)
		if err != nil {
			return nil, protoErr(err)
		}
		p.Op = op
		return p, nil
	case consensus.KindVote:
		var v consensus.Vote
		v.GameID = gameID
		if err := binary.Read(r, binary.BigEndian, &v.ProposalID); err != nil {
			return nil, protoErr(err)
		}
		if err := binary.Read(r, binary.BigEndian, &v.Round); err != nil {
			return nil, protoErr(err)
		}
		if err := readFull(r, v.Voter[:]); err != nil {
			return nil, protoErr(err)
		}
		decision, err := r.ReadByte()
		if err != nil {
			return nil, protoErr(err)
		}
		v.Decision = consensus.VoteDecision(decision)
		reason, err := readString(r)
		if err != nil {
			return nil, protoErr(err)
		}
		v.Reason = reason
		return v, nil
	case consensus.KindCommit:
		var c consensus.Commit
		c.GameID = gameID
		if err := binary.Read(r, binary.BigEndian, &c.ProposalID); err != nil {
			return nil, protoErr(err)
		}
		if err := binary.Read(r, binary.BigEndian, &c.Round); err != nil {
			return nil, protoErr(err)
		}
		if err := binary.Read(r, binary.BigEndian, &c.Sequence); err != nil {
			return nil, protoErr(err)
		}
		if err := readFull(r, c.StateHash[:]); err != nil {
			return nil, protoErr(err)
		}
		if err := readFull(r, c.Committer[:]); err != nil {
			return nil, protoErr(err)
		}
		return c, nil
	case consensus.KindViewChange:
		var vc consensus.ViewChange
		vc.GameID = gameID
		if err := binary.Read(r, binary.BigEndian, &vc.Round); err != nil {
			return nil, protoErr(err)
		}
		if err := readFull(r, vc.Voter[:]); err != nil {
			return nil, protoErr(err)
		}
		return vc, nil
	case consensus.KindHeartbeat:
		var hb consensus.Heartbeat
		hb.GameID = gameID
		if err := readFull(r, hb.Sender[:]); err != nil {
			return nil, protoErr(err)
		}
		alive, err := r.ReadByte()
		if err != nil {
			return nil, protoErr(err)
		}
		hb.Alive = alive == 1
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, protoErr(err)
		}
		hb.NetworkView = make([]types.PeerId, n)
		for i := range hb.NetworkView {
			if err := readFull(r, hb.NetworkView[i][:]); err != nil {
				return nil, protoErr(err)
			}
		}
		return hb, nil
	default:
		return nil, bcerr.New(bcerr.KindProtocol, "bridge.decodePayload", fmt.Errorf("unknown payload kind 0x%02x", kind))
	}
}
