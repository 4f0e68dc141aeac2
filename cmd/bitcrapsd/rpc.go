package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/dht"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

// meshRPC implements dht.RPCClient over the mesh service's discovery
// packet type, request/response correlated by a numeric request id
// carried in the JSON envelope,
// the same request/reply-over-a-typed-packet shape pkg/bridge uses
// for consensus traffic, generalized to a blocking call with a
// timeout.
type meshRPC struct {
	self  types.PeerId
	svc   *mesh.Service
	log   bclog.Logger
	local *dht.Node

	mu      sync.Mutex
	pending map[uint64]chan rpcEnvelope
	nextID  uint64
}

// bindLocalNode lets the RPC responder answer inbound FIND_NODE/
// FIND_VALUE requests against this process's own table and store. It
// is set after dht.NewNode is constructed, since the node needs this
// client and the client needs the node.
func (r *meshRPC) bindLocalNode(n *dht.Node) { r.local = n }

type rpcKind uint8

const (
	rpcFindNode rpcKind = iota
	rpcFindValue
	rpcFindNodeReply
	rpcFindValueReply
)

type rpcEnvelope struct {
	ID      uint64        `json:"id"`
	Kind    rpcKind       `json:"kind"`
	Target  types.PeerId  `json:"target,omitempty"`
	Key     types.Hash256 `json:"key,omitempty"`
	Nodes   []dht.NodeInfo `json:"nodes,omitempty"`
	Value   []byte        `json:"value,omitempty"`
	Found   bool          `json:"found,omitempty"`
}

func newMeshRPC(self types.PeerId, svc *mesh.Service, log bclog.Logger) *meshRPC {
	r := &meshRPC{self: self, svc: svc, log: log, pending: make(map[uint64]chan rpcEnvelope)}
	svc.RegisterHandler(wire.TypeDiscoveryBase, r.handlePacket)
	return r
}

func (r *meshRPC) handlePacket(pkt *wire.Packet) {
	payload, ok := pkt.Payload()
	if !ok {
		return
	}
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warnw("dht rpc: malformed envelope", "err", err)
		return
	}

	sender, hasSender := pkt.Sender()

	switch env.Kind {
	case rpcFindNode:
		if r.local == nil || !hasSender {
			return
		}
		r.reply(env.ID, rpcEnvelope{
			Kind:  rpcFindNodeReply,
			Nodes: r.local.Table().FindClosest(env.Target, dht.K),
		}, sender)
	case rpcFindValue:
		if r.local == nil || !hasSender {
			return
		}
		value, found := r.local.Store().Get(env.Key)
		r.reply(env.ID, rpcEnvelope{
			Kind:  rpcFindValueReply,
			Value: value,
			Found: found,
			Nodes: r.local.Table().FindClosest(hashToTarget(env.Key), dht.K),
		}, sender)
	case rpcFindNodeReply, rpcFindValueReply:
		r.mu.Lock()
		ch, found := r.pending[env.ID]
		r.mu.Unlock()
		if found {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

// hashToTarget reinterprets a Hash256 key as a PeerId for the closest-
// node lookup FIND_VALUE falls back to when the value is absent
// locally (both are 32-byte XOR-metric ids).
func hashToTarget(h types.Hash256) types.PeerId { return types.PeerId(h) }

func (r *meshRPC) reply(id uint64, env rpcEnvelope, to types.PeerId) {
	env.ID = id
	body, err := json.Marshal(env)
	if err != nil {
		r.log.Warnw("dht rpc: reply encode failed", "err", err)
		return
	}
	pkt := wire.New(wire.TypeDiscoveryBase, wire.MaxTTL, 0)
	pkt.SetSender(r.self)
	pkt.SetReceiver(to)
	pkt.SetPayload(body)
	r.svc.Originate(context.Background(), pkt)
}

func (r *meshRPC) send(ctx context.Context, to dht.NodeInfo, env rpcEnvelope) (rpcEnvelope, error) {
	r.mu.Lock()
	r.nextID++
	env.ID = r.nextID
	ch := make(chan rpcEnvelope, 1)
	r.pending[env.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
	}()

	body, err := json.Marshal(env)
	if err != nil {
		return rpcEnvelope{}, err
	}
	pkt := wire.New(wire.TypeDiscoveryBase, wire.MaxTTL, 0)
	pkt.SetSender(r.self)
	pkt.SetReceiver(to.ID)
	pkt.SetPayload(body)
	r.svc.Originate(ctx, pkt)

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(dht.LookupTimeout):
		return rpcEnvelope{}, context.DeadlineExceeded
	case <-ctx.Done():
		return rpcEnvelope{}, ctx.Err()
	}
}

// FindNode implements dht.RPCClient.
func (r *meshRPC) FindNode(ctx context.Context, to dht.NodeInfo, target types.PeerId) ([]dht.NodeInfo, error) {
	reply, err := r.send(ctx, to, rpcEnvelope{Kind: rpcFindNode, Target: target})
	if err != nil {
		return nil, err
	}
	return reply.Nodes, nil
}

// FindValue implements dht.RPCClient.
func (r *meshRPC) FindValue(ctx context.Context, to dht.NodeInfo, key types.Hash256) ([]byte, []dht.NodeInfo, bool, error) {
	reply, err := r.send(ctx, to, rpcEnvelope{Kind: rpcFindValue, Key: key})
	if err != nil {
		return nil, nil, false, err
	}
	return reply.Value, reply.Nodes, reply.Found, nil
}
