package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/transport"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

// BroadcastTTL caps TTL-less broadcasts used as a last resort next-hop
// fallback.
const BroadcastTTL = 3

// RouteFreshness is how recent a next-hop entry must be to trust it
// over falling back to direct-connection or broadcast.
const RouteFreshness = 5 * time.Minute

// NextHopProvider answers "how do I reach dest" for forwarding
// decisions; pkg/routing implements it against its topology graph.
type NextHopProvider interface {
	NextHop(dest types.PeerId) (hop types.PeerId, fresh bool)
	IsDirectlyConnected(peer types.PeerId) bool
}

// PacketHandler processes a fully-dispatched packet addressed to the
// local node (e.g. the consensus bridge's handle_network_message).
type PacketHandler func(pkt *wire.Packet)

type peerState struct {
	lastSeen time.Time
	lastPing time.Time
	rtt      time.Duration
}

// Service implements the mesh forwarding/dedup/partition/proof-of-relay
// responsibilities, centralizing per-connection dispatch in one
// struct with a handler map.
type Service struct {
	self      types.PeerId
	transport *transport.Coordinator
	dedup     *Dedup
	events    *EventBus
	relay     *ProofOfRelay
	partition *partitionTracker
	nextHop   NextHopProvider
	log       bclog.Logger

	mu         sync.Mutex
	peers      map[types.PeerId]*peerState
	handlers   map[wire.PacketType][]handlerEntry
	handlerSeq uint64
	seq        uint64

	stop chan struct{}
}

// NewService builds a mesh service bound to a transport coordinator.
func NewService(self types.PeerId, coord *transport.Coordinator, nextHop NextHopProvider, log bclog.Logger) *Service {
	return &Service{
		self:      self,
		transport: coord,
		dedup:     NewDedup(DefaultDedupCapacity),
		events:    NewEventBus(1024, DropLowPriority),
		relay:     NewProofOfRelay(10000, log),
		partition: newPartitionTracker(),
		nextHop:   nextHop,
		log:       log,
		peers:     make(map[types.PeerId]*peerState),
		handlers:  make(map[wire.PacketType][]handlerEntry),
		stop:      make(chan struct{}),
	}
}

// handlerEntry pairs a registered handler with an id so the returned
// unregister func can remove exactly that registration.
type handlerEntry struct {
	h  PacketHandler
	id uint64
}

// RegisterHandler binds a handler for packets addressed to the local
// node of the given type (e.g. the consensus bridge registers
// wire.TypeConsensusVote). Several handlers may share a type: each
// game's dice coordinator listens on the same commit/reveal types and
// filters by game id. The returned func removes this registration.
func (s *Service) RegisterHandler(t wire.PacketType, h PacketHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerSeq++
	id := s.handlerSeq
	s.handlers[t] = append(s.handlers[t], handlerEntry{h: h, id: id})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.handlers[t]
		for i, e := range list {
			if e.id == id {
				s.handlers[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Events exposes the mesh event subscription channel.
func (s *Service) Events() <-chan Event { return s.events.Subscribe() }

// PeerCount reports the number of peers the service currently tracks
// liveness for, for operational status reporting (cmd/bitcrapsd
// status).
func (s *Service) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Relay exposes the proof-of-relay accumulator so the owning process
// can drain it into durable accounting.
func (s *Service) Relay() *ProofOfRelay { return s.relay }

// KnownPeers returns the ids of every peer the service tracks
// liveness for, for callers that pick a sync or probe target.
func (s *Service) KnownPeers() []types.PeerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PeerId, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// IsPartitioned reports whether the partition detector currently
// believes the local node has lost quorum connectivity.
func (s *Service) IsPartitioned() bool {
	return s.partition.IsPartitioned()
}

func (s *Service) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// packetPriority maps a wire packet type to a mesh Priority for dedup
// TTL and queue ordering.
func packetPriority(t wire.PacketType) Priority {
	switch {
	case t == wire.TypeConsensusVote:
		return PriorityCritical
	case t >= wire.TypeGameDataBase:
		return PriorityHigh
	case t >= wire.TypeDiscoveryBase:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Run drives the mesh's inbound event loop and the 30s partition
// detector until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(PartitionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleTransportEvent(ctx, ev)
		case <-ticker.C:
			s.checkPartition(time.Now())
		}
	}
}

// Stop ends Run.
func (s *Service) Stop() { close(s.stop) }

func (s *Service) handleTransportEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		s.markSeen(ev.Peer)
	case transport.EventDisconnected:
		s.mu.Lock()
		delete(s.peers, ev.Peer)
		s.mu.Unlock()
	case transport.EventDataReceived:
		pkt, err := wire.Decode(ev.Data)
		if err != nil {
			s.log.Warnw("mesh: dropping malformed packet", "peer", ev.Peer.String(), "err", err)
			return
		}
		s.Forward(ctx, pkt)
	}
}

func (s *Service) markSeen(peer types.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, known := s.peers[peer]
	if !known {
		s.peers[peer] = &peerState{lastSeen: time.Now()}
		s.events.Publish(Event{Kind: EventPeerJoined, Peer: peer})
		return
	}
	st.lastSeen = time.Now()
}

// Forward runs the forwarding pipeline: dedup, liveness, local
// dispatch, then relay with a decremented TTL.
func (s *Service) Forward(ctx context.Context, pkt *wire.Packet) {
	fp := pkt.Fingerprint()
	priority := packetPriority(pkt.Type)

	if s.dedup.SeenOrInsert(fp, priority) {
		return
	}

	sender, _ := pkt.Sender()
	s.markSeen(sender)

	recv, hasRecv := pkt.Receiver()
	if hasRecv && recv == s.self {
		s.dispatchLocal(pkt)
		return
	}
	if !hasRecv {
		// Receiverless packets are broadcasts: every node consumes a
		// copy and still relays it onward. Dedup already guarantees
		// one local dispatch per packet.
		s.dispatchLocal(pkt)
	}

	if !pkt.ShouldForward() {
		return
	}

	info, hasInfo := pkt.RoutingInfo()
	if !hasInfo {
		info = wire.RoutingInfo{Source: sender}
	}
	hopCount := uint8(wire.MaxTTL) - pkt.TTL
	s.relay.Record(RelayRecord{
		RelayPeer:   s.self,
		PacketHash:  identity.Hash(mustEncode(pkt)),
		Source:      info.Source,
		Destination: info.Destination,
		HopCount:    hopCount,
		At:          time.Now(),
	})

	pkt.DecrementTTL()
	fwd := *pkt
	if hasInfo {
		info.AppendRouteHop(s.self)
		fwd.SetRoutingInfo(info)
	}

	if info.HasDest {
		if hop, fresh := s.nextHop.NextHop(info.Destination); fresh {
			s.sendTo(ctx, hop, &fwd)
			return
		}
		if s.nextHop.IsDirectlyConnected(info.Destination) {
			s.sendTo(ctx, info.Destination, &fwd)
			return
		}
	}
	s.broadcastCapped(ctx, &fwd)
}

func (s *Service) dispatchLocal(pkt *wire.Packet) {
	switch pkt.Type {
	case wire.TypePing:
		s.replyPong(pkt)
	case wire.TypeHeartbeat:
		s.echoHeartbeat(pkt)
	case wire.TypePong:
		s.updateLatency(pkt)
	}

	sender, _ := pkt.Sender()
	payload, _ := pkt.Payload()
	s.events.Publish(Event{Kind: EventMessageReceived, Peer: sender, PacketPayload: payload})

	s.mu.Lock()
	list := append([]handlerEntry(nil), s.handlers[pkt.Type]...)
	s.mu.Unlock()
	for _, e := range list {
		e.h(pkt)
	}
}

func (s *Service) replyPong(pkt *wire.Packet) {
	sender, ok := pkt.Sender()
	if !ok {
		return
	}
	reply := wire.New(wire.TypePong, wire.MaxTTL, s.nextSeq())
	reply.SetSender(s.self)
	reply.SetReceiver(sender)
	reply.SetTimestamp(uint64(time.Now().UnixNano()))
	s.sendTo(context.Background(), sender, reply)
}

func (s *Service) echoHeartbeat(pkt *wire.Packet) {
	sender, ok := pkt.Sender()
	if !ok {
		return
	}
	reply := wire.New(wire.TypeHeartbeat, wire.MaxTTL, s.nextSeq())
	reply.SetSender(s.self)
	reply.SetReceiver(sender)
	reply.SetTimestamp(uint64(time.Now().UnixNano()))
	s.sendTo(context.Background(), sender, reply)
}

func (s *Service) updateLatency(pkt *wire.Packet) {
	sentNano, ok := pkt.Timestamp()
	if !ok {
		return
	}
	sender, ok := pkt.Sender()
	if !ok {
		return
	}
	sent := time.Unix(0, int64(sentNano))
	s.mu.Lock()
	if st, known := s.peers[sender]; known {
		st.lastPing = time.Now()
		st.rtt = time.Since(sent)
	}
	s.mu.Unlock()
}

// Originate sends a packet the local node just created (as opposed to
// one being forwarded): its fingerprint is inserted into dedup first
// so a looped-back copy from a neighbor's rebroadcast is dropped on
// arrival, then it is delivered directly if it names a receiver or
// broadcast otherwise. pkg/bridge calls this for every outbound
// consensus message.
func (s *Service) Originate(ctx context.Context, pkt *wire.Packet) {
	fp := pkt.Fingerprint()
	s.dedup.SeenOrInsert(fp, packetPriority(pkt.Type))
	if recv, ok := pkt.Receiver(); ok {
		s.sendTo(ctx, recv, pkt)
		return
	}
	s.broadcastCapped(ctx, pkt)
}

func (s *Service) sendTo(ctx context.Context, peer types.PeerId, pkt *wire.Packet) {
	data, err := pkt.Encode()
	if err != nil {
		s.log.Warnw("mesh: encode failed", "err", err)
		return
	}
	if err := s.transport.SendTo(ctx, peer, data); err != nil {
		s.log.Warnw("mesh: send failed", "peer", peer.String(), "err", err)
	}
}

func (s *Service) broadcastCapped(ctx context.Context, pkt *wire.Packet) {
	if pkt.TTL > BroadcastTTL {
		pkt.TTL = BroadcastTTL
	}
	data, err := pkt.Encode()
	if err != nil {
		s.log.Warnw("mesh: encode failed", "err", err)
		return
	}
	if err := s.transport.Broadcast(ctx, data); err != nil {
		s.log.Warnw("mesh: broadcast failed", "err", err)
	}
}

func (s *Service) checkPartition(now time.Time) {
	s.mu.Lock()
	connected := make([]types.PeerId, 0, len(s.peers))
	for p := range s.peers {
		connected = append(connected, p)
	}
	s.mu.Unlock()

	outcome := s.partition.Check(now, connected)
	if outcome.becamePartitioned {
		s.events.Publish(Event{Kind: EventNetworkPartition, Isolated: outcome.isolated})
	}
	if len(outcome.recovered) > 0 {
		s.events.Publish(Event{Kind: EventPartitionRecovered, Recovered: outcome.recovered, Duration: outcome.recoveredDuration})
	}
	if dropped := s.events.DroppedSince(); dropped > 0 {
		s.events.Publish(Event{Kind: EventQueueOverflow, DroppedEvents: dropped})
	}
}

func mustEncode(pkt *wire.Packet) []byte {
	data, err := pkt.Encode()
	if err != nil {
		return nil
	}
	return data
}
