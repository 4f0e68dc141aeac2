package transport

import (
	"context"
	"sync"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// PipeTransport is an in-memory Transport used by tests and local
// simulations that need multiple "peers" wired together without
// real sockets. Peers register
// each other's inbound channel directly; there is no framing layer
// because there is no wire to frame.
type PipeTransport struct {
	self types.PeerId

	mu    sync.Mutex
	peers map[types.PeerId]*PipeTransport

	events chan Event
}

// NewPipeTransport creates a pipe endpoint for the given peer id.
func NewPipeTransport(self types.PeerId) *PipeTransport {
	return &PipeTransport{
		self:   self,
		peers:  make(map[types.PeerId]*PipeTransport),
		events: make(chan Event, 256),
	}
}

// Connect wires two pipe endpoints together bidirectionally, emitting
// EventConnected on both sides.
func Connect(a, b *PipeTransport) {
	a.mu.Lock()
	a.peers[b.self] = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peers[a.self] = a
	b.mu.Unlock()

	a.events <- Event{Kind: EventConnected, Peer: b.self, Transport: a.Name()}
	b.events <- Event{Kind: EventConnected, Peer: a.self, Transport: b.Name()}
}

func (p *PipeTransport) Name() string { return "pipe" }

func (p *PipeTransport) Listen(ctx context.Context, addr string) error { return nil }

func (p *PipeTransport) Dial(ctx context.Context, peer types.PeerId, addr string) error {
	return nil // wiring happens via Connect in tests
}

func (p *PipeTransport) SendTo(ctx context.Context, peer types.PeerId, data []byte) error {
	p.mu.Lock()
	target, ok := p.peers[peer]
	p.mu.Unlock()
	if !ok {
		return nil // best-effort: unknown peer is silently dropped, like an unreachable BLE neighbor
	}
	cp := append([]byte{}, data...)
	target.events <- Event{Kind: EventDataReceived, Peer: p.self, Data: cp, Transport: target.Name()}
	return nil
}

func (p *PipeTransport) Broadcast(ctx context.Context, data []byte) error {
	p.mu.Lock()
	targets := make([]*PipeTransport, 0, len(p.peers))
	for _, t := range p.peers {
		targets = append(targets, t)
	}
	p.mu.Unlock()
	for _, target := range targets {
		cp := append([]byte{}, data...)
		target.events <- Event{Kind: EventDataReceived, Peer: p.self, Data: cp, Transport: target.Name()}
	}
	return nil
}

func (p *PipeTransport) Events() <-chan Event { return p.events }

func (p *PipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.peers {
		delete(t.peers, p.self)
		delete(p.peers, id)
	}
	return nil
}
