// Package transport implements the BitCraps transport coordinator: a
// capability-set interface over concrete transports (TCP, UDP and
// WebSocket here; platform BLE shims plug in from outside), fanning
// sends out to every connected transport and multiplexing inbound
// events onto one stream.
package transport

import (
	"context"

	"github.com/bitcraps/bitcraps/pkg/types"
)

// EventKind tags an inbound Event.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDataReceived
	EventError
)

// Event is a transport-level occurrence, multiplexed from every
// underlying Transport onto the Coordinator's single event stream.
type Event struct {
	Kind      EventKind
	Peer      types.PeerId
	Data      []byte
	Err       error
	Transport string // which concrete transport produced this event
}

// Transport is the capability set every concrete transport
// (BLE/TCP/UDP/WebSocket) exposes.
type Transport interface {
	// Name identifies the transport ("tcp", "ws", "ble", ...).
	Name() string
	// Listen begins accepting inbound connections at addr.
	Listen(ctx context.Context, addr string) error
	// Dial opens an outbound connection to a known peer address.
	Dial(ctx context.Context, peer types.PeerId, addr string) error
	// SendTo delivers bytes to a specific, already-connected peer.
	// Per-peer FIFO ordering holds when the transport provides it
	//; no ordering guarantee is made across peers.
	SendTo(ctx context.Context, peer types.PeerId, data []byte) error
	// Broadcast delivers bytes to every connected peer on this
	// transport.
	Broadcast(ctx context.Context, data []byte) error
	// Events returns the channel of inbound Events for this transport.
	Events() <-chan Event
	// Close shuts the transport down, releasing all connections.
	Close() error
}

// Coordinator fans sends out across every registered Transport and
// multiplexes their inbound events onto a single channel.
type Coordinator struct {
	transports []Transport
	events     chan Event
	done       chan struct{}
}

// NewCoordinator builds a Coordinator over the given transports,
// starting one fan-in goroutine per transport.
func NewCoordinator(transports ...Transport) *Coordinator {
	c := &Coordinator{
		transports: transports,
		events:     make(chan Event, 256),
		done:       make(chan struct{}),
	}
	for _, t := range transports {
		go c.fanIn(t)
	}
	return c
}

func (c *Coordinator) fanIn(t Transport) {
	for {
		select {
		case ev, ok := <-t.Events():
			if !ok {
				return
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// Events returns the coordinator's single multiplexed event stream.
func (c *Coordinator) Events() <-chan Event { return c.events }

// SendTo attempts delivery via every transport until one succeeds;
// the caller doesn't pick a specific link.
func (c *Coordinator) SendTo(ctx context.Context, peer types.PeerId, data []byte) error {
	var lastErr error
	for _, t := range c.transports {
		if err := t.SendTo(ctx, peer, data); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// Broadcast fans data out across every registered transport.
func (c *Coordinator) Broadcast(ctx context.Context, data []byte) error {
	var lastErr error
	sent := false
	for _, t := range c.transports {
		if err := t.Broadcast(ctx, data); err != nil {
			lastErr = err
		} else {
			sent = true
		}
	}
	if sent {
		return nil
	}
	return lastErr
}

// Close shuts down every registered transport and stops fan-in.
func (c *Coordinator) Close() error {
	close(c.done)
	var first error
	for _, t := range c.transports {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
