package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xtaci/gaio"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// Frame format:
// |length(4 bytes, little-endian)|payload(length bytes)|
const (
	lengthPrefixSize = 4
	maxFrameLength   = 1 << 20 // 1MiB, generous above the 64KiB wire ceiling
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 60 * time.Second
)

type readState int

const (
	stateReadLength readState = iota
	stateReadPayload
)

// tcpConn tracks per-connection framing state.
type tcpConn struct {
	conn      net.Conn
	peer      types.PeerId
	known     bool // true once we've identified the remote PeerId
	state     readState
	mu        sync.Mutex
}

// TCPTransport implements Transport over gaio's non-blocking IO
// watcher, an asynchronous model that avoids blocking a worker
// goroutine per connection.
type TCPTransport struct {
	log      bclog.Logger
	watcher  *gaio.Watcher
	listener net.Listener
	events   chan Event

	mu    sync.Mutex
	conns map[types.PeerId]*tcpConn

	die     chan struct{}
	dieOnce sync.Once
}

// NewTCPTransport builds an unstarted TCP transport.
func NewTCPTransport(log bclog.Logger) (*TCPTransport, error) {
	watcher, err := gaio.NewWatcher()
	if err != nil {
		return nil, bcerr.New(bcerr.KindTransport, "transport.NewTCPTransport", err)
	}
	t := &TCPTransport{
		log:     log,
		watcher: watcher,
		events:  make(chan Event, 256),
		conns:   make(map[types.PeerId]*tcpConn),
		die:     make(chan struct{}),
	}
	go t.ioLoop()
	return t, nil
}

func (t *TCPTransport) Name() string { return "tcp" }

func (t *TCPTransport) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return bcerr.New(bcerr.KindTransport, "tcp.Listen", err)
	}
	t.listener = ln
	go t.acceptLoop(ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.die:
				return
			default:
				t.emitError(err)
				return
			}
		}
		t.adopt(conn, types.PeerId{}, false)
	}
}

func (t *TCPTransport) Dial(ctx context.Context, peer types.PeerId, addr string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return bcerr.New(bcerr.KindTransport, "tcp.Dial", err)
	}
	t.adopt(conn, peer, true)
	return nil
}

func (t *TCPTransport) adopt(conn net.Conn, peer types.PeerId, known bool) {
	tc := &tcpConn{conn: conn, peer: peer, known: known, state: stateReadLength}
	t.mu.Lock()
	if known {
		t.conns[peer] = tc
	}
	t.mu.Unlock()

	deadline := time.Now().Add(defaultReadTimeout)
	if err := t.watcher.ReadFull(tc, conn, make([]byte, lengthPrefixSize), deadline); err != nil {
		t.emitError(err)
		return
	}
	if known {
		t.events <- Event{Kind: EventConnected, Peer: peer, Transport: t.Name()}
	}
}

// ioLoop drains gaio's completion queue, dispatching on res.Operation.
func (t *TCPTransport) ioLoop() {
	for {
		results, err := t.watcher.WaitIO()
		if err != nil {
			select {
			case <-t.die:
				return
			default:
				t.emitError(err)
				return
			}
		}
		for _, res := range results {
			tc, ok := res.Context.(*tcpConn)
			if !ok {
				continue
			}
			switch res.Operation {
			case gaio.OpRead:
				t.handleRead(tc, res)
			case gaio.OpWrite:
				if res.Error != nil {
					t.emitError(res.Error)
				}
			}
		}
	}
}

func (t *TCPTransport) handleRead(tc *tcpConn, res gaio.OpResult) {
	if res.Error != nil {
		if res.Error != io.EOF {
			t.log.Warnw("tcp read error", "peer", tc.peer.String(), "err", res.Error)
		}
		t.drop(tc)
		return
	}
	if res.Size <= 0 {
		return
	}

	tc.mu.Lock()
	state := tc.state
	tc.mu.Unlock()

	switch state {
	case stateReadLength:
		length := binary.LittleEndian.Uint32(res.Buffer[:res.Size])
		if length == 0 || length > maxFrameLength {
			t.emitError(fmt.Errorf("tcp: invalid frame length %d", length))
			t.drop(tc)
			return
		}
		tc.mu.Lock()
		tc.state = stateReadPayload
		tc.mu.Unlock()
		deadline := time.Now().Add(defaultReadTimeout)
		if err := t.watcher.ReadFull(tc, res.Conn, make([]byte, length), deadline); err != nil {
			t.emitError(err)
			t.drop(tc)
		}
	case stateReadPayload:
		payload := append([]byte{}, res.Buffer[:res.Size]...)
		t.events <- Event{Kind: EventDataReceived, Peer: tc.peer, Data: payload, Transport: t.Name()}
		tc.mu.Lock()
		tc.state = stateReadLength
		tc.mu.Unlock()
		deadline := time.Now().Add(defaultReadTimeout)
		if err := t.watcher.ReadFull(tc, res.Conn, make([]byte, lengthPrefixSize), deadline); err != nil {
			t.emitError(err)
			t.drop(tc)
		}
	}
}

func (t *TCPTransport) drop(tc *tcpConn) {
	t.mu.Lock()
	if tc.known {
		delete(t.conns, tc.peer)
	}
	t.mu.Unlock()
	tc.conn.Close()
	if tc.known {
		t.events <- Event{Kind: EventDisconnected, Peer: tc.peer, Transport: t.Name()}
	}
}

func (t *TCPTransport) emitError(err error) {
	select {
	case t.events <- Event{Kind: EventError, Err: err, Transport: t.Name()}:
	default:
	}
}

func frame(data []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(data))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	copy(out[lengthPrefixSize:], data)
	return out
}

func (t *TCPTransport) SendTo(ctx context.Context, peer types.PeerId, data []byte) error {
	t.mu.Lock()
	tc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return bcerr.New(bcerr.KindTransport, "tcp.SendTo", fmt.Errorf("peer %s not connected", peer))
	}
	deadline := time.Now().Add(defaultWriteTimeout)
	if err := t.watcher.WriteTimeout(tc, tc.conn, frame(data), deadline); err != nil {
		return bcerr.New(bcerr.KindTransport, "tcp.SendTo", err)
	}
	return nil
}

// Broadcast sends to every connected peer; a per-peer failure is
// logged and does not stop the remaining sends, and the last failure
// is returned.
func (t *TCPTransport) Broadcast(ctx context.Context, data []byte) error {
	t.mu.Lock()
	peers := make([]types.PeerId, 0, len(t.conns))
	for p := range t.conns {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	var lastErr error
	for _, p := range peers {
		if err := t.SendTo(ctx, p, data); err != nil {
			lastErr = err
			t.log.Warnw("broadcast send failed", "peer", p.String(), "err", err)
		}
	}
	return lastErr
}

func (t *TCPTransport) Events() <-chan Event { return t.events }

func (t *TCPTransport) Close() error {
	var err error
	t.dieOnce.Do(func() {
		close(t.die)
		if t.listener != nil {
			t.listener.Close()
		}
		err = t.watcher.Close()
	})
	return err
}
