package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// WSTransport implements Transport over WebSocket connections, the IP
// fallback alongside TCP. Framing is implicit: gorilla/websocket
// already delivers whole messages, so unlike TCPTransport there is no
// length-prefix loop to run.
type WSTransport struct {
	log      bclog.Logger
	upgrader websocket.Upgrader
	events   chan Event

	mu    sync.Mutex
	conns map[types.PeerId]*websocket.Conn

	die     chan struct{}
	dieOnce sync.Once
}

// NewWSTransport builds an unstarted WebSocket transport.
func NewWSTransport(log bclog.Logger) *WSTransport {
	return &WSTransport{
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		events:   make(chan Event, 256),
		conns:    make(map[types.PeerId]*websocket.Conn),
		die:      make(chan struct{}),
	}
}

func (w *WSTransport) Name() string { return "ws" }

// Listen is a no-op here: WSTransport accepts inbound links only
// through Handler, which a caller mounts on an HTTP server of its own;
// nothing in this module mounts it.
func (w *WSTransport) Listen(ctx context.Context, addr string) error { return nil }

// Handler upgrades an inbound HTTP request to a WebSocket mesh link
// for the given peer id, then starts its read pump.
func (w *WSTransport) Handler(peer types.PeerId) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.log.Warnw("ws upgrade failed", "err", err)
			return
		}
		w.mu.Lock()
		w.conns[peer] = conn
		w.mu.Unlock()
		w.events <- Event{Kind: EventConnected, Peer: peer, Transport: w.Name()}
		go w.readPump(peer, conn)
	}
}

func (w *WSTransport) readPump(peer types.PeerId, conn *websocket.Conn) {
	defer w.drop(peer, conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cp := append([]byte{}, data...)
		w.events <- Event{Kind: EventDataReceived, Peer: peer, Data: cp, Transport: w.Name()}
	}
}

func (w *WSTransport) drop(peer types.PeerId, conn *websocket.Conn) {
	w.mu.Lock()
	if existing, ok := w.conns[peer]; ok && existing == conn {
		delete(w.conns, peer)
	}
	w.mu.Unlock()
	conn.Close()
	w.events <- Event{Kind: EventDisconnected, Peer: peer, Transport: w.Name()}
}

func (w *WSTransport) Dial(ctx context.Context, peer types.PeerId, addr string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return bcerr.New(bcerr.KindTransport, "ws.Dial", err)
	}
	w.mu.Lock()
	w.conns[peer] = conn
	w.mu.Unlock()
	go w.readPump(peer, conn)
	return nil
}

func (w *WSTransport) SendTo(ctx context.Context, peer types.PeerId, data []byte) error {
	w.mu.Lock()
	conn, ok := w.conns[peer]
	w.mu.Unlock()
	if !ok {
		return bcerr.New(bcerr.KindTransport, "ws.SendTo", websocket.ErrCloseSent)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return bcerr.New(bcerr.KindTransport, "ws.SendTo", err)
	}
	return nil
}

func (w *WSTransport) Broadcast(ctx context.Context, data []byte) error {
	w.mu.Lock()
	peers := make([]types.PeerId, 0, len(w.conns))
	for p := range w.conns {
		peers = append(peers, p)
	}
	w.mu.Unlock()
	var lastErr error
	for _, p := range peers {
		if err := w.SendTo(ctx, p, data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (w *WSTransport) Events() <-chan Event { return w.events }

func (w *WSTransport) Close() error {
	w.dieOnce.Do(func() {
		close(w.die)
		w.mu.Lock()
		for _, conn := range w.conns {
			conn.Close()
		}
		w.mu.Unlock()
	})
	return nil
}
