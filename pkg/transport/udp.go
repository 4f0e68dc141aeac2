package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/bcerr"
	"github.com/bitcraps/bitcraps/pkg/types"
)

// maxDatagramSize bounds a single inbound UDP read at the largest
// length a UDP header can carry. Wire packets may be up to 64 KiB
// (65536 bytes), so one near that ceiling does not fit in a single
// datagram.
const maxDatagramSize = 65535

// UDPTransport implements Transport over a single UDP socket. UDP is
// connectionless, so "connected" here means a peer whose address has
// been registered via Dial or learned from an inbound datagram;
// framing is implicit in datagram boundaries, so unlike TCPTransport
// there is no length-prefix loop to run. Delivery is best-effort with
// no per-peer FIFO guarantee, which the Coordinator's contract
// permits.
type UDPTransport struct {
	log    bclog.Logger
	events chan Event

	mu    sync.Mutex
	conn  *net.UDPConn
	peers map[types.PeerId]*net.UDPAddr
	addrs map[string]types.PeerId // remote addr string -> peer, for inbound attribution

	die     chan struct{}
	dieOnce sync.Once
}

// NewUDPTransport builds an unstarted UDP transport.
func NewUDPTransport(log bclog.Logger) *UDPTransport {
	return &UDPTransport{
		log:    log,
		events: make(chan Event, 256),
		peers:  make(map[types.PeerId]*net.UDPAddr),
		addrs:  make(map[string]types.PeerId),
		die:    make(chan struct{}),
	}
}

func (u *UDPTransport) Name() string { return "udp" }

func (u *UDPTransport) Listen(ctx context.Context, addr string) error {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return bcerr.New(bcerr.KindTransport, "udp.Listen", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return bcerr.New(bcerr.KindTransport, "udp.Listen", err)
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	go u.readLoop(conn)
	return nil
}

// Dial registers peer's address; no handshake is performed. The
// transport must already be listening so replies have a socket to
// arrive on.
func (u *UDPTransport) Dial(ctx context.Context, peer types.PeerId, addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return bcerr.New(bcerr.KindTransport, "udp.Dial", err)
	}
	u.mu.Lock()
	if u.conn == nil {
		u.mu.Unlock()
		return bcerr.New(bcerr.KindTransport, "udp.Dial", fmt.Errorf("not listening"))
	}
	u.peers[peer] = raddr
	u.addrs[raddr.String()] = peer
	u.mu.Unlock()
	u.events <- Event{Kind: EventConnected, Peer: peer, Transport: u.Name()}
	return nil
}

func (u *UDPTransport) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.die:
			default:
				u.emitError(err)
			}
			return
		}
		u.mu.Lock()
		peer, known := u.addrs[raddr.String()]
		u.mu.Unlock()
		if !known {
			// Datagram from an unregistered address; the mesh layer
			// attributes it by the sender TLV instead.
			peer = types.PeerId{}
		}
		data := append([]byte{}, buf[:n]...)
		u.events <- Event{Kind: EventDataReceived, Peer: peer, Data: data, Transport: u.Name()}
	}
}

func (u *UDPTransport) SendTo(ctx context.Context, peer types.PeerId, data []byte) error {
	u.mu.Lock()
	conn := u.conn
	raddr, ok := u.peers[peer]
	u.mu.Unlock()
	if conn == nil || !ok {
		return bcerr.New(bcerr.KindTransport, "udp.SendTo", fmt.Errorf("peer %s not connected", peer))
	}
	if _, err := conn.WriteToUDP(data, raddr); err != nil {
		return bcerr.New(bcerr.KindTransport, "udp.SendTo", err)
	}
	return nil
}

// Broadcast sends to every registered peer; per-peer failures are
// logged and do not stop the remaining sends, and the last failure is
// returned.
func (u *UDPTransport) Broadcast(ctx context.Context, data []byte) error {
	u.mu.Lock()
	peers := make([]types.PeerId, 0, len(u.peers))
	for p := range u.peers {
		peers = append(peers, p)
	}
	u.mu.Unlock()

	var lastErr error
	for _, p := range peers {
		if err := u.SendTo(ctx, p, data); err != nil {
			lastErr = err
			u.log.Warnw("broadcast send failed", "peer", p.String(), "err", err)
		}
	}
	return lastErr
}

func (u *UDPTransport) Events() <-chan Event { return u.events }

func (u *UDPTransport) Close() error {
	var err error
	u.dieOnce.Do(func() {
		close(u.die)
		u.mu.Lock()
		if u.conn != nil {
			err = u.conn.Close()
		}
		u.mu.Unlock()
	})
	return err
}

func (u *UDPTransport) emitError(err error) {
	select {
	case u.events <- Event{Kind: EventError, Err: err, Transport: u.Name()}:
	default:
	}
}
