package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/transport"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

type noRoutes struct{}

func (noRoutes) NextHop(dest types.PeerId) (types.PeerId, bool) { return types.PeerId{}, false }
func (noRoutes) IsDirectlyConnected(peer types.PeerId) bool     { return false }

func newTestService(t *testing.T, self types.PeerId, pt *transport.PipeTransport) (*Service, *transport.Coordinator) {
	t.Helper()
	coord := transport.NewCoordinator(pt)
	return NewService(self, coord, noRoutes{}, bclog.NewNop()), coord
}

func TestForwardDispatchesLocalHandlerAndRepliesPong(t *testing.T) {
	a := peer(1)
	b := peer(2)
	ta := transport.NewPipeTransport(a)
	tb := transport.NewPipeTransport(b)
	transport.Connect(ta, tb)
	<-ta.Events()
	<-tb.Events()

	svcB, coordB := newTestService(t, b, tb)

	ping := wire.New(wire.TypePing, wire.MaxTTL, 1)
	ping.SetSender(a)
	ping.SetReceiver(b)
	data, err := ping.Encode()
	require.NoError(t, err)

	require.NoError(t, ta.SendTo(context.Background(), b, data))
	ev := <-coordB.Events()
	require.Equal(t, transport.EventDataReceived, ev.Kind)
	pkt, err := wire.Decode(ev.Data)
	require.NoError(t, err)

	svcB.Forward(context.Background(), pkt)

	select {
	case reply := <-ta.Events():
		require.Equal(t, transport.EventDataReceived, reply.Kind)
		replyPkt, err := wire.Decode(reply.Data)
		require.NoError(t, err)
		assert.Equal(t, wire.TypePong, replyPkt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a pong reply")
	}
}

func TestForwardDedupsRepeatedPacket(t *testing.T) {
	a := peer(1)
	b := peer(2)
	ta := transport.NewPipeTransport(a)
	tb := transport.NewPipeTransport(b)
	transport.Connect(ta, tb)
	<-ta.Events()
	<-tb.Events()

	svcB, _ := newTestService(t, b, tb)

	var received int
	svcB.RegisterHandler(wire.TypeGameDataBase, func(pkt *wire.Packet) { received++ })

	pkt := wire.New(wire.TypeGameDataBase, wire.MaxTTL, 7)
	pkt.SetSender(a)
	pkt.SetReceiver(b)
	pkt.SetPayload([]byte("bet"))

	svcB.Forward(context.Background(), pkt)
	svcB.Forward(context.Background(), pkt)

	assert.Equal(t, 1, received, "second delivery of the same packet is deduped")
}

func TestForwardBroadcastsWhenNoRouteKnown(t *testing.T) {
	a := peer(1)
	b := peer(2)
	c := peer(3)
	ta := transport.NewPipeTransport(a)
	tb := transport.NewPipeTransport(b)
	tc := transport.NewPipeTransport(c)
	transport.Connect(tb, ta)
	transport.Connect(tb, tc)
	<-ta.Events()
	<-tb.Events()
	<-tb.Events()
	<-tc.Events()

	svcB, _ := newTestService(t, b, tb)

	pkt := wire.New(wire.TypeGameDataBase, wire.MaxTTL, 1)
	pkt.SetSender(a)
	dest := peer(99) // unknown destination: no route, not directly connected
	pkt.SetRoutingInfo(wire.RoutingInfo{Source: a, Destination: dest, HasDest: true, MaxHops: wire.MaxTTL})

	svcB.Forward(context.Background(), pkt)

	select {
	case ev := <-tc.Events():
		require.Equal(t, transport.EventDataReceived, ev.Kind)
		fwd, err := wire.Decode(ev.Data)
		require.NoError(t, err)
		assert.Equal(t, uint8(BroadcastTTL), fwd.TTL, "fallback broadcast caps TTL")
	case <-time.After(time.Second):
		t.Fatal("expected broadcast forward to reach peer c")
	}
}

func TestRegisterHandlerFanOutAndUnregister(t *testing.T) {
	a := peer(1)
	b := peer(2)
	ta := transport.NewPipeTransport(a)
	tb := transport.NewPipeTransport(b)
	transport.Connect(ta, tb)
	<-ta.Events()
	<-tb.Events()

	svcB, _ := newTestService(t, b, tb)

	var first, second int
	unregister := svcB.RegisterHandler(wire.TypeGameDataBase, func(pkt *wire.Packet) { first++ })
	svcB.RegisterHandler(wire.TypeGameDataBase, func(pkt *wire.Packet) { second++ })

	pkt := wire.New(wire.TypeGameDataBase, wire.MaxTTL, 11)
	pkt.SetSender(a)
	pkt.SetReceiver(b)
	pkt.SetPayload([]byte("roll"))
	svcB.Forward(context.Background(), pkt)
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second, "handlers sharing a type each see the packet")

	unregister()
	pkt2 := wire.New(wire.TypeGameDataBase, wire.MaxTTL, 12)
	pkt2.SetSender(a)
	pkt2.SetReceiver(b)
	pkt2.SetPayload([]byte("again"))
	svcB.Forward(context.Background(), pkt2)
	assert.Equal(t, 1, first, "unregistered handler no longer fires")
	assert.Equal(t, 2, second)
}

func TestForwardDispatchesReceiverlessBroadcastLocally(t *testing.T) {
	a := peer(1)
	b := peer(2)
	ta := transport.NewPipeTransport(a)
	tb := transport.NewPipeTransport(b)
	transport.Connect(ta, tb)
	<-ta.Events()
	<-tb.Events()

	svcB, _ := newTestService(t, b, tb)

	var received int
	svcB.RegisterHandler(wire.TypeDiceCommit, func(pkt *wire.Packet) { received++ })

	// No receiver TLV: a broadcast. The local node must consume a copy
	// (dice commits and consensus proposals ride this path) as well as
	// relay it.
	pkt := wire.New(wire.TypeDiceCommit, wire.MaxTTL, 21)
	pkt.SetSender(a)
	pkt.SetPayload([]byte("commit"))
	svcB.Forward(context.Background(), pkt)

	assert.Equal(t, 1, received, "receiverless broadcast must reach local handlers")
}
