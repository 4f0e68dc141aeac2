package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/pkg/types"
)

func TestUDPTransportRoundTrip(t *testing.T) {
	var a, b types.PeerId
	a[0], b[0] = 1, 2
	ua := NewUDPTransport(bclog.NewNop())
	ub := NewUDPTransport(bclog.NewNop())
	defer ua.Close()
	defer ub.Close()

	ctx := context.Background()
	require.NoError(t, ua.Listen(ctx, "127.0.0.1:0"))
	require.NoError(t, ub.Listen(ctx, "127.0.0.1:0"))

	require.NoError(t, ua.Dial(ctx, b, ub.conn.LocalAddr().String()))
	select {
	case ev := <-ua.Events():
		assert.Equal(t, EventConnected, ev.Kind)
		assert.Equal(t, b, ev.Peer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect event")
	}

	require.NoError(t, ua.SendTo(ctx, b, []byte("hi")))
	select {
	case ev := <-ub.Events():
		assert.Equal(t, EventDataReceived, ev.Kind)
		assert.Equal(t, []byte("hi"), ev.Data)
		// b never dialed a, so the datagram arrives unattributed and
		// the mesh layer falls back to the sender TLV.
		assert.True(t, ev.Peer.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestUDPSendToUnknownPeer(t *testing.T) {
	u := NewUDPTransport(bclog.NewNop())
	defer u.Close()
	require.NoError(t, u.Listen(context.Background(), "127.0.0.1:0"))

	var p types.PeerId
	p[0] = 9
	err := u.SendTo(context.Background(), p, []byte("x"))
	assert.Error(t, err)
}
