package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/bitcraps/pkg/types"
)

func TestPipeTransportSendTo(t *testing.T) {
	var a, b types.PeerId
	a[0], b[0] = 1, 2
	ta := NewPipeTransport(a)
	tb := NewPipeTransport(b)
	Connect(ta, tb)

	// both sides observe EventConnected
	select {
	case ev := <-ta.Events():
		assert.Equal(t, EventConnected, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect event")
	}
	<-tb.Events()

	require.NoError(t, ta.SendTo(context.Background(), b, []byte("hi")))
	select {
	case ev := <-tb.Events():
		assert.Equal(t, EventDataReceived, ev.Kind)
		assert.Equal(t, []byte("hi"), ev.Data)
		assert.Equal(t, a, ev.Peer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestCoordinatorFanOut(t *testing.T) {
	var a, b types.PeerId
	a[0], b[0] = 1, 2
	ta := NewPipeTransport(a)
	tb := NewPipeTransport(b)
	Connect(ta, tb)
	<-ta.Events()
	<-tb.Events()

	coord := NewCoordinator(ta)
	defer coord.Close()

	require.NoError(t, coord.Broadcast(context.Background(), []byte("world")))
	select {
	case ev := <-tb.Events():
		assert.Equal(t, []byte("world"), ev.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}
