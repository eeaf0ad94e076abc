package tcpframed

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sparxnet/core/transport"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T) (*Transport, int) {
	t.Helper()
	tr := New(nil)
	require.NoError(t, tr.Start(context.Background(), 0))
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, tr.listener.Addr().(*net.TCPAddr).Port
}

func TestFramedSendReceive(t *testing.T) {
	server, port := startListener(t)
	client := New(nil)
	require.NoError(t, client.Start(context.Background(), 0))
	t.Cleanup(func() { _ = client.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := client.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)

	var serverConn transport.Connection
	select {
	case ev := <-server.Events():
		require.Equal(t, transport.EventConnectionReceived, ev.Kind)
		serverConn = ev.Connection
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound connection")
	}

	require.NoError(t, clientConn.Send([]byte("framed hello"), transport.Reliable))

	select {
	case ev := <-serverConn.Events():
		require.Equal(t, transport.EventDataReceived, ev.Kind)
		require.Equal(t, "framed hello", string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received frame")
	}
}

func TestZeroLengthFrameRejected(t *testing.T) {
	client := New(nil)
	require.NoError(t, client.Start(context.Background(), 0))
	t.Cleanup(func() { _ = client.Stop() })

	conn := &Connection{}
	// Mark it connected so the length check, not the connection state,
	// is what rejects the frame.
	conn.connected.Store(true)
	err := conn.Send(nil, transport.Reliable)
	require.Error(t, err)
}

func TestCloseEmitsDisconnected(t *testing.T) {
	server, port := startListener(t)
	client := New(nil)
	require.NoError(t, client.Start(context.Background(), 0))
	t.Cleanup(func() { _ = client.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := client.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)

	var serverConn transport.Connection
	select {
	case ev := <-server.Events():
		serverConn = ev.Connection
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound connection")
	}

	require.NoError(t, clientConn.Close())

	select {
	case ev, ok := <-serverConn.Events():
		require.True(t, ok)
		require.Equal(t, transport.EventDisconnected, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw disconnect")
	}
}
