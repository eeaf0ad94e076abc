package reliableudp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sparxnet/core/transport"
	"github.com/stretchr/testify/require"
)

func startTransport(t *testing.T) (*Transport, int) {
	t.Helper()
	tr := New(nil)
	require.NoError(t, tr.Start(context.Background(), 0))
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, tr.LocalPort()
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	server, serverPort := startTransport(t)
	client, _ := startTransport(t)

	serverEvents := server.Events()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort})
	require.NoError(t, err)
	require.True(t, conn.IsConnected())

	select {
	case ev := <-serverEvents:
		require.Equal(t, transport.EventConnectionReceived, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw ConnectionReceived")
	}
}

func TestReliableSendDeliversAndAcks(t *testing.T) {
	server, serverPort := startTransport(t)
	client, _ := startTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := client.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort})
	require.NoError(t, err)

	var serverConn transport.Connection
	select {
	case ev := <-server.Events():
		require.Equal(t, transport.EventConnectionReceived, ev.Kind)
		serverConn = ev.Connection
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound connection")
	}

	require.NoError(t, clientConn.Send([]byte("payload-one"), transport.Reliable))

	select {
	case ev := <-serverConn.Events():
		require.Equal(t, transport.EventDataReceived, ev.Kind)
		require.Equal(t, "payload-one", string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received data")
	}

	rc := clientConn.(*Connection)
	require.Eventually(t, func() bool {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		return len(rc.pendingAcks) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPingMeasuresLatency(t *testing.T) {
	server, serverPort := startTransport(t)
	client, _ := startTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := client.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort})
	require.NoError(t, err)

	select {
	case <-server.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound connection")
	}

	rc := clientConn.(*Connection)
	require.NoError(t, rc.Ping())

	require.Eventually(t, func() bool {
		return rc.LatencyMs() >= 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCloseNotifiesRemote(t *testing.T) {
	server, serverPort := startTransport(t)
	client, _ := startTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := client.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort})
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
