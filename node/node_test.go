package node

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/config"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/store"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Listen:        []string{":0"},
		DiscoveryPort: 0, // disabled: tests dial each other directly
		ShareDir:      "",
	}
}

func startedNode(t *testing.T) *Node {
	t.Helper()

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	n := New(logrus.NewEntry(logrus.New()), testConfig(), kp, store.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))

	t.Cleanup(func() {
		cancel()
		_ = n.Stop()
	})

	return n
}

func startedPair(t *testing.T) (*Node, *Node) {
	t.Helper()
	return startedNode(t), startedNode(t)
}

func TestConnectCompletesHandshakeBothSides(t *testing.T) {
	a, b := startedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peerB, err := a.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.udp.LocalPort()})
	require.NoError(t, err)
	require.Equal(t, b.Address(), peerB.Address)

	select {
	case p := <-b.Peers().Connected():
		require.Equal(t, a.Address(), p.Address)
	case <-time.After(3 * time.Second):
		t.Fatal("b never observed inbound connection")
	}
}

func TestShareableAddressRoundTrip(t *testing.T) {
	a, b := startedPair(t)

	shareableB, err := b.ShareableAddress()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peerB, err := a.ConnectByShareable(ctx, shareableB)
	require.NoError(t, err)
	require.Equal(t, b.Address(), peerB.Address)
}

func TestConnectByShareableRejectsIdentityMismatch(t *testing.T) {
	a, b := startedPair(t)

	shareableB, err := b.ShareableAddress()
	require.NoError(t, err)

	// Swap in a different address than the one that will actually answer
	// the handshake at that endpoint.
	other, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	at := strings.LastIndex(shareableB, "@")
	require.GreaterOrEqual(t, at, 0)
	bogus := other.Address().String() + shareableB[at:]

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err = a.ConnectByShareable(ctx, bogus)
	require.Error(t, err)
}

func TestSendChatDeliversToReceivedChannel(t *testing.T) {
	a, b := startedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peerB, err := a.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.udp.LocalPort()})
	require.NoError(t, err)

	require.NoError(t, a.SendChat(peerB, "hello", ""))

	select {
	case msg := <-b.ChatReceived():
		require.Equal(t, "hello", msg.Content)
		require.Equal(t, a.Address(), msg.Peer.Address)
	case <-time.After(3 * time.Second):
		t.Fatal("chat message never arrived")
	}
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	a, b := startedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peerB, err := a.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.udp.LocalPort()})
	require.NoError(t, err)

	requestID, err := a.RequestPermission(peerB, "FileTransfer", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	var incoming PermissionRequest
	select {
	case incoming = <-b.PermissionRequests():
	case <-time.After(3 * time.Second):
		t.Fatal("permission request never arrived at b")
	}
	require.Equal(t, requestID, incoming.RequestID)
	require.Equal(t, "FileTransfer", incoming.Type)

	require.NoError(t, b.RespondPermission(incoming.Peer, incoming.RequestID, true, time.Minute))

	select {
	case result := <-a.PermissionResults():
		require.Equal(t, requestID, result.RequestID)
		require.True(t, result.Granted)
	case <-time.After(3 * time.Second):
		t.Fatal("permission result never arrived at a")
	}
	require.True(t, incoming.Peer.IsAuthorized())
	require.True(t, incoming.Peer.HasPermission(peer.PermissionFileTransfer))
	require.False(t, incoming.Peer.HasPermission(peer.PermissionVoiceCall))

	// a's own view of b is authorized symmetrically once the grant lands.
	require.True(t, peerB.IsAuthorized())
	require.True(t, peerB.HasPermission(peer.PermissionFileTransfer))
}

func TestConnectByIDUsesFindNodeLookupThroughIntermediary(t *testing.T) {
	a := startedNode(t)
	b := startedNode(t)
	c := startedNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a<->b and b<->c are directly connected; a has never heard of c.
	_, err := a.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.udp.LocalPort()})
	require.NoError(t, err)
	_, err = b.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: c.udp.LocalPort()})
	require.NoError(t, err)

	// Give b's routing table a moment to absorb the onPeerConnected add.
	time.Sleep(100 * time.Millisecond)

	peerC, err := a.ConnectByID(ctx, c.Address())
	require.NoError(t, err)
	require.Equal(t, c.Address(), peerC.Address)
}
