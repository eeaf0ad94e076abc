package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/protocol"
	"github.com/sparxnet/core/transport/reliableudp"
	"github.com/stretchr/testify/require"
)

func TestHandshakeEstablishesAuthenticatedPeer(t *testing.T) {
	kpA, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	transA := reliableudp.New(nil)
	require.NoError(t, transA.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transA.Stop() })

	transB := reliableudp.New(nil)
	require.NoError(t, transB.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transB.Stop() })

	mgrA := New(nil, kpA)
	mgrB := New(nil, kpB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connA, err := transA.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: transB.LocalPort()})
	require.NoError(t, err)
	require.NoError(t, mgrA.HandleConnection(connA, true))

	select {
	case ev := <-transB.Events():
		require.NoError(t, mgrB.HandleConnection(ev.Connection, false))
	case <-time.After(2 * time.Second):
		t.Fatal("B never received inbound connection")
	}

	select {
	case p := <-mgrA.Connected():
		require.Equal(t, kpB.Address(), p.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("A never completed handshake")
	}

	select {
	case p := <-mgrB.Connected():
		require.Equal(t, kpA.Address(), p.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("B never completed handshake")
	}
}

func TestSendDeliversChatMessage(t *testing.T) {
	kpA, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	transA := reliableudp.New(nil)
	require.NoError(t, transA.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transA.Stop() })

	transB := reliableudp.New(nil)
	require.NoError(t, transB.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transB.Stop() })

	mgrA := New(nil, kpA)
	mgrB := New(nil, kpB)

	received := make(chan string, 1)
	mgrB.RegisterHandler(protocol.TagChat, func(p *Peer, msg protocol.Message) {
		var chat protocol.Chat
		if err := protocol.DecodeBody(msg, &chat); err == nil {
			received <- chat.Content
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connA, err := transA.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: transB.LocalPort()})
	require.NoError(t, err)
	require.NoError(t, mgrA.HandleConnection(connA, true))

	select {
	case ev := <-transB.Events():
		require.NoError(t, mgrB.HandleConnection(ev.Connection, false))
	case <-time.After(2 * time.Second):
		t.Fatal("B never received inbound connection")
	}

	var peerB *Peer
	select {
	case peerB = <-mgrA.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("A never completed handshake")
	}

	require.NoError(t, mgrA.Send(peerB, protocol.TagChat, protocol.Chat{Content: "hi from a"}))

	select {
	case content := <-received:
		require.Equal(t, "hi from a", content)
	case <-time.After(2 * time.Second):
		t.Fatal("B never received chat message")
	}
}

func TestChatRejectedWhenStale(t *testing.T) {
	require.True(t, withinReplayWindow(time.Now().UnixMilli()))
	require.False(t, withinReplayWindow(time.Now().Add(-10*time.Minute).UnixMilli()))
	require.False(t, withinReplayWindow(time.Now().Add(time.Minute).UnixMilli()))
}

func TestRecentSetDeduplicates(t *testing.T) {
	rs := newRecentSet()
	require.False(t, rs.seenBefore("abc"))
	require.True(t, rs.seenBefore("abc"))
}

func TestRecentSetEvictsOldest(t *testing.T) {
	rs := newRecentSet()
	for i := 0; i < recentIDCapacity+10; i++ {
		rs.seenBefore(string(rune(i)))
	}
	require.LessOrEqual(t, rs.order.Len(), recentIDCapacity)
}

func connectedPair(t *testing.T) (*Manager, *Manager, *Peer, *Peer) {
	t.Helper()

	kpA, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	transA := reliableudp.New(nil)
	require.NoError(t, transA.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transA.Stop() })

	transB := reliableudp.New(nil)
	require.NoError(t, transB.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transB.Stop() })

	mgrA := New(nil, kpA)
	mgrB := New(nil, kpB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connA, err := transA.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: transB.LocalPort()})
	require.NoError(t, err)
	require.NoError(t, mgrA.HandleConnection(connA, true))

	select {
	case ev := <-transB.Events():
		require.NoError(t, mgrB.HandleConnection(ev.Connection, false))
	case <-time.After(2 * time.Second):
		t.Fatal("B never received inbound connection")
	}

	var peerBFromA, peerAFromB *Peer
	select {
	case peerBFromA = <-mgrA.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("A never completed handshake")
	}
	select {
	case peerAFromB = <-mgrB.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("B never completed handshake")
	}

	return mgrA, mgrB, peerBFromA, peerAFromB
}

func TestAuthorizeSetsPermissionsAndIndex(t *testing.T) {
	mgrA, _, peerBFromA, _ := connectedPair(t)

	require.Equal(t, StatusAuthenticated, peerBFromA.Status())
	require.False(t, peerBFromA.IsAuthorized())

	require.NoError(t, mgrA.Authorize(peerBFromA.Address, PermissionContact|PermissionFileTransfer))
	require.True(t, peerBFromA.IsAuthorized())
	require.True(t, peerBFromA.HasPermission(PermissionContact))
	require.True(t, peerBFromA.HasPermission(PermissionFileTransfer))
	require.False(t, peerBFromA.HasPermission(PermissionVoiceCall))
	require.Equal(t, StatusAuthorized, peerBFromA.Status())

	index := mgrA.AuthorizedPeers()
	require.Equal(t, PermissionContact|PermissionFileTransfer, index[peerBFromA.Address])

	mgrA.Revoke(peerBFromA.Address)
	require.False(t, peerBFromA.IsAuthorized())
	require.Equal(t, StatusAuthenticated, peerBFromA.Status())
	require.Empty(t, mgrA.AuthorizedPeers())
}

func TestAuthorizeThenBlockLeavesBlockedAndDisconnected(t *testing.T) {
	mgrA, _, peerBFromA, _ := connectedPair(t)

	require.NoError(t, mgrA.Authorize(peerBFromA.Address, PermissionContact))
	require.True(t, peerBFromA.IsAuthorized())

	mgrA.Block(peerBFromA.Address)
	require.Equal(t, StatusBlocked, peerBFromA.Status())
	require.False(t, peerBFromA.IsAuthorized())
	require.Empty(t, mgrA.AuthorizedPeers())
}

func TestBlockThenAuthorizeIsRejected(t *testing.T) {
	mgrA, _, peerBFromA, _ := connectedPair(t)

	mgrA.Block(peerBFromA.Address)
	err := mgrA.Authorize(peerBFromA.Address, PermissionContact)
	require.Error(t, err)
	require.False(t, peerBFromA.IsAuthorized())
}

func TestBlockAndUnblockUpdateBlockList(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	m := New(nil, kp)

	victim, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	m.Block(victim.Address())
	require.True(t, m.isBlocked(victim.Address()))

	m.Unblock(victim.Address())
	require.False(t, m.isBlocked(victim.Address()))
}

func TestRequiresFreshnessTags(t *testing.T) {
	require.True(t, requiresFreshness(protocol.TagChat))
	require.True(t, requiresFreshness(protocol.TagPermissionRequest))
	require.False(t, requiresFreshness(protocol.TagPing))
}
