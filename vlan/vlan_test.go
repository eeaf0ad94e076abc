package vlan

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/transport/reliableudp"
	"github.com/stretchr/testify/require"
)

func TestVirtualIPIsDeterministic(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	ip1 := VirtualIP(kp.Address())
	ip2 := VirtualIP(kp.Address())
	require.True(t, ip1.Equal(ip2))
	require.True(t, Network.Contains(ip1))
}

func TestVirtualIPAvoidsReservedOctets(t *testing.T) {
	var addr identity.Address
	addr[0] = 10
	addr[1] = 0
	ip := VirtualIP(addr)
	require.NotEqual(t, byte(0), ip.To4()[3])

	addr[1] = 255
	ip = VirtualIP(addr)
	require.NotEqual(t, byte(255), ip.To4()[3])
}

func connectedPeerManagers(t *testing.T) (*peer.Manager, *peer.Manager, *peer.Peer, *peer.Peer) {
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

	mgrA := peer.New(nil, kpA)
	mgrB := peer.New(nil, kpB)

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

	var peerBFromA, peerAFromB *peer.Peer
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

	fullPermissions := peer.PermissionContact | peer.PermissionFileTransfer | peer.PermissionVoiceCall
	require.NoError(t, mgrA.Authorize(peerBFromA.Address, fullPermissions))
	require.NoError(t, mgrB.Authorize(peerAFromB.Address, fullPermissions))

	return mgrA, mgrB, peerBFromA, peerAFromB
}

func TestAnnounceExchangeRegistersMembersBothWays(t *testing.T) {
	mgrA, mgrB, _, peerAFromB := connectedPeerManagers(t)

	vlanA := New(nil, mgrA, mustSelfAddress(t), nil)
	vlanB := New(nil, mgrB, mustSelfAddress(t), nil)

	// A announces directly to its one connected peer (B), bypassing
	// Start's socket binding so the test does not require monitored
	// UDP ports to be free.
	require.NoError(t, vlanA.announce(true, "node-a", []string{"game"}))

	require.Eventually(t, func() bool {
		return len(vlanB.Members()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(vlanA.Members()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	members := vlanB.Members()
	require.Equal(t, "node-a", members[0].Hostname)
	require.Equal(t, peerAFromB.Address, members[0].Address)
}

func mustSelfAddress(t *testing.T) identity.Address {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Address()
}
