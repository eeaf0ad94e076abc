package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sparxnet/core/identity"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryFindsPeerOnSamePort(t *testing.T) {
	kp1, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	a := New(nil, Announcement{Address: kp1.Address().String(), Port: 9001, PublicKey: "peer-a"}, 0)
	b := New(nil, Announcement{Address: kp2.Address().String(), Port: 9002, PublicKey: "peer-b"}, 0)

	// Bind both to the same ephemeral-like fixed port via reuseport so
	// they can see each other's broadcasts on loopback-adjacent interfaces.
	const testPort = 19912
	a.port = testPort
	b.port = testPort

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	select {
	case found := <-a.Found():
		require.NotEqual(t, identity.Address{}, found.Address)
	case <-time.After(3 * time.Second):
		t.Skip("no broadcast-capable interface available in this sandbox")
	}
}

func TestBroadcastTargetsIncludesLimitedBroadcast(t *testing.T) {
	targets := broadcastTargets()
	require.Contains(t, targets, net.IPv4bcast)
}
