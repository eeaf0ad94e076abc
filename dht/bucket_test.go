package dht

import (
	"testing"
	"time"

	"github.com/sparxnet/core/identity"
	"github.com/stretchr/testify/require"
)

func randomAddress(t *testing.T) identity.Address {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Address()
}

func TestAddRejectsSelf(t *testing.T) {
	self := randomAddress(t)
	table := NewTable(self)

	added := table.Add(Node{Address: self})
	require.False(t, added)
	require.Equal(t, 0, table.Count())
}

func TestBucketNeverExceedsK(t *testing.T) {
	self := randomAddress(t)
	table := NewTable(self)

	// Force many nodes into the same bucket by fabricating addresses
	// with the same bucket index via RandomInBucket.
	const bucketIdx = 5
	for i := 0; i < K+10; i++ {
		addr, err := identity.RandomInBucket(self, bucketIdx)
		require.NoError(t, err)
		table.Add(Node{Address: addr, LastSeen: time.Now()})
	}

	require.LessOrEqual(t, table.BucketSize(bucketIdx), K)
}

func TestRemovePromotesReplacement(t *testing.T) {
	self := randomAddress(t)
	table := NewTable(self)

	const bucketIdx = 3
	var addrs []identity.Address
	for i := 0; i < K+1; i++ {
		addr, err := identity.RandomInBucket(self, bucketIdx)
		require.NoError(t, err)
		addrs = append(addrs, addr)
		table.Add(Node{Address: addr, LastSeen: time.Now()})
	}

	require.Equal(t, K, table.BucketSize(bucketIdx))
	require.Equal(t, 1, table.ReplacementSize(bucketIdx))

	table.Remove(addrs[0])
	require.Equal(t, K, table.BucketSize(bucketIdx))
	require.Equal(t, 0, table.ReplacementSize(bucketIdx))
}

func TestClosestSortedByDistance(t *testing.T) {
	self := randomAddress(t)
	table := NewTable(self)

	var nodes []Node
	for i := 0; i < 50; i++ {
		addr := randomAddress(t)
		n := Node{Address: addr, LastSeen: time.Now()}
		nodes = append(nodes, n)
		table.Add(n)
	}

	target := randomAddress(t)
	closest := table.Closest(target, 10)
	require.LessOrEqual(t, len(closest), 10)

	for i := 1; i < len(closest); i++ {
		di := identity.Distance(closest[i-1].Address, target)
		dj := identity.Distance(closest[i].Address, target)
		require.True(t, lessAddress(di, dj) || di == dj)
	}
}

func TestStaleBucketsDetection(t *testing.T) {
	self := randomAddress(t)
	table := NewTable(self)
	table.Add(Node{Address: randomAddress(t), LastSeen: time.Now()})

	require.Empty(t, table.StaleBuckets(time.Hour))

	// A zero maxAge makes any bucket updated before now count as stale.
	require.NotEmpty(t, table.StaleBuckets(0))
}

func TestNodeStaleness(t *testing.T) {
	n := Node{LastSeen: time.Now(), FailCount: 3}
	require.True(t, n.IsStale())

	n2 := Node{LastSeen: time.Now().Add(-20 * time.Minute)}
	require.True(t, n2.IsStale())

	n3 := Node{LastSeen: time.Now()}
	require.False(t, n3.IsStale())
}
