/*
Package dht implements the Kademlia-style K-bucket routing table over
the 160-bit identity space: K=20 per bucket with a per-bucket
replacement cache, staleness detection, and closest-node queries.
*/
package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/sparxnet/core/identity"
)

// BucketCount is the number of buckets, one per possible leading-zero
// count of the 160-bit XOR distance.
const BucketCount = identity.AddressSize * 8

// K is the maximum number of entries per bucket.
const K = 20

// StaleFailCount is the failure count above which a node is
// considered stale.
const StaleFailCount = 2

// StaleAge is the last-seen age above which a node is considered
// stale.
const StaleAge = 15 * time.Minute

// Node is a routing-table entry.
type Node struct {
	Address   identity.Address
	IP        string
	Port      int
	LastSeen  time.Time
	FailCount int
}

// IsStale reports whether the node should be considered stale.
func (n Node) IsStale() bool {
	return n.FailCount > StaleFailCount || time.Since(n.LastSeen) > StaleAge
}

type bucket struct {
	nodes          []Node // ordered oldest (front) to most recent (back)
	replacements   []Node
	lastUpdated    time.Time
}

// Table is the full K-bucket routing table for one local node.
type Table struct {
	self    identity.Address
	mu      sync.Mutex
	buckets [BucketCount]bucket
}

// NewTable creates a routing table centered on self.
func NewTable(self identity.Address) *Table {
	return &Table{self: self}
}

// Self returns the address this table is centered on.
func (t *Table) Self() identity.Address { return t.self }

// Add inserts or refreshes a node. Self-inserts are rejected. If the
// node already exists it is moved to the most-recent position and its
// LastSeen/FailCount are refreshed. If the bucket is full, the node is
// pushed onto the replacement cache instead.
func (t *Table) Add(node Node) (added bool) {
	if node.Address == t.self {
		return false
	}

	idx := identity.BucketIndex(t.self, node.Address)

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	b.lastUpdated = time.Now()

	for i, existing := range b.nodes {
		if existing.Address == node.Address {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			node.FailCount = 0
			b.nodes = append(b.nodes, node)
			return true
		}
	}

	if len(b.nodes) < K {
		b.nodes = append(b.nodes, node)
		return true
	}

	// Bucket full: push to replacement cache, capped at K deep, evicting
	// the oldest replacement first.
	if len(b.replacements) >= K {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, node)
	return false
}

// Remove drops id from its bucket. If a replacement is waiting, the
// oldest replacement is promoted into the freed slot.
func (t *Table) Remove(id identity.Address) {
	idx := identity.BucketIndex(t.self, id)

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i, existing := range b.nodes {
		if existing.Address == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			if len(b.replacements) > 0 {
				promoted := b.replacements[0]
				b.replacements = b.replacements[1:]
				b.nodes = append(b.nodes, promoted)
			}
			return
		}
	}
}

// Closest returns up to n nodes ordered by ascending XOR distance to
// target, expanding outward from target's own bucket across
// neighboring buckets until enough candidates are collected.
func (t *Table) Closest(target identity.Address, n int) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	startIdx := identity.BucketIndex(t.self, target)

	var candidates []Node
	seen := make(map[identity.Address]bool)

	collect := func(idx int) {
		if idx < 0 || idx >= BucketCount {
			return
		}
		for _, node := range t.buckets[idx].nodes {
			if !seen[node.Address] {
				seen[node.Address] = true
				candidates = append(candidates, node)
			}
		}
	}

	collect(startIdx)
	for offset := 1; offset < BucketCount && len(candidates) < n*4; offset++ {
		collect(startIdx - offset)
		collect(startIdx + offset)
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := identity.Distance(candidates[i].Address, target)
		dj := identity.Distance(candidates[j].Address, target)
		return lessAddress(di, dj)
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func lessAddress(a, b identity.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// StaleBuckets returns the indices of non-empty buckets whose
// lastUpdated time is older than maxAge.
func (t *Table) StaleBuckets(maxAge time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []int
	cutoff := time.Now().Add(-maxAge)
	for i, b := range t.buckets {
		if len(b.nodes) > 0 && b.lastUpdated.Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}

// BucketSize returns the number of live entries in bucket i, for
// tests and diagnostics.
func (t *Table) BucketSize(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets[i].nodes)
}

// ReplacementSize returns the number of waiting replacement entries
// for bucket i.
func (t *Table) ReplacementSize(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets[i].replacements)
}

// Count returns the total number of nodes stored across all buckets.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, b := range t.buckets {
		total += len(b.nodes)
	}
	return total
}

// MarkFailure increments a node's fail count, e.g. after a ping
// timeout, without removing it.
func (t *Table) MarkFailure(id identity.Address) {
	idx := identity.BucketIndex(t.self, id)

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i := range b.nodes {
		if b.nodes[i].Address == id {
			b.nodes[i].FailCount++
			return
		}
	}
}

// RefreshTarget returns a random address whose bucket index is i,
// suitable as a FindNode lookup target to refresh a stale bucket.
func (t *Table) RefreshTarget(i int) (identity.Address, error) {
	return identity.RandomInBucket(t.self, i)
}
