// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
)

// bucketCount matches ids.Len*8: one bucket per possible leading-zero
// count in the 128-bit distance space. Index 0 holds peers at distance
// exactly 1; distance 0 (the local node itself) maps to no bucket, so the
// local node is never stored.
const bucketCount = ids.Len * 8

// RoutingTable is the local node's view of the network, organized into
// distance buckets around its own NodeID.
type RoutingTable struct {
	self ids.NodeID
	k    int

	mu      sync.RWMutex
	buckets [bucketCount]*kBucket
}

// NewRoutingTable creates an empty table around self with bucket
// capacity k (spec default 20).
func NewRoutingTable(self ids.NodeID, k int) *RoutingTable {
	t := &RoutingTable{self: self, k: k}
	for i := range t.buckets {
		t.buckets[i] = newKBucket(k)
	}
	return t
}

// Update records contact with a peer at ts, moving it to the
// most-recently-contacted end of its distance bucket. Contact with self
// is ignored.
func (t *RoutingTable) Update(info types.NodeInfo, ts time.Time) {
	if info.NodeID == t.self {
		return
	}
	idx := ids.Distance(t.self, info.NodeID).BucketIndex()
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[idx].touch(info, ts)
}

// Remove drops a peer from the table, e.g. after the failure detector
// declares it unreachable.
func (t *RoutingTable) Remove(id ids.NodeID) {
	idx := ids.Distance(t.self, id).BucketIndex()
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[idx].remove(id)
}

// FindClosest returns up to count nodes closest to key by XOR distance,
// breaking ties by recency of contact (the bucket scan order already
// reflects that, since touch keeps buckets LRU-ordered and closer
// buckets are scanned first).
func (t *RoutingTable) FindClosest(key ids.NodeID, count int) []types.NodeInfo {
	t.mu.RLock()
	all := make([]types.NodeInfo, 0, t.k*4)
	for _, b := range t.buckets {
		all = append(all, b.entries()...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := ids.Distance(key, all[i].NodeID)
		dj := ids.Distance(key, all[j].NodeID)
		return di.Less(dj)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// BucketOccupancy returns, for each non-empty bucket, its index and how
// many contacts it holds — consumed by the Node's health/Stats surface
// per the DHT's expanded Stats() accessor.
func (t *RoutingTable) BucketOccupancy() map[int]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]int)
	for i, b := range t.buckets {
		if n := len(b.contacts); n > 0 {
			out[i] = n
		}
	}
	return out
}

// Size returns the total number of contacts tracked across all buckets.
func (t *RoutingTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.contacts)
	}
	return n
}
