// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dht implements the Kademlia-style routing table, iterative node
// lookup, and replicated key/value store of spec §4.4.
package dht

import (
	"time"

	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
)

// contact is one routing-table entry: a peer plus when it was last heard
// from, used to break distance ties by recency and to evict the
// least-recently-contacted entry when a bucket is full.
type contact struct {
	info     types.NodeInfo
	lastSeen time.Time
}

// kBucket holds up to k contacts whose distance to the local node falls
// in one bucket's range. Contacts are kept ordered least- to
// most-recently-contacted, matching the classic Kademlia LRU eviction
// policy.
type kBucket struct {
	k        int
	contacts []contact
}

func newKBucket(k int) *kBucket {
	return &kBucket{k: k}
}

// touch records contact with info at ts, moving it to the
// most-recently-contacted position. A newcomer always enters; if the
// bucket would exceed k, the least-recently-contacted entry is evicted.
func (b *kBucket) touch(info types.NodeInfo, ts time.Time) {
	for i, c := range b.contacts {
		if c.info.NodeID == info.NodeID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, contact{info: info, lastSeen: ts})
			return
		}
	}
	if len(b.contacts) >= b.k {
		b.contacts = b.contacts[1:]
	}
	b.contacts = append(b.contacts, contact{info: info, lastSeen: ts})
}

// remove drops a node if present, used when the failure detector reports
// it unreachable.
func (b *kBucket) remove(id ids.NodeID) {
	for i, c := range b.contacts {
		if c.info.NodeID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

func (b *kBucket) entries() []types.NodeInfo {
	out := make([]types.NodeInfo, len(b.contacts))
	for i, c := range b.contacts {
		out[i] = c.info
	}
	return out
}
