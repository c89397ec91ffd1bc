// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dht

import (
	"sort"
	"sync"

	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
)

// candidateSet accumulates nodes seen during one lookup, kept sorted by
// distance to the target key and capped at k entries, tracking whether
// the most recent merge introduced a node closer than the previous
// closest — the iterative lookup's termination signal.
type candidateSet struct {
	mu      sync.Mutex
	key     ids.NodeID
	k       int
	entries []types.NodeInfo
}

func newCandidateSet(key ids.NodeID, k int) *candidateSet {
	return &candidateSet{key: key, k: k}
}

func (c *candidateSet) distanceTo(id ids.NodeID) ids.Distance128 {
	return ids.Distance(c.key, id)
}

// addAll merges nodes into the set, returning true if any of them is
// closer to the key than the set's previous closest entry.
func (c *candidateSet) addAll(nodes []types.NodeInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prevClosest *ids.Distance128
	if len(c.entries) > 0 {
		d := c.distanceTo(c.entries[0].NodeID)
		prevClosest = &d
	}

	seen := make(map[ids.NodeID]bool, len(c.entries))
	for _, e := range c.entries {
		seen[e.NodeID] = true
	}
	for _, n := range nodes {
		if n.NodeID == c.key || seen[n.NodeID] {
			continue
		}
		seen[n.NodeID] = true
		c.entries = append(c.entries, n)
	}

	sort.Slice(c.entries, func(i, j int) bool {
		return c.distanceTo(c.entries[i].NodeID).Less(c.distanceTo(c.entries[j].NodeID))
	})
	if len(c.entries) > c.k {
		c.entries = c.entries[:c.k]
	}

	if len(c.entries) == 0 {
		return false
	}
	if prevClosest == nil {
		return true
	}
	newClosest := c.distanceTo(c.entries[0].NodeID)
	return newClosest.Less(*prevClosest)
}

// unqueried returns up to n of the closest entries not yet in queried.
func (c *candidateSet) unqueried(queried map[ids.NodeID]bool, n int) []types.NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.NodeInfo, 0, n)
	for _, e := range c.entries {
		if queried[e.NodeID] {
			continue
		}
		out = append(out, e)
		if len(out) == n {
			break
		}
	}
	return out
}

// allQueried reports whether the k closest entries have all been
// queried, the lookup's other termination condition.
func (c *candidateSet) allQueried(queried map[ids.NodeID]bool, k int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := k
	if len(c.entries) < limit {
		limit = len(c.entries)
	}
	for _, e := range c.entries[:limit] {
		if !queried[e.NodeID] {
			return false
		}
	}
	return true
}

func (c *candidateSet) closest(count int) []types.NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count > len(c.entries) {
		count = len(c.entries)
	}
	out := make([]types.NodeInfo, count)
	copy(out, c.entries[:count])
	return out
}
