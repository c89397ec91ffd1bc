// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dht

import (
	"context"
	"time"

	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/wire"
)

// Store locates the replicationFactor nodes closest to key, issues a
// store RPC to each, and additionally stores locally iff this node's
// distance to key is within the replica set (i.e. no farther than the
// replicationFactor-th closest node found), per spec §4.4. The RPCs are
// fire-and-forget: replicas acknowledge with StoreResponse, but a slow
// or lost replica does not fail the caller.
func (d *DHT) Store(ctx context.Context, key ids.NodeID, value []byte) error {
	closest, err := d.FindNodes(ctx, key, d.replicationFactor)
	if err != nil {
		return err
	}

	for _, replica := range closest {
		if replica.NodeID == d.self {
			continue
		}
		// An unreachable replica is repaired by the next announce cycle.
		_ = d.sender.Send(replica.NodeID, wire.Discovery{Message: wire.Store{Key: key, Value: value}})
	}

	selfQualifies := len(closest) < d.replicationFactor
	if !selfQualifies {
		selfDist := ids.Distance(key, d.self)
		kthDist := ids.Distance(key, closest[len(closest)-1].NodeID)
		selfQualifies = selfDist.Less(kthDist) || selfDist == kthDist
	}
	if selfQualifies {
		d.StoreLocal(key, value)
	}
	return nil
}

// StoreLocal installs a replica of value under key on this node, used
// both by Store and by the handler answering a peer's Store RPC.
func (d *DHT) StoreLocal(key ids.NodeID, value []byte) {
	d.store.Store(key, storedValue{data: value, storedAt: time.Now()})
}

// Get returns a locally stored value, if present. Callers needing a key
// this node does not replicate go through FindNodes to reach a replica.
func (d *DHT) Get(key ids.NodeID) ([]byte, bool) {
	v, ok := d.store.Load(key)
	if !ok {
		return nil, false
	}
	return v.(storedValue).data, true
}

// Self exposes this DHT's node identifier.
func (d *DHT) Self() ids.NodeID { return d.self }

// Table exposes the routing table for callers (e.g. the cluster manager)
// that need to update it directly on message receipt, per spec §4.4's
// "routing table update on any message receipt" rule.
func (d *DHT) Table() *RoutingTable { return d.table }
