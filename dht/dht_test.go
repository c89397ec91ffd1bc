// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

func TestRoutingTableFindClosest(t *testing.T) {
	self := ids.GenerateNodeID()
	table := NewRoutingTable(self, 20)

	var peers []ids.NodeID
	for i := 0; i < 10; i++ {
		peer := ids.GenerateNodeID()
		peers = append(peers, peer)
		table.Update(types.NodeInfo{NodeID: peer, Address: "addr"}, time.Now())
	}

	key := ids.GenerateNodeID()
	closest := table.FindClosest(key, 5)
	require.Len(t, closest, 5)

	// Every returned node must be closer (or equal) to key than every
	// node excluded from the result.
	included := make(map[ids.NodeID]bool)
	for _, n := range closest {
		included[n.NodeID] = true
	}
	maxIncludedDist := ids.Distance(key, closest[len(closest)-1].NodeID)
	for _, p := range peers {
		if included[p] {
			continue
		}
		d := ids.Distance(key, p)
		require.False(t, d.Less(maxIncludedDist))
	}
}

func TestRoutingTableIgnoresSelf(t *testing.T) {
	self := ids.GenerateNodeID()
	table := NewRoutingTable(self, 20)
	table.Update(types.NodeInfo{NodeID: self}, time.Now())
	require.Equal(t, 0, table.Size())
}

type fakeSender struct {
	onSend func(peer ids.NodeID, env wire.Envelope)
}

func (f *fakeSender) Send(peer ids.NodeID, env wire.Envelope) error {
	if f.onSend != nil {
		f.onSend(peer, env)
	}
	return nil
}

func TestFindNodesRefusesDuplicateInProgressLookup(t *testing.T) {
	self := ids.GenerateNodeID()
	table := NewRoutingTable(self, 20)
	peer := ids.GenerateNodeID()
	table.Update(types.NodeInfo{NodeID: peer, Address: "a"}, time.Now())

	blocked := make(chan struct{})
	sender := &fakeSender{onSend: func(ids.NodeID, wire.Envelope) { <-blocked }}
	d := New(self, table, sender, Config{RequestTimeout: 50 * time.Millisecond})

	key := ids.GenerateNodeID()
	done := make(chan struct{})
	go func() {
		d.FindNodes(context.Background(), key, 5)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := d.FindNodes(context.Background(), key, 5)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	close(blocked)
	<-done
}

func TestBucketEvictsLeastRecentWhenFull(t *testing.T) {
	b := newKBucket(3)
	base := time.Now()

	var first types.NodeInfo
	for i := 0; i < 3; i++ {
		info := types.NodeInfo{NodeID: ids.GenerateNodeID()}
		if i == 0 {
			first = info
		}
		b.touch(info, base.Add(time.Duration(i)*time.Second))
	}

	newcomer := types.NodeInfo{NodeID: ids.GenerateNodeID()}
	b.touch(newcomer, base.Add(10*time.Second))

	entries := b.entries()
	require.Len(t, entries, 3)
	require.Equal(t, newcomer.NodeID, entries[2].NodeID)
	for _, e := range entries {
		require.NotEqual(t, first.NodeID, e.NodeID)
	}
}

func TestStoreDispatchesReplicaRPCs(t *testing.T) {
	self := ids.GenerateNodeID()
	table := NewRoutingTable(self, 20)
	var peers []ids.NodeID
	for i := 0; i < 5; i++ {
		peer := ids.GenerateNodeID()
		peers = append(peers, peer)
		table.Update(types.NodeInfo{NodeID: peer, Address: "a"}, time.Now())
	}

	var mu sync.Mutex
	storesByPeer := make(map[ids.NodeID][]byte)
	sender := &fakeSender{onSend: func(peer ids.NodeID, env wire.Envelope) {
		disc, ok := env.(wire.Discovery)
		if !ok {
			return
		}
		if s, ok := disc.Message.(wire.Store); ok {
			mu.Lock()
			storesByPeer[peer] = s.Value
			mu.Unlock()
		}
	}}
	d := New(self, table, sender, Config{ReplicationFactor: 3, RequestTimeout: 50 * time.Millisecond})

	key := ids.GenerateNodeID()
	require.NoError(t, d.Store(context.Background(), key, []byte("replicated")))

	// A store RPC went to each of the replicationFactor closest peers,
	// none of which is self.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, storesByPeer, 3)
	for peer, value := range storesByPeer {
		require.Contains(t, peers, peer)
		require.Equal(t, []byte("replicated"), value)
	}
}

func TestStoreLocalServesGet(t *testing.T) {
	self := ids.GenerateNodeID()
	d := New(self, NewRoutingTable(self, 20), &fakeSender{}, Config{})

	key := ids.GenerateNodeID()
	d.StoreLocal(key, []byte("held"))
	got, ok := d.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("held"), got)
}

func TestBucketIndexNeverZeroForSelf(t *testing.T) {
	self := ids.GenerateNodeID()
	d := ids.Distance(self, self)
	require.True(t, d.IsZero())
	require.Equal(t, -1, d.BucketIndex())
}
