// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/dht"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// net wires a small in-process cluster of Discovery instances together,
// routing Send calls directly into the target's HandleMessage/
// HandleClusterMessage, mirroring the dht package's fakeSender pattern.
type net struct {
	self ids.NodeID
	mesh *mesh
}

func (n *net) Send(peer ids.NodeID, env wire.Envelope) error {
	n.mesh.mu.RLock()
	target, ok := n.mesh.nodes[peer]
	n.mesh.mu.RUnlock()
	if !ok {
		return nil
	}
	switch m := env.(type) {
	case wire.Discovery:
		go target.HandleMessage(n.self, m.Message)
	case wire.Cluster:
		go target.HandleClusterMessage(n.self, m.Message)
	}
	return nil
}

func (n *net) Peers() []ids.NodeID {
	n.mesh.mu.RLock()
	defer n.mesh.mu.RUnlock()
	out := make([]ids.NodeID, 0, len(n.mesh.nodes))
	for id := range n.mesh.nodes {
		if id != n.self {
			out = append(out, id)
		}
	}
	return out
}

type mesh struct {
	mu    sync.RWMutex
	nodes map[ids.NodeID]*Discovery
}

func newMesh() *mesh { return &mesh{nodes: map[ids.NodeID]*Discovery{}} }

func (m *mesh) add(d *Discovery, id ids.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[id] = d
}

func newNode(t *testing.T, m *mesh, addr string) (*Discovery, types.NodeInfo) {
	id := ids.GenerateNodeID()
	info := types.NodeInfo{NodeID: id, Address: addr, LastSeen: time.Now()}
	table := dht.NewRoutingTable(id, 20)
	n := &net{self: id, mesh: m}
	d := dht.New(id, table, n, dht.Config{RequestTimeout: time.Second})
	disco := New(info, table, d, n, nil, Config{GossipInterval: 20 * time.Millisecond, Fanout: 3})
	m.add(disco, id)
	return disco, info
}

// TestCreateClusterSeedsSelfAsFounder exercises spec §4.5/§4.12:
// create_cluster marks the node as founder with a singleton membership
// view.
func TestCreateClusterSeedsSelfAsFounder(t *testing.T) {
	m := newMesh()
	d, info := newNode(t, m, "a")
	defer d.Stop()

	require.NoError(t, d.CreateCluster())
	require.True(t, d.IsFounder())
	members := d.Members()
	require.Len(t, members, 1)
	require.Equal(t, info.NodeID, members[0].NodeID)
}

// TestJoinClusterPopulatesMembership exercises spec §4.5's join_cluster
// flow: a joining node's request is accepted by the founder and its
// response's member list is absorbed into the joiner's view.
func TestJoinClusterPopulatesMembership(t *testing.T) {
	m := newMesh()
	founder, founderInfo := newNode(t, m, "founder")
	require.NoError(t, founder.CreateCluster())
	defer founder.Stop()

	joiner, joinerInfo := newNode(t, m, "joiner")
	defer joiner.Stop()

	err := joiner.JoinCluster(context.Background(), []types.NodeInfo{founderInfo})
	require.NoError(t, err)

	ids2 := map[ids.NodeID]bool{}
	for _, info := range joiner.Members() {
		ids2[info.NodeID] = true
	}
	require.True(t, ids2[founderInfo.NodeID])
	require.True(t, ids2[joinerInfo.NodeID])

	require.Eventually(t, func() bool {
		for _, info := range founder.Members() {
			if info.NodeID == joinerInfo.NodeID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// TestJoinClusterRequiresBootstrapNodes exercises the empty-bootstrap
// rejection.
func TestJoinClusterRequiresBootstrapNodes(t *testing.T) {
	m := newMesh()
	d, _ := newNode(t, m, "solo")
	defer d.Stop()

	err := d.JoinCluster(context.Background(), nil)
	require.Error(t, err)
}

// TestStoreRequestHeldAndAcknowledged exercises the replica side of spec
// §4.4's store: an inbound Store installs the value locally and is
// answered with a StoreResponse.
func TestStoreRequestHeldAndAcknowledged(t *testing.T) {
	m := newMesh()
	d, _ := newNode(t, m, "holder")
	defer d.Stop()

	key := ids.GenerateNodeID()
	require.NoError(t, d.HandleMessage(ids.GenerateNodeID(), wire.Store{Key: key, Value: []byte("replica")}))

	got, ok := d.dht.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("replica"), got)
}

// TestGossipReconcilesByMaxLastSeen exercises spec §4.5's reconciliation
// rule: a MembershipUpdate carrying a newer LastSeen for a known member
// overwrites the older record; a stale one is ignored.
func TestGossipReconcilesByMaxLastSeen(t *testing.T) {
	m := newMesh()
	d, _ := newNode(t, m, "a")
	defer d.Stop()
	require.NoError(t, d.CreateCluster())

	other := ids.GenerateNodeID()
	older := types.NodeInfo{NodeID: other, Address: "old", LastSeen: time.Now().Add(-time.Hour)}
	newer := types.NodeInfo{NodeID: other, Address: "new", LastSeen: time.Now()}

	require.NoError(t, d.HandleClusterMessage(ids.GenerateNodeID(), wire.MembershipUpdate{
		Version:       1,
		VotingMembers: []wire.NodeDescriptor{wire.NodeDescriptorFromInfo(newer)},
	}))
	require.NoError(t, d.HandleClusterMessage(ids.GenerateNodeID(), wire.MembershipUpdate{
		Version:       2,
		VotingMembers: []wire.NodeDescriptor{wire.NodeDescriptorFromInfo(older)},
	}))

	var found types.NodeInfo
	for _, info := range d.Members() {
		if info.NodeID == other {
			found = info
		}
	}
	require.Equal(t, "new", found.Address)
}
