// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

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

type fakeApplier struct {
	mu      sync.Mutex
	applied []types.ConsensusValue
}

func (a *fakeApplier) Apply(v types.ConsensusValue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, v)
	return nil
}

func testConfig() Config {
	return Config{ProposalTimeout: 2 * time.Second, ViewChangeTimeout: 5 * time.Second}
}

// TestInsufficientReplicas exercises spec §8's scenario 5: bootstrapping
// PBFT with cluster size 1 and calling propose must fail with
// InsufficientReplicas.
func TestInsufficientReplicas(t *testing.T) {
	self := ids.GenerateNodeID()
	p := New(self, nil, &fakeApplier{}, nil, testConfig())
	require.NoError(t, p.Bootstrap(types.NewClusterMembership([]ids.NodeID{self})))
	defer p.Stop()

	_, err := p.Propose(context.Background(), types.ConsensusValueFromString("x", self, time.Now()))
	require.Error(t, err)
}

// cluster wires four in-process PBFT replicas together through a fake
// sender that calls HandleMessage directly, mirroring the in-process
// harness style of the teacher's engine/bft tests.
type cluster struct {
	replicas map[ids.NodeID]*PBFT
	appliers map[ids.NodeID]*fakeApplier
}

func newCluster(t *testing.T, n int) *cluster {
	members := make([]ids.NodeID, n)
	for i := range members {
		members[i] = ids.GenerateNodeID()
	}
	c := &cluster{replicas: map[ids.NodeID]*PBFT{}, appliers: map[ids.NodeID]*fakeApplier{}}
	membership := types.NewClusterMembership(members)
	for _, id := range members {
		applier := &fakeApplier{}
		sender := &routedSender{self: id, cluster: c}
		p := New(id, sender, applier, nil, testConfig())
		require.NoError(t, p.Bootstrap(membership))
		c.replicas[id] = p
		c.appliers[id] = applier
	}
	return c
}

func (c *cluster) stop() {
	for _, r := range c.replicas {
		r.Stop()
	}
}

type routedSender struct {
	self    ids.NodeID
	cluster *cluster
}

func (s *routedSender) Send(peer ids.NodeID, env wire.Envelope) error {
	c, ok := env.(wire.Consensus)
	if !ok {
		return nil
	}
	target, ok := s.cluster.replicas[peer]
	if !ok {
		return nil
	}
	go target.HandleMessage(s.self, c.Message)
	return nil
}

// TestFourNodeAgreement exercises spec §4.8's three-phase agreement: with
// four replicas (tolerating f=1), a value proposed by the primary is
// executed at every replica in the same order.
func TestFourNodeAgreement(t *testing.T) {
	c := newCluster(t, 4)
	defer c.stop()

	var primary *PBFT
	var primaryID ids.NodeID
	for id, r := range c.replicas {
		if r.GetState().Role == "primary" {
			primary = r
			primaryID = id
		}
	}
	require.NotNil(t, primary)

	value := types.ConsensusValueFromString("agree", primaryID, time.Now())
	res, err := primary.Propose(context.Background(), value)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Sequence)

	require.Eventually(t, func() bool {
		for _, a := range c.appliers {
			a.mu.Lock()
			n := len(a.applied)
			a.mu.Unlock()
			if n != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
