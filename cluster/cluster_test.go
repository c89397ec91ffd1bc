// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

type fakeNet struct {
	mu        sync.Mutex
	sent      []wire.Envelope
	broadcast []wire.Envelope
}

func (f *fakeNet) Send(_ ids.NodeID, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeNet) Broadcast(env wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, env)
}

func (f *fakeNet) broadcasts() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, len(f.broadcast))
	copy(out, f.broadcast)
	return out
}

func info(id ids.NodeID) types.NodeInfo {
	return types.NodeInfo{NodeID: id, Address: "127.0.0.1:0", LastSeen: time.Now()}
}

// newTestManager keeps the recovery backoff long so background recovery
// never races the assertions; the recovery test builds its own fast
// manager.
func newTestManager(t *testing.T, contact RecoverFunc) (*Manager, *fakeNet, ids.NodeID) {
	t.Helper()
	self := ids.GenerateNodeID()
	net := &fakeNet{}
	m, err := NewManager(self, net, contact, nil, nil, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		FailureTimeout:    100 * time.Millisecond,
		RecoveryAttempts:  2,
		RecoveryBackoff:   time.Minute,
		MaxSize:           8,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, net, self
}

func TestFailureDetectorSweep(t *testing.T) {
	d := NewFailureDetector(50 * time.Millisecond)
	peer := ids.GenerateNodeID()

	base := time.Now()
	d.Record(peer, base)
	require.Empty(t, d.Sweep(base.Add(30*time.Millisecond)))
	require.Equal(t, []ids.NodeID{peer}, d.Sweep(base.Add(100*time.Millisecond)))
	// Already failed: not reported again.
	require.Empty(t, d.Sweep(base.Add(200*time.Millisecond)))

	// A fresh heartbeat clears the verdict.
	d.Record(peer, base.Add(300*time.Millisecond))
	require.False(t, d.IsFailed(peer))
}

func TestMembershipVersionStrictlyIncreases(t *testing.T) {
	m, _, self := newTestManager(t, nil)
	m.Form("c1", info(self))
	v0 := m.Membership().Version

	require.NoError(t, m.AddMember(info(ids.GenerateNodeID())))
	v1 := m.Membership().Version
	require.Greater(t, v1, v0)

	other := ids.GenerateNodeID()
	require.NoError(t, m.AddMember(info(other)))
	v2 := m.Membership().Version
	require.Greater(t, v2, v1)

	require.NoError(t, m.RemoveMember(other))
	require.Greater(t, m.Membership().Version, v2)
}

func TestStaleMembershipUpdateIgnored(t *testing.T) {
	m, _, self := newTestManager(t, nil)
	m.Form("c1", info(self))
	require.NoError(t, m.AddMember(info(ids.GenerateNodeID())))
	current := m.Membership()

	stale := wire.MembershipUpdate{
		Version:       current.Version - 1,
		VotingMembers: []wire.NodeDescriptor{wire.NodeDescriptorFromInfo(info(ids.GenerateNodeID()))},
	}
	require.NoError(t, m.HandleMessage(ids.GenerateNodeID(), stale))
	require.Equal(t, current.Version, m.Membership().Version)
	require.Len(t, m.Membership().Members, 2)
}

func TestNewerMembershipUpdateApplies(t *testing.T) {
	m, _, self := newTestManager(t, nil)
	m.Form("c1", info(self))

	a, b := info(ids.GenerateNodeID()), info(ids.GenerateNodeID())
	update := wire.MembershipUpdate{
		Version: m.Membership().Version + 5,
		VotingMembers: []wire.NodeDescriptor{
			wire.NodeDescriptorFromInfo(info(self)),
			wire.NodeDescriptorFromInfo(a),
			wire.NodeDescriptorFromInfo(b),
		},
	}
	require.NoError(t, m.HandleMessage(a.NodeID, update))

	got := m.Membership()
	require.Equal(t, update.Version, got.Version)
	require.Len(t, got.Members, 3)
	require.True(t, got.VotingMembers[a.NodeID])
}

func TestHealthScore(t *testing.T) {
	m, _, self := newTestManager(t, nil)
	m.Form("c1", info(self))
	peers := make([]ids.NodeID, 5)
	for i := range peers {
		peers[i] = ids.GenerateNodeID()
		require.NoError(t, m.AddMember(info(peers[i])))
	}
	require.Equal(t, types.HealthHealthy, m.Health())

	// One of six failed: degraded.
	m.ReportNodeFailure(peers[0])
	require.Equal(t, types.HealthDegraded, m.Health())

	// Three of six failed: unhealthy.
	m.ReportNodeFailure(peers[1])
	m.ReportNodeFailure(peers[2])
	require.Equal(t, types.HealthUnhealthy, m.Health())
}

func TestHeartbeatClearsFailure(t *testing.T) {
	m, _, self := newTestManager(t, nil)
	m.Form("c1", info(self))
	peer := info(ids.GenerateNodeID())
	require.NoError(t, m.AddMember(peer))

	// One of two failed is half the cluster: unhealthy.
	m.ReportNodeFailure(peer.NodeID)
	require.Equal(t, types.HealthUnhealthy, m.Health())

	require.NoError(t, m.HandleMessage(peer.NodeID, wire.Heartbeat{
		SenderID:     peer.NodeID,
		SentAtUnixMs: uint64(time.Now().UnixMilli()),
	}))
	require.Equal(t, types.HealthHealthy, m.Health())
}

func TestRecoveryRemovesUnreachableMember(t *testing.T) {
	contactCount := 0
	var mu sync.Mutex
	self := ids.GenerateNodeID()
	m, err := NewManager(self, &fakeNet{}, func(ids.NodeID) error {
		mu.Lock()
		defer mu.Unlock()
		contactCount++
		return assertErr
	}, nil, nil, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		FailureTimeout:    100 * time.Millisecond,
		RecoveryAttempts:  2,
		RecoveryBackoff:   5 * time.Millisecond,
		MaxSize:           8,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	m.Form("c1", info(self))
	peer := info(ids.GenerateNodeID())
	require.NoError(t, m.AddMember(peer))

	m.ReportNodeFailure(peer.NodeID)

	require.Eventually(t, func() bool {
		members := m.Membership().Members
		return len(members) == 1 && members[0] == self
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, contactCount)
}

func TestHeartbeatLoopBroadcasts(t *testing.T) {
	m, net, self := newTestManager(t, nil)
	m.Form("c1", info(self))
	m.Start()

	require.Eventually(t, func() bool {
		for _, env := range net.broadcasts() {
			if c, ok := env.(wire.Cluster); ok {
				if _, ok := c.Message.(wire.Heartbeat); ok {
					return true
				}
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestInfoDerivesFromLiveState(t *testing.T) {
	m, _, self := newTestManager(t, nil)
	m.Form("c1", info(self))

	got := m.Info()
	require.Equal(t, "c1", got.ClusterID)
	require.Len(t, got.Members, 1)
	require.NotNil(t, got.Leader)
	require.Equal(t, self, *got.Leader)
	require.Equal(t, types.HealthHealthy, got.Health)
}

// assertErr is a reusable sentinel for contact attempts that must fail.
var assertErr = &contactError{}

type contactError struct{}

func (*contactError) Error() string { return "unreachable" }
