// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/actor"
	"github.com/revskill10/ream-sub002/config"
	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/types"
)

func testParams() config.Parameters {
	p := config.LocalParams
	p.BindAddress = "127.0.0.1:0"
	return p
}

func newTestNode(t *testing.T, params config.Parameters) *Node {
	t.Helper()
	n, err := New(params, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	return n
}

// echoActor replies with its payload; state is the payload count.
type echoActor struct{ count byte }

func (e *echoActor) Receive(_ context.Context, payload []byte) ([]byte, error) {
	e.count++
	return payload, nil
}
func (e *echoActor) SnapshotState() ([]byte, error) { return []byte{e.count}, nil }
func (e *echoActor) RestoreState(b []byte) error {
	if len(b) > 0 {
		e.count = b[0]
	}
	return nil
}

func TestSingleNodeClusterCreation(t *testing.T) {
	n := newTestNode(t, testParams())
	require.NoError(t, n.CreateCluster())

	info := n.GetClusterInfo()
	require.Len(t, info.Members, 1)
	require.Equal(t, types.HealthHealthy, info.Health)
	require.NotNil(t, info.Leader)
	require.Equal(t, n.ID(), *info.Leader)
	require.NotEmpty(t, info.ClusterID)
}

func TestSingleNodeRaftPropose(t *testing.T) {
	n := newTestNode(t, testParams())
	require.NoError(t, n.CreateCluster())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := n.Propose(ctx, []byte("test"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Term)
	require.Equal(t, uint64(1), res.Sequence)
	require.Len(t, res.Participants, 1)
	require.Equal(t, n.ID(), res.Participants[0])

	state := n.ConsensusState()
	require.Equal(t, uint64(1), state.CommitIndex)
	require.Equal(t, "leader", state.Role)

	applied := n.AppliedValues()
	require.Len(t, applied, 1)
	require.Equal(t, []byte("test"), applied[0].Data)
}

func TestProposeWithoutClusterFails(t *testing.T) {
	n := newTestNode(t, testParams())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := n.Propose(ctx, []byte("orphan"))
	require.Error(t, err)
}

func TestTwoNodeJoin(t *testing.T) {
	a := newTestNode(t, testParams())
	require.NoError(t, a.CreateCluster())

	b := newTestNode(t, testParams())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.JoinCluster(ctx, []string{a.Info().Address}))

	// The founder learns of the joiner through the discovery exchange;
	// reflect it in the authoritative membership explicitly.
	require.NoError(t, a.AddMember(b.Info()))

	require.Eventually(t, func() bool {
		info := a.GetClusterInfo()
		return len(info.Members) == 2 && info.Health == types.HealthHealthy
	}, 5*time.Second, 50*time.Millisecond)

	// Both sides agree on the cluster identity.
	require.Equal(t, a.GetClusterInfo().ClusterID, b.GetClusterInfo().ClusterID)
}

func TestSpawnAndSendActor(t *testing.T) {
	n := newTestNode(t, testParams())
	require.NoError(t, n.CreateCluster())
	n.Actors().RegisterBehavior("echo", func([]byte) (actor.Actor, error) { return &echoActor{}, nil })

	ref, err := n.SpawnActor("echo", nil)
	require.NoError(t, err)
	require.Equal(t, n.ID(), ref.NodeID)

	resp, err := n.SendRemote(context.Background(), ref.ActorID, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), resp)

	loc, err := n.ActorLocation(ref.ActorID)
	require.NoError(t, err)
	require.Equal(t, n.ID(), loc.NodeID)
}

func TestMigrateActorBetweenNodes(t *testing.T) {
	a := newTestNode(t, testParams())
	require.NoError(t, a.CreateCluster())
	b := newTestNode(t, testParams())

	for _, n := range []*Node{a, b} {
		n.Actors().RegisterBehavior("echo", func([]byte) (actor.Actor, error) { return &echoActor{}, nil })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.JoinCluster(ctx, []string{a.Info().Address}))

	ref, err := a.SpawnActor("echo", nil)
	require.NoError(t, err)
	_, err = a.SendRemote(ctx, ref.ActorID, []byte("warm"))
	require.NoError(t, err)

	require.NoError(t, a.MigrateActor(ctx, ref.ActorID, b.ID()))

	// Migration exclusivity: B hosts, A forwards.
	require.True(t, b.Actors().IsLocal(ref.ActorID))
	loc, err := a.ActorLocation(ref.ActorID)
	require.NoError(t, err)
	require.Equal(t, b.ID(), loc.NodeID)

	// A send through A still reaches the migrated actor.
	_, err = a.SendRemote(ctx, ref.ActorID, []byte("after-move"))
	require.NoError(t, err)
}

func TestStopResolvesCleanly(t *testing.T) {
	n := newTestNode(t, testParams())
	require.NoError(t, n.CreateCluster())
	require.NoError(t, n.Stop())
	// Stop is idempotent.
	require.NoError(t, n.Stop())
}

func TestInvalidConfigRejected(t *testing.T) {
	p := testParams()
	p.HeartbeatInterval = p.ElectionTimeoutMin * 2
	_, err := New(p, nil)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.ProtocolError, kind)
}
