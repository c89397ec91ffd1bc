// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
)

// counterActor counts messages; state is the JSON-encoded count.
type counterActor struct {
	mu    sync.Mutex
	count int
	panic bool
}

func (c *counterActor) Receive(_ context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panic && string(payload) == "boom" {
		panic("counter exploded")
	}
	c.count++
	return []byte{byte(c.count)}, nil
}

func (c *counterActor) SnapshotState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(c.count)
}

func (c *counterActor) RestoreState(state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Unmarshal(state, &c.count)
}

func counterFactory(panicOnBoom bool) Factory {
	return func([]byte) (Actor, error) {
		return &counterActor{panic: panicOnBoom}, nil
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(ids.GenerateNodeID(), 0, nil)
	t.Cleanup(r.Stop)
	r.RegisterBehavior("counter", counterFactory(false))
	r.RegisterBehavior("fragile", counterFactory(true))
	return r
}

func TestSpawnAndTellLocal(t *testing.T) {
	r := newTestRegistry(t)

	ref, err := r.SpawnLocal("counter", nil)
	require.NoError(t, err)
	require.True(t, r.IsLocal(ref.ActorID))

	resp, err := r.Tell(context.Background(), ref.ActorID, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, resp)

	resp, err = r.Tell(context.Background(), ref.ActorID, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, []byte{2}, resp)
}

func TestSpawnUnknownBehavior(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.SpawnLocal("nonsense", nil)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.SpawnFailed, kind)
}

func TestRemoteRefConflictsWithLocal(t *testing.T) {
	r := newTestRegistry(t)
	ref, err := r.SpawnLocal("counter", nil)
	require.NoError(t, err)

	err = r.RegisterRemote(Ref{ActorID: ref.ActorID, NodeID: ids.GenerateNodeID(), ActorType: "counter"})
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.InvalidActorRef, kind)
}

func TestTellRemoteUsesForwarder(t *testing.T) {
	r := newTestRegistry(t)
	remote := Ref{ActorID: ids.GenerateActorID(), NodeID: ids.GenerateNodeID(), ActorType: "counter"}
	require.NoError(t, r.RegisterRemote(remote))

	var forwarded []byte
	r.SetForwarder(func(ref Ref, payload []byte) error {
		require.Equal(t, remote, ref)
		forwarded = payload
		return nil
	})

	_, err := r.Tell(context.Background(), remote.ActorID, []byte("routed"))
	require.NoError(t, err)
	require.Equal(t, []byte("routed"), forwarded)
}

func TestRemoveDeregistersBothMaps(t *testing.T) {
	r := newTestRegistry(t)
	ref, err := r.SpawnLocal("counter", nil)
	require.NoError(t, err)

	r.Remove(ref.ActorID)
	_, ok := r.Get(ref.ActorID)
	require.False(t, ok)

	_, err = r.Tell(context.Background(), ref.ActorID, []byte("x"))
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.ActorNotFound, kind)
}

func TestSupervisorRestartsFromSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	ref, err := r.SpawnLocal("fragile", nil)
	require.NoError(t, err)

	// Build up state, then panic once; the restarted instance must keep
	// the count from the last good snapshot.
	_, err = r.Tell(context.Background(), ref.ActorID, []byte("a"))
	require.NoError(t, err)
	_, err = r.Tell(context.Background(), ref.ActorID, []byte("b"))
	require.NoError(t, err)

	_, err = r.Tell(context.Background(), ref.ActorID, []byte("boom"))
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.SupervisionFailed, kind)

	resp, err := r.Tell(context.Background(), ref.ActorID, []byte("c"))
	require.NoError(t, err)
	require.Equal(t, []byte{3}, resp)
}

func TestSupervisorMarksDeadAfterRestartBudget(t *testing.T) {
	r := newTestRegistry(t)
	ref, err := r.SpawnLocal("fragile", nil)
	require.NoError(t, err)

	for i := 0; i < defaultMaxRestarts+1; i++ {
		_, err = r.Tell(context.Background(), ref.ActorID, []byte("boom"))
		require.Error(t, err)
	}

	_, err = r.Tell(context.Background(), ref.ActorID, []byte("x"))
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.RestartFailed, kind)
}

func TestPauseBuffersAndMarkRemoteDrains(t *testing.T) {
	r := newTestRegistry(t)
	ref, err := r.SpawnLocal("counter", nil)
	require.NoError(t, err)

	_, err = r.Tell(context.Background(), ref.ActorID, []byte("one"))
	require.NoError(t, err)

	state, err := r.PauseAndSnapshot(ref.ActorID)
	require.NoError(t, err)
	require.Equal(t, "1", string(state))

	// A send while paused parks in the mailbox.
	sendDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := r.Tell(ctx, ref.ActorID, []byte("buffered"))
		sendDone <- err
	}()

	// Give the parked send time to land in the mailbox before hand-off.
	time.Sleep(100 * time.Millisecond)

	target := ids.GenerateNodeID()
	buffered, err := r.MarkRemote(ref.ActorID, target)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("buffered")}, buffered)

	// Locality flipped: the registry now reports a remote ref at target.
	require.False(t, r.IsLocal(ref.ActorID))
	got, ok := r.Get(ref.ActorID)
	require.True(t, ok)
	require.Equal(t, target, got.NodeID)

	require.Error(t, <-sendDone)
}

func TestSpeculativePromoteMakesLocal(t *testing.T) {
	r := newTestRegistry(t)
	ref := Ref{ActorID: ids.GenerateActorID(), NodeID: ids.GenerateNodeID(), ActorType: "counter"}

	require.NoError(t, r.InstallSpeculative(ref, []byte("5")))
	// Not yet live: nothing routable.
	require.False(t, r.IsLocal(ref.ActorID))

	require.NoError(t, r.Promote(ref.ActorID))
	require.True(t, r.IsLocal(ref.ActorID))

	resp, err := r.Tell(context.Background(), ref.ActorID, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte{6}, resp)
}

func TestDiscardSpeculativeLeavesNothing(t *testing.T) {
	r := newTestRegistry(t)
	ref := Ref{ActorID: ids.GenerateActorID(), NodeID: ids.GenerateNodeID(), ActorType: "counter"}

	require.NoError(t, r.InstallSpeculative(ref, []byte("7")))
	r.DiscardSpeculative(ref.ActorID)

	err := r.Promote(ref.ActorID)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.InvalidState, kind)
}
