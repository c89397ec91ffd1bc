// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package migration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/actor"
	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/wire"
)

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		name    string
		phase   Phase
		event   Event
		want    Phase
		actions []Action
	}{
		{"accept moves to in_progress", Preparing, EventAckAccepted, InProgress, []Action{ActionPauseAndSend}},
		{"refusal fails preparing", Preparing, EventAckRefused, Failed, []Action{ActionAbandonRequest}},
		{"timeout fails preparing", Preparing, EventTimeout, Failed, []Action{ActionAbandonRequest}},
		{"state ack completes", InProgress, EventStateAcked, Completed, []Action{ActionComplete}},
		{"timeout mid-transfer rolls back", InProgress, EventTimeout, Failed, []Action{ActionRollback}},
		{"dead target mid-transfer rolls back", InProgress, EventTargetDead, Failed, []Action{ActionRollback}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			phase, actions := Step(tc.phase, tc.event)
			require.Equal(t, tc.want, phase)
			require.Equal(t, tc.actions, actions)
		})
	}
}

// stashActor remembers every payload; state is the JSON of all seen
// payloads so transfer fidelity is observable.
type stashActor struct {
	seen []string
}

func (s *stashActor) Receive(_ context.Context, payload []byte) ([]byte, error) {
	s.seen = append(s.seen, string(payload))
	return []byte("ok"), nil
}

func (s *stashActor) SnapshotState() ([]byte, error) { return json.Marshal(s.seen) }
func (s *stashActor) RestoreState(b []byte) error    { return json.Unmarshal(b, &s.seen) }

// testPeer is one in-process node: an actor registry plus a migration
// manager, with sends routed straight into the other peer's handler.
type testPeer struct {
	id      ids.NodeID
	actors  *actor.Registry
	manager *Manager
}

// wireUp connects two peers through loopback senders, mirroring the
// fakeSender pattern of the dht tests.
func wireUp(t *testing.T) (*testPeer, *testPeer) {
	t.Helper()
	a := &testPeer{id: ids.GenerateNodeID()}
	b := &testPeer{id: ids.GenerateNodeID()}
	for _, p := range []*testPeer{a, b} {
		p.actors = actor.NewRegistry(p.id, 0, nil)
		p.actors.RegisterBehavior("stash", func([]byte) (actor.Actor, error) { return &stashActor{}, nil })
		t.Cleanup(p.actors.Stop)
	}

	route := func(to *testPeer) senderFunc {
		return func(peer ids.NodeID, env wire.Envelope) error {
			require.Equal(t, to.id, peer)
			am, ok := env.(wire.Actor)
			if !ok {
				return nil
			}
			return to.manager.HandleMessage(peerOf(to, a, b), am.Message)
		}
	}
	a.manager = NewManager(a.id, a.actors, route(b), nil, Config{Timeout: time.Second})
	b.manager = NewManager(b.id, b.actors, route(a), nil, Config{Timeout: time.Second})
	t.Cleanup(a.manager.Stop)
	t.Cleanup(b.manager.Stop)
	return a, b
}

// peerOf returns the id of the peer that is not `to`.
func peerOf(to, a, b *testPeer) ids.NodeID {
	if to == a {
		return b.id
	}
	return a.id
}

type senderFunc func(peer ids.NodeID, env wire.Envelope) error

func (f senderFunc) Send(peer ids.NodeID, env wire.Envelope) error { return f(peer, env) }

func TestMigrateHandsOffExclusively(t *testing.T) {
	src, dst := wireUp(t)

	ref, err := src.actors.SpawnLocal("stash", nil)
	require.NoError(t, err)
	_, err = src.actors.Tell(context.Background(), ref.ActorID, []byte("before"))
	require.NoError(t, err)

	require.NoError(t, src.manager.Migrate(context.Background(), ref.ActorID, dst.id))

	// Exclusivity: the actor is local on exactly one node, and the
	// source's entry now points at the destination.
	require.False(t, src.actors.IsLocal(ref.ActorID))
	require.True(t, dst.actors.IsLocal(ref.ActorID))
	moved, ok := src.actors.Get(ref.ActorID)
	require.True(t, ok)
	require.Equal(t, dst.id, moved.NodeID)

	// Transferred state survived: the destination instance remembers the
	// pre-migration message.
	resp, err := dst.actors.Tell(context.Background(), ref.ActorID, []byte("after"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp)
	state, err := dst.actors.PauseAndSnapshot(ref.ActorID)
	require.NoError(t, err)
	var seen []string
	require.NoError(t, json.Unmarshal(state, &seen))
	require.Equal(t, []string{"before", "after"}, seen)
}

func TestMigrateRefusedForUnknownBehavior(t *testing.T) {
	src, dst := wireUp(t)

	src.actors.RegisterBehavior("exotic", func([]byte) (actor.Actor, error) { return &stashActor{}, nil })
	ref, err := src.actors.SpawnLocal("exotic", nil)
	require.NoError(t, err)

	err = src.manager.Migrate(context.Background(), ref.ActorID, dst.id)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.PreparationFailed, kind)

	// Rollback: the source still hosts and serves the actor.
	require.True(t, src.actors.IsLocal(ref.ActorID))
	_, err = src.actors.Tell(context.Background(), ref.ActorID, []byte("still here"))
	require.NoError(t, err)
}

func TestMigrateTimesOutAndRollsBack(t *testing.T) {
	src := &testPeer{id: ids.GenerateNodeID()}
	src.actors = actor.NewRegistry(src.id, 0, nil)
	src.actors.RegisterBehavior("stash", func([]byte) (actor.Actor, error) { return &stashActor{}, nil })
	t.Cleanup(src.actors.Stop)

	// A black hole target: sends succeed but nothing ever answers.
	silent := senderFunc(func(ids.NodeID, wire.Envelope) error { return nil })
	src.manager = NewManager(src.id, src.actors, silent, nil, Config{Timeout: 50 * time.Millisecond})
	t.Cleanup(src.manager.Stop)

	ref, err := src.actors.SpawnLocal("stash", nil)
	require.NoError(t, err)

	err = src.manager.Migrate(context.Background(), ref.ActorID, ids.GenerateNodeID())
	require.Error(t, err)

	// Source remains authoritative and live.
	require.True(t, src.actors.IsLocal(ref.ActorID))
	_, err = src.actors.Tell(context.Background(), ref.ActorID, []byte("alive"))
	require.NoError(t, err)
}

func TestMigrateRejectsNonLocalActor(t *testing.T) {
	src, dst := wireUp(t)
	remote := actor.Ref{ActorID: ids.GenerateActorID(), NodeID: dst.id, ActorType: "stash"}
	require.NoError(t, src.actors.RegisterRemote(remote))

	err := src.manager.Migrate(context.Background(), remote.ActorID, dst.id)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.PreparationFailed, kind)
}
