// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/actor"
	"github.com/revskill10/ream-sub002/config"
	"github.com/revskill10/ream-sub002/node"
)

func newBoundNode(t *testing.T) *Bindings {
	t.Helper()
	p := config.LocalParams
	p.BindAddress = "127.0.0.1:0"
	n, err := node.New(p, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	n.Actors().RegisterBehavior("echo", func([]byte) (actor.Actor, error) { return &scriptEcho{}, nil })
	return NewBindings(n)
}

type scriptEcho struct{}

func (scriptEcho) Receive(_ context.Context, p []byte) ([]byte, error) { return p, nil }
func (scriptEcho) SnapshotState() ([]byte, error)                      { return nil, nil }
func (scriptEcho) RestoreState([]byte) error                           { return nil }

func TestValueRendering(t *testing.T) {
	v := Map(map[string]Value{
		"b": Bool(true),
		"a": Int(7),
		"l": List(String("x"), Float(1.5), Null()),
	})
	// Sorted keys keep output stable.
	require.Equal(t, `{a:7 b:true l:("x" 1.5 null)}`, v.String())
}

func TestValueKindChecks(t *testing.T) {
	_, err := Int(1).AsString()
	require.Error(t, err)

	n, err := Float(4).AsInt()
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	_, err = Float(4.5).AsInt()
	require.Error(t, err)
}

func TestCreateClusterAndInfoPrimitives(t *testing.T) {
	b := newBoundNode(t)
	ctx := context.Background()

	out, err := b.Call(ctx, "create-cluster", nil)
	require.NoError(t, err)
	require.Equal(t, Bool(true), out)

	info, err := b.Call(ctx, "cluster-info", nil)
	require.NoError(t, err)
	m, err := info.AsMap()
	require.NoError(t, err)
	require.Equal(t, int64(1), m["member-count"].Int)
	require.Equal(t, "healthy", m["health"].Str)
	require.False(t, m["leader"].IsNull())

	members, err := b.Call(ctx, "cluster-members", nil)
	require.NoError(t, err)
	list, err := members.AsList()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSpawnSendLocatePrimitives(t *testing.T) {
	b := newBoundNode(t)
	ctx := context.Background()
	_, err := b.Call(ctx, "create-cluster", nil)
	require.NoError(t, err)

	spawned, err := b.Call(ctx, "spawn-actor", []Value{String("echo")})
	require.NoError(t, err)
	ref, err := spawned.AsMap()
	require.NoError(t, err)
	actorID := ref["actor-id"].Str

	resp, err := b.Call(ctx, "send-remote", []Value{String(actorID), String("hello")})
	require.NoError(t, err)
	require.Equal(t, String("hello"), resp)

	loc, err := b.Call(ctx, "actor-location", []Value{String(actorID)})
	require.NoError(t, err)
	locMap, err := loc.AsMap()
	require.NoError(t, err)
	require.True(t, locMap["local"].Bool)
}

func TestProposeAndConsensusStatePrimitives(t *testing.T) {
	b := newBoundNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := b.Call(ctx, "create-cluster", nil)
	require.NoError(t, err)

	res, err := b.Call(ctx, "propose", []Value{String("decided")})
	require.NoError(t, err)
	m, err := res.AsMap()
	require.NoError(t, err)
	require.Equal(t, int64(1), m["term"].Int)
	require.Equal(t, int64(1), m["sequence"].Int)

	state, err := b.Call(ctx, "consensus-state", nil)
	require.NoError(t, err)
	sm, err := state.AsMap()
	require.NoError(t, err)
	require.Equal(t, "raft", sm["algorithm"].Str)
	require.Equal(t, "leader", sm["role"].Str)
	require.Equal(t, int64(1), sm["commit-index"].Int)
}

func TestUnknownPrimitiveAndArity(t *testing.T) {
	b := newBoundNode(t)
	ctx := context.Background()

	_, err := b.Call(ctx, "no-such-thing", nil)
	require.Error(t, err)

	_, err = b.Call(ctx, "node-health", []Value{Int(1)})
	require.Error(t, err)

	health, err := b.Call(ctx, "node-health", nil)
	require.NoError(t, err)
	require.Equal(t, String("healthy"), health)
}
