// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package script

import (
	"context"
	"fmt"
	"time"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/node"
	"github.com/revskill10/ream-sub002/types"
)

// Builtin is one primitive call exposed to the interpreter.
type Builtin func(ctx context.Context, args []Value) (Value, error)

// Bindings is the fixed table of primitive calls of spec §6, each
// wrapping one Node API operation behind the tagged value surface.
type Bindings struct {
	node     *node.Node
	builtins map[string]Builtin
}

// NewBindings builds the binding table over n.
func NewBindings(n *node.Node) *Bindings {
	b := &Bindings{node: n}
	b.builtins = map[string]Builtin{
		"create-cluster":  b.createCluster,
		"join-cluster":    b.joinCluster,
		"leave-cluster":   b.leaveCluster,
		"cluster-info":    b.clusterInfo,
		"cluster-members": b.clusterMembers,
		"spawn-actor":     b.spawnActor,
		"migrate-actor":   b.migrateActor,
		"send-remote":     b.sendRemote,
		"actor-location":  b.actorLocation,
		"node-info":       b.nodeInfo,
		"node-health":     b.nodeHealth,
		"discover-nodes":  b.discoverNodes,
		"propose":         b.propose,
		"consensus-state": b.consensusState,
	}
	return b
}

// Names lists the available primitives in no particular order.
func (b *Bindings) Names() []string {
	out := make([]string, 0, len(b.builtins))
	for name := range b.builtins {
		out = append(out, name)
	}
	return out
}

// Call invokes a primitive by name.
func (b *Bindings) Call(ctx context.Context, name string, args []Value) (Value, error) {
	fn, ok := b.builtins[name]
	if !ok {
		return Null(), fmt.Errorf("unknown primitive %q", name)
	}
	return fn(ctx, args)
}

func arity(args []Value, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return fmt.Errorf("expected between %d and %d arguments, got %d", min, max, len(args))
	}
	return nil
}

func (b *Bindings) createCluster(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 0); err != nil {
		return Null(), err
	}
	if err := b.node.CreateCluster(); err != nil {
		return Null(), err
	}
	return Bool(true), nil
}

func (b *Bindings) joinCluster(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 1, 1); err != nil {
		return Null(), err
	}
	list, err := args[0].AsList()
	if err != nil {
		return Null(), err
	}
	addrs := make([]string, 0, len(list))
	for _, item := range list {
		addr, err := item.AsString()
		if err != nil {
			return Null(), err
		}
		addrs = append(addrs, addr)
	}
	if err := b.node.JoinCluster(ctx, addrs); err != nil {
		return Null(), err
	}
	return Bool(true), nil
}

func (b *Bindings) leaveCluster(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 0); err != nil {
		return Null(), err
	}
	if err := b.node.LeaveCluster(); err != nil {
		return Null(), err
	}
	return Bool(true), nil
}

func clusterInfoValue(info types.ClusterInfo) Value {
	leader := Null()
	if info.Leader != nil {
		leader = String(info.Leader.String())
	}
	members := make([]Value, 0, len(info.Members))
	for _, m := range info.Members {
		members = append(members, nodeInfoValue(m))
	}
	return Map(map[string]Value{
		"cluster-id":   String(info.ClusterID),
		"member-count": Int(int64(len(info.Members))),
		"members":      List(members...),
		"leader":       leader,
		"health":       String(string(info.Health)),
		"formed-at":    Int(info.FormedAt.UnixMilli()),
	})
}

func nodeInfoValue(info types.NodeInfo) Value {
	return Map(map[string]Value{
		"node-id":   String(info.NodeID.String()),
		"address":   String(info.Address),
		"node-type": String(string(info.Capabilities.NodeType)),
		"last-seen": Int(info.LastSeen.UnixMilli()),
		"version":   String(info.Version),
	})
}

func (b *Bindings) clusterInfo(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 0); err != nil {
		return Null(), err
	}
	return clusterInfoValue(b.node.GetClusterInfo()), nil
}

func (b *Bindings) clusterMembers(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 0); err != nil {
		return Null(), err
	}
	members := b.node.Members()
	out := make([]Value, 0, len(members))
	for _, m := range members {
		out = append(out, nodeInfoValue(m))
	}
	return List(out...), nil
}

func (b *Bindings) spawnActor(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 1, 2); err != nil {
		return Null(), err
	}
	actorType, err := args[0].AsString()
	if err != nil {
		return Null(), err
	}
	// The optional constraints map is reserved for placement policies;
	// spawn is always local in v1.
	if len(args) == 2 {
		if _, err := args[1].AsMap(); err != nil {
			return Null(), err
		}
	}
	ref, err := b.node.SpawnActor(actorType, nil)
	if err != nil {
		return Null(), err
	}
	return Map(map[string]Value{
		"actor-id":   String(ref.ActorID.String()),
		"node-id":    String(ref.NodeID.String()),
		"actor-type": String(ref.ActorType),
	}), nil
}

func (b *Bindings) migrateActor(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 2, 2); err != nil {
		return Null(), err
	}
	actorStr, err := args[0].AsString()
	if err != nil {
		return Null(), err
	}
	targetStr, err := args[1].AsString()
	if err != nil {
		return Null(), err
	}
	actorID, err := ids.ActorIDFromString(actorStr)
	if err != nil {
		return Null(), errs.Wrap(errs.InvalidActorRef, "parsing actor id", err)
	}
	target, err := ids.NodeIDFromString(targetStr)
	if err != nil {
		return Null(), errs.Wrap(errs.NodeNotFound, "parsing target node id", err)
	}
	if err := b.node.MigrateActor(ctx, actorID, target); err != nil {
		return Null(), err
	}
	return Bool(true), nil
}

func (b *Bindings) sendRemote(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 2, 2); err != nil {
		return Null(), err
	}
	actorStr, err := args[0].AsString()
	if err != nil {
		return Null(), err
	}
	actorID, err := ids.ActorIDFromString(actorStr)
	if err != nil {
		return Null(), errs.Wrap(errs.InvalidActorRef, "parsing actor id", err)
	}
	msg, err := args[1].AsString()
	if err != nil {
		return Null(), err
	}
	resp, err := b.node.SendRemote(ctx, actorID, []byte(msg))
	if err != nil {
		return Null(), err
	}
	if resp == nil {
		return Null(), nil
	}
	return String(string(resp)), nil
}

func (b *Bindings) actorLocation(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 1, 1); err != nil {
		return Null(), err
	}
	actorStr, err := args[0].AsString()
	if err != nil {
		return Null(), err
	}
	actorID, err := ids.ActorIDFromString(actorStr)
	if err != nil {
		return Null(), errs.Wrap(errs.InvalidActorRef, "parsing actor id", err)
	}
	ref, err := b.node.ActorLocation(actorID)
	if err != nil {
		return Null(), err
	}
	return Map(map[string]Value{
		"actor-id":   String(ref.ActorID.String()),
		"node-id":    String(ref.NodeID.String()),
		"actor-type": String(ref.ActorType),
		"local":      Bool(ref.NodeID == b.node.ID()),
	}), nil
}

func (b *Bindings) nodeInfo(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 0); err != nil {
		return Null(), err
	}
	return nodeInfoValue(b.node.Info()), nil
}

func (b *Bindings) nodeHealth(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 0); err != nil {
		return Null(), err
	}
	return String(string(b.node.Health())), nil
}

func (b *Bindings) discoverNodes(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 1); err != nil {
		return Null(), err
	}
	limit := 0
	if len(args) == 1 {
		n, err := args[0].AsInt()
		if err != nil {
			return Null(), err
		}
		limit = int(n)
	}
	found, err := b.node.DiscoverNodes(ctx, limit)
	if err != nil {
		return Null(), err
	}
	out := make([]Value, 0, len(found))
	for _, info := range found {
		out = append(out, nodeInfoValue(info))
	}
	return List(out...), nil
}

func (b *Bindings) propose(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 1, 1); err != nil {
		return Null(), err
	}
	data, err := args[0].AsString()
	if err != nil {
		return Null(), err
	}
	res, err := b.node.Propose(ctx, []byte(data))
	if err != nil {
		return Null(), err
	}
	participants := make([]Value, 0, len(res.Participants))
	for _, p := range res.Participants {
		participants = append(participants, String(p.String()))
	}
	return Map(map[string]Value{
		"term":         Int(int64(res.Term)),
		"sequence":     Int(int64(res.Sequence)),
		"participants": List(participants...),
		"decided-at":   Int(time.Now().UnixMilli()),
	}), nil
}

func (b *Bindings) consensusState(ctx context.Context, args []Value) (Value, error) {
	if err := arity(args, 0, 0); err != nil {
		return Null(), err
	}
	state := b.node.ConsensusState()
	leader := Null()
	if state.Leader != nil {
		leader = String(state.Leader.String())
	}
	return Map(map[string]Value{
		"algorithm":    String(state.Algorithm),
		"term":         Int(int64(state.Term)),
		"role":         String(state.Role),
		"leader":       leader,
		"commit-index": Int(int64(state.CommitIndex)),
	}), nil
}
