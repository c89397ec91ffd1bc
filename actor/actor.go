// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package actor implements the distributed actor registry of spec §4.9:
// every ActorID maps to exactly one of a locally-hosted, supervised
// actor instance or a remote reference, and migration hands ownership
// between nodes without ever letting two nodes consider the same actor
// local.
package actor

import (
	"context"

	"github.com/revskill10/ream-sub002/ids"
)

// Actor is the callable trait the core consumes from the scripting
// surface (spec §1): handle one message at a time, serialize state,
// restore state. The core never looks inside an implementation.
type Actor interface {
	// Receive processes one message and optionally produces a reply
	// payload. The registry guarantees at most one Receive is in flight
	// per actor.
	Receive(ctx context.Context, payload []byte) ([]byte, error)

	// SnapshotState serializes the actor's current state for migration
	// or restart.
	SnapshotState() ([]byte, error)

	// RestoreState replaces the actor's state with a previously
	// serialized snapshot.
	RestoreState(state []byte) error
}

// Factory constructs a fresh Actor for a behavior name. InitArgs are the
// opaque constructor arguments carried by a Spawn message.
type Factory func(initArgs []byte) (Actor, error)

// Ref is the cheap, freely-cloned handle to an actor wherever it lives.
type Ref struct {
	ActorID   ids.ActorID
	NodeID    ids.NodeID
	ActorType string
}

// Forwarder delivers a payload to an actor hosted on another node; the
// Node wires this to the network layer at the single call site rather
// than the registry holding a network handle (spec §9's back-reference
// rule).
type Forwarder func(ref Ref, payload []byte) error
