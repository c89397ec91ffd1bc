// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package common holds the algebra shared by both consensus engines
// (Raft and PBFT): the capabilities each needs from its surroundings
// (Sender, Applier), and the result/state/stats shapes the dispatcher of
// spec §4.6 exposes uniformly regardless of which algorithm produced
// them. Modeled on the teacher's consensus/types package, which plays
// the same "shared vocabulary between engines" role for Snowman-family
// consensus.
package common

import (
	"time"

	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// Sender is the narrow send capability an engine needs from the network
// layer; satisfied by *network.Registry without either engine importing
// it directly (the same pattern dht.Sender uses).
type Sender interface {
	Send(peer ids.NodeID, env wire.Envelope) error
}

// Applier is the state machine a decided value is delivered to, in
// commit order.
type Applier interface {
	Apply(value types.ConsensusValue) error
}

// Result is returned to a Propose caller once its value has been
// decided: Sequence is the Raft log index or the PBFT sequence number,
// whichever the underlying engine produced.
type Result struct {
	Term         uint64
	Sequence     uint64
	Participants []ids.NodeID
	Value        types.ConsensusValue
}

// Stats is the uniform statistics surface of spec §4.6, collected by
// whichever algorithm is active.
type Stats struct {
	ProposalsSubmitted uint64
	DecisionsMade      uint64
	ConsensusFailures  uint64
	ViewChanges        uint64
	LeaderElections    uint64
	AverageLatencyMs   float64
}

// State is a point-in-time snapshot of an engine's role and progress,
// returned by get_state.
type State struct {
	Algorithm   string
	Term        uint64 // Raft term, or PBFT view
	Role        string
	Leader      *ids.NodeID // Raft leader, or PBFT primary
	CommitIndex uint64      // Raft commit index, or PBFT last-executed seq
}

// LatencyTracker accumulates a running mean of propose-to-decide
// latencies without keeping every sample, matching the teacher's
// preference for O(1) running gatherers over Prometheus summaries.
type LatencyTracker struct {
	count uint64
	mean  float64
}

// Observe folds one more sample into the running mean.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.count++
	ms := float64(d.Milliseconds())
	l.mean += (ms - l.mean) / float64(l.count)
}

// Mean returns the current running mean in milliseconds.
func (l *LatencyTracker) Mean() float64 { return l.mean }
