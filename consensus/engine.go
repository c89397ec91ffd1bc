// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements the algorithm dispatcher of spec §4.6: a
// node is constructed with a choice of algorithm and every operation is
// forwarded to whichever engine is selected. Per the spec's design note
// ("do not use open polymorphism for this — the set is closed"), Engine
// is a tagged variant over the two concrete engines rather than an
// interface-satisfying family: each method switches on which pointer is
// non-nil and forwards.
package consensus

import (
	"context"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/config"
	"github.com/revskill10/ream-sub002/consensus/common"
	"github.com/revskill10/ream-sub002/consensus/pbft"
	"github.com/revskill10/ream-sub002/consensus/raft"
	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// Engine selects and forwards to exactly one of the two concrete
// consensus algorithms.
type Engine struct {
	algorithm config.Algorithm
	raft      *raft.Raft
	pbft      *pbft.PBFT
}

// New constructs an Engine running alg, wiring the shared Sender and
// Applier into whichever concrete engine is selected.
func New(alg config.Algorithm, self ids.NodeID, sender common.Sender, applier common.Applier, logger log.Logger, params config.Parameters) (*Engine, error) {
	e := &Engine{algorithm: alg}
	switch alg {
	case config.Raft:
		e.raft = raft.New(self, sender, applier, logger, raft.Config{
			ElectionTimeoutMin: params.ElectionTimeoutMin,
			ElectionTimeoutMax: params.ElectionTimeoutMax,
			HeartbeatInterval:  params.HeartbeatInterval,
			ProposalTimeout:    params.ProposalTimeout,
		})
	case config.PBFT:
		e.pbft = pbft.New(self, sender, applier, logger, pbft.Config{
			ProposalTimeout:   params.ProposalTimeout,
			ViewChangeTimeout: params.ElectionTimeoutMax * 4,
		})
	default:
		return nil, errs.New(errs.ProtocolError, "unsupported consensus algorithm: "+string(alg))
	}
	return e, nil
}

// Algorithm reports which concrete algorithm this Engine runs.
func (e *Engine) Algorithm() config.Algorithm { return e.algorithm }

// Bootstrap forwards to the selected engine's Bootstrap, per spec §4.12's
// create_cluster ordering (consensus initialized as leader/primary first).
func (e *Engine) Bootstrap(membership types.ClusterMembership) error {
	switch {
	case e.raft != nil:
		return e.raft.Bootstrap(membership)
	case e.pbft != nil:
		return e.pbft.Bootstrap(membership)
	default:
		return errs.New(errs.ProtocolError, "consensus engine not initialized")
	}
}

// Join forwards to the selected engine's Join, per spec §4.12's
// join_cluster ordering.
func (e *Engine) Join(membership types.ClusterMembership) error {
	switch {
	case e.raft != nil:
		return e.raft.Join(membership)
	case e.pbft != nil:
		return e.pbft.Join(membership)
	default:
		return errs.New(errs.ProtocolError, "consensus engine not initialized")
	}
}

// Stop forwards to the selected engine's Stop.
func (e *Engine) Stop() error {
	switch {
	case e.raft != nil:
		return e.raft.Stop()
	case e.pbft != nil:
		return e.pbft.Stop()
	default:
		return nil
	}
}

// Propose forwards a value to the selected engine.
func (e *Engine) Propose(ctx context.Context, value types.ConsensusValue) (common.Result, error) {
	switch {
	case e.raft != nil:
		return e.raft.Propose(ctx, value)
	case e.pbft != nil:
		return e.pbft.Propose(ctx, value)
	default:
		return common.Result{}, errs.New(errs.ProtocolError, "consensus engine not initialized")
	}
}

// HandleMessage routes one inbound wire.Consensus payload to the
// selected engine, silently ignoring sub-messages belonging to the
// algorithm not currently selected (e.g. a stray PBFT message while
// running Raft).
func (e *Engine) HandleMessage(from ids.NodeID, msg wire.ConsensusMessage) error {
	switch {
	case e.raft != nil:
		if !isRaftMessage(msg) {
			return nil
		}
		return e.raft.HandleMessage(from, msg)
	case e.pbft != nil:
		if !isPBFTMessage(msg) {
			return nil
		}
		return e.pbft.HandleMessage(from, msg)
	default:
		return errs.New(errs.ProtocolError, "consensus engine not initialized")
	}
}

func isRaftMessage(msg wire.ConsensusMessage) bool {
	switch msg.(type) {
	case wire.RequestVote, wire.RequestVoteResponse, wire.AppendEntries, wire.AppendEntriesResponse:
		return true
	default:
		return false
	}
}

func isPBFTMessage(msg wire.ConsensusMessage) bool {
	switch msg.(type) {
	case wire.PrePrepare, wire.Prepare, wire.Commit, wire.ViewChange, wire.NewView:
		return true
	default:
		return false
	}
}

// GetState forwards to the selected engine.
func (e *Engine) GetState() common.State {
	switch {
	case e.raft != nil:
		return e.raft.GetState()
	case e.pbft != nil:
		return e.pbft.GetState()
	default:
		return common.State{}
	}
}

// GetStats forwards to the selected engine.
func (e *Engine) GetStats() common.Stats {
	switch {
	case e.raft != nil:
		return e.raft.GetStats()
	case e.pbft != nil:
		return e.pbft.GetStats()
	default:
		return common.Stats{}
	}
}
