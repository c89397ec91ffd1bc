// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package raft

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

type fakeSender struct {
	mu   sync.Mutex
	onSend func(peer ids.NodeID, msg wire.ConsensusMessage)
}

func (f *fakeSender) Send(peer ids.NodeID, env wire.Envelope) error {
	c, ok := env.(wire.Consensus)
	if !ok {
		return nil
	}
	f.mu.Lock()
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(peer, c.Message)
	}
	return nil
}

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
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		ProposalTimeout:    time.Second,
	}
}

// TestSingleNodeProposeCommits exercises spec §8's scenario 3: a
// single-node Raft bootstrap reaches term 1 as leader, and a proposed
// value commits at index 1.
func TestSingleNodeProposeCommits(t *testing.T) {
	self := ids.GenerateNodeID()
	applier := &fakeApplier{}
	r := New(self, &fakeSender{}, applier, nil, testConfig())
	membership := types.NewClusterMembership([]ids.NodeID{self})
	require.NoError(t, r.Bootstrap(membership))
	defer r.Stop()

	state := r.GetState()
	require.Equal(t, uint64(1), state.Term)
	require.Equal(t, string(Leader), state.Role)

	value := types.ConsensusValueFromString("test", self, time.Now())
	res, err := r.Propose(context.Background(), value)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Term)
	require.Equal(t, uint64(1), res.Sequence)
	require.Equal(t, []ids.NodeID{self}, res.Participants)

	require.Equal(t, uint64(1), r.GetState().CommitIndex)
	require.Len(t, applier.applied, 1)
}

// TestVoteDeniedOnStaleLog exercises spec §8's scenario 4: a follower at
// term 5 with a longer log denies a vote to a candidate whose log is
// less up-to-date, and still bumps its term to the candidate's.
func TestVoteDeniedOnStaleLog(t *testing.T) {
	self := ids.GenerateNodeID()
	candidate := ids.GenerateNodeID()

	var mu sync.Mutex
	var got *wire.RequestVoteResponse
	done := make(chan struct{}, 1)
	sender := &fakeSender{onSend: func(peer ids.NodeID, msg wire.ConsensusMessage) {
		if resp, ok := msg.(wire.RequestVoteResponse); ok {
			mu.Lock()
			got = &resp
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		}
	}}

	r := New(self, sender, &fakeApplier{}, nil, testConfig())
	membership := types.NewClusterMembership([]ids.NodeID{self, candidate})
	require.NoError(t, r.Join(membership))
	defer r.Stop()

	// Force the replica's log/term state directly to match the scenario:
	// term 5, last_log_index 10, last_log_term 4.
	r.mu.Lock()
	r.currentTerm = 5
	for i := uint64(1); i <= 10; i++ {
		term := uint64(4)
		r.entries = append(r.entries, types.LogEntry{Index: i, Term: term, Value: types.ConsensusValue{}})
	}
	r.mu.Unlock()

	err := r.handleRequestVote(candidate, wire.RequestVote{
		Term: 6, CandidateID: candidate, LastLogIndex: 3, LastLogTerm: 3,
	})
	require.NoError(t, err)

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, uint64(6), got.Term)
	require.False(t, got.VoteGranted)
	require.Equal(t, uint64(6), r.GetState().Term)
}

// TestProposeOnFollowerRejected confirms a non-leader rejects Propose
// with NotLeader.
func TestProposeOnFollowerRejected(t *testing.T) {
	self := ids.GenerateNodeID()
	r := New(self, &fakeSender{}, &fakeApplier{}, nil, testConfig())
	require.NoError(t, r.Join(types.NewClusterMembership([]ids.NodeID{self, ids.GenerateNodeID()})))
	defer r.Stop()

	_, err := r.Propose(context.Background(), types.ConsensusValueFromString("x", self, time.Now()))
	require.Error(t, err)
}
