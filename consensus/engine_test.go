// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/config"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

type fakeSender struct{}

func (fakeSender) Send(ids.NodeID, wire.Envelope) error { return nil }

type fakeApplier struct{}

func (fakeApplier) Apply(types.ConsensusValue) error { return nil }

func testParams() config.Parameters {
	p := config.Default()
	p.ElectionTimeoutMin = 150 * time.Millisecond
	p.ElectionTimeoutMax = 300 * time.Millisecond
	p.HeartbeatInterval = 20 * time.Millisecond
	p.ProposalTimeout = time.Second
	return p
}

func TestEngineDispatchesToRaft(t *testing.T) {
	self := ids.GenerateNodeID()
	e, err := New(config.Raft, self, fakeSender{}, fakeApplier{}, nil, testParams())
	require.NoError(t, err)
	require.NoError(t, e.Bootstrap(types.NewClusterMembership([]ids.NodeID{self})))
	defer e.Stop()

	res, err := e.Propose(context.Background(), types.ConsensusValueFromString("x", self, time.Now()))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Sequence)
	require.Equal(t, config.Raft, e.Algorithm())
}

func TestEngineRejectsUnknownAlgorithm(t *testing.T) {
	self := ids.GenerateNodeID()
	_, err := New(config.Custom, self, fakeSender{}, fakeApplier{}, nil, testParams())
	require.Error(t, err)
}
