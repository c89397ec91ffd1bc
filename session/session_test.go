// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverySessionHappyPath(t *testing.T) {
	initiator := New("s1", "discovery", true, Discovery())
	require.NoError(t, initiator.Advance(KindFindNode))
	require.NoError(t, initiator.Validate(KindFindNodeResp))
	require.NoError(t, initiator.Select("join"))
	require.NoError(t, initiator.Advance(KindJoinReq))
	require.NoError(t, initiator.Validate(KindJoinResp))
	require.True(t, initiator.IsComplete())
}

func TestSessionViolationFailsPermanently(t *testing.T) {
	s := New("s2", "discovery", true, Discovery())
	err := s.Validate(KindJoinReq) // wrong: session expects a Send first
	require.Error(t, err)
	require.Equal(t, StateFailed, s.Status())

	// once failed, every further call keeps failing
	err = s.Advance(KindFindNode)
	require.Error(t, err)
}

func TestMigrationSessionDual(t *testing.T) {
	source := Migration()
	target := Dual(source)

	src := New("m1", "migration", true, source)
	dst := New("m1", "migration", false, target)

	require.NoError(t, src.Advance(KindMigReq))
	require.NoError(t, dst.Validate(KindMigReq))

	require.NoError(t, dst.Advance(KindMigAck))
	require.NoError(t, src.Validate(KindMigAck))

	require.NoError(t, src.Advance(KindState))
	require.NoError(t, dst.Validate(KindState))

	require.NoError(t, dst.Advance(KindStateAck))
	require.NoError(t, src.Validate(KindStateAck))

	require.NoError(t, src.Advance(KindComplete))
	require.NoError(t, dst.Validate(KindComplete))

	require.True(t, src.IsComplete())
	require.True(t, dst.IsComplete())
}

func TestDualOfDualIsOriginalShape(t *testing.T) {
	original := Consensus()
	twice := Dual(Dual(original))
	require.Equal(t, original.Form, twice.Form)
}

func TestHeartbeatRecursion(t *testing.T) {
	hb := New("h1", "heartbeat", true, Heartbeat())
	for i := 0; i < 3; i++ {
		require.NoError(t, hb.Select("continue"))
		require.NoError(t, hb.Advance(KindHeartbeat))
		require.NoError(t, hb.Validate(KindHeartbeatAck))
		require.False(t, hb.IsComplete())
	}
	require.NoError(t, hb.Select("stop"))
	require.True(t, hb.IsComplete())
}
