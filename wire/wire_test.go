// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/ids"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	node := ids.GenerateNodeID()
	cases := []Envelope{
		Ping{Timestamp: 42},
		Pong{Timestamp: 42},
		Handshake{NodeID: node, ProtocolVersion: ProtocolVersion},
		HandshakeAck{NodeID: node, Accepted: true},
		Custom{Data: []byte("hello")},
		Discovery{Message: FindNode{Key: node, Count: 8}},
		Discovery{Message: JoinCluster{Requester: NodeDescriptor{NodeID: node, Address: "127.0.0.1:9000"}}},
		Discovery{Message: Store{Key: node, Value: []byte("replica")}},
		Discovery{Message: StoreResponse{Key: node, Stored: true}},
		Consensus{Message: RequestVote{Term: 3, CandidateID: node, LastLogIndex: 1, LastLogTerm: 2}},
		Consensus{Message: AppendEntries{Term: 3, LeaderID: node, Entries: []WireLogEntry{
			{Index: 1, Term: 1, Value: WireConsensusValue{Proposer: node, Data: []byte("v")}},
		}}},
		Actor{Message: Spawn{ActorID: ids.ActorID(node), BehaviorName: "counter"}},
		Actor{Message: Deliver{TargetActorID: ids.ActorID(node), Payload: []byte("msg")}},
		Cluster{Message: Heartbeat{SenderID: node, SentAtUnixMs: 100, MembershipVersion: 1}},
		Cluster{Message: MembershipUpdate{Version: 2, VotingMembers: []NodeDescriptor{{NodeID: node}}}},
	}

	for _, env := range cases {
		payload, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode(payload)
		require.NoError(t, err)
		require.Equal(t, env.Tag(), decoded.Tag())
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	payload, err := Encode(Ping{Timestamp: 1})
	require.NoError(t, err)

	_, err = Decode(append(payload, 0xff))
	require.Error(t, err)
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0xff})
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	payload, err := Encode(Ping{Timestamp: 7})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, DefaultMaxFrameBytes)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPingFrameExactBytes(t *testing.T) {
	framed, err := EncodeFrame(Ping{Timestamp: 0x0102030405060708})
	require.NoError(t, err)

	// [u32 BE length=9][tag 0][u64 LE timestamp]
	require.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x09,
		0x00,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}, framed)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 128)))

	_, err := ReadFrame(&buf, 64)
	require.Error(t, err)
}

func TestPackerUnpackerVarint(t *testing.T) {
	p := NewPacker(8)
	p.PackVarint(300)
	u := NewUnpacker(p.Bytes)
	require.Equal(t, uint64(300), u.UnpackVarint())
}
