// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import "github.com/revskill10/ream-sub002/wire"

// Discovery encodes:
//   !FindNode.?Response.(&join:!JoinReq.?JoinResp.end | &query:!QueryReq.?QueryResp.end)
func Discovery() *Type {
	return Send(KindFindNode, Recv(KindFindNodeResp, Choose(map[string]*Type{
		"join":  Send(KindJoinReq, Recv(KindJoinResp, End)),
		"query": Send(KindQueryReq, Recv(KindQueryResp, End)),
	})))
}

// Migration encodes: !MigReq.?MigAck.!State.?StateAck.!Complete.end
func Migration() *Type {
	return Send(KindMigReq, Recv(KindMigAck, Send(KindState, Recv(KindStateAck, Send(KindComplete, End)))))
}

// Consensus encodes: +propose:!Proposal.?Vote.end | +vote:?Proposal.!Vote.end
func Consensus() *Type {
	return Choose(map[string]*Type{
		"propose": Send(KindProposal, Recv(KindVote, End)),
		"vote":    Recv(KindProposal, Send(KindVote, End)),
	})
}

// Heartbeat encodes: μX.(+continue:!HB.?HBAck.X | +stop:end)
func Heartbeat() *Type {
	return Rec("X", Choose(map[string]*Type{
		"continue": Send(KindHeartbeat, Recv(KindHeartbeatAck, Var("X"))),
		"stop":     End,
	}))
}

// ClassifyEnvelope maps a decoded wire.Envelope to the session Kind that
// governs it, for handlers that validate inbound traffic against a
// Session before dispatching to subsystem logic.
func ClassifyEnvelope(e wire.Envelope) (Kind, bool) {
	switch m := e.(type) {
	case wire.Discovery:
		switch m.Message.(type) {
		case wire.FindNode:
			return KindFindNode, true
		case wire.FindNodeResponse:
			return KindFindNodeResp, true
		case wire.JoinCluster:
			return KindJoinReq, true
		case wire.JoinClusterResponse:
			return KindJoinResp, true
		case wire.Store:
			return KindQueryReq, true
		case wire.StoreResponse:
			return KindQueryResp, true
		}
	case wire.Actor:
		switch m.Message.(type) {
		case wire.MigrationRequest:
			return KindMigReq, true
		case wire.MigrationAck:
			return KindMigAck, true
		case wire.MigrationState:
			return KindState, true
		case wire.MigrationStateAck:
			return KindStateAck, true
		case wire.MigrationComplete:
			return KindComplete, true
		}
	case wire.Consensus:
		switch m.Message.(type) {
		case wire.RequestVote, wire.AppendEntries, wire.PrePrepare:
			return KindProposal, true
		case wire.RequestVoteResponse, wire.AppendEntriesResponse, wire.Prepare, wire.Commit:
			return KindVote, true
		}
	case wire.Cluster:
		switch m.Message.(type) {
		case wire.Heartbeat:
			return KindHeartbeat, true
		}
	}
	return "", false
}
