// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
)

// ConsensusSubTag selects among the Raft and PBFT wire messages carried
// inside a Consensus envelope. Both algorithms share the envelope so a
// node can run either without a second top-level tag.
type ConsensusSubTag byte

const (
	SubRequestVote          ConsensusSubTag = 0
	SubRequestVoteResponse  ConsensusSubTag = 1
	SubAppendEntries        ConsensusSubTag = 2
	SubAppendEntriesResponse ConsensusSubTag = 3
	SubPrePrepare           ConsensusSubTag = 4
	SubPrepare              ConsensusSubTag = 5
	SubCommit               ConsensusSubTag = 6
	SubViewChange           ConsensusSubTag = 7
	SubNewView              ConsensusSubTag = 8
)

// ConsensusMessage is the inner payload of a Consensus envelope.
type ConsensusMessage interface {
	subTag() ConsensusSubTag
	encodeBody(p *Packer)
}

// Consensus wraps a ConsensusMessage as a top-level Envelope.
type Consensus struct{ Message ConsensusMessage }

func (Consensus) Tag() Tag { return TagConsensus }
func (m Consensus) encodeBody(p *Packer) {
	p.PackByte(byte(m.Message.subTag()))
	m.Message.encodeBody(p)
}

// WireConsensusValue is the §6 wire rendering of types.ConsensusValue:
// {16B id, varint len, bytes, u64 ts_unix_ms, 16B proposer}.
type WireConsensusValue struct {
	ID          [16]byte
	Data        []byte
	TimestampMs uint64
	Proposer    ids.NodeID
}

func (v WireConsensusValue) encode(p *Packer) {
	p.PackFixedBytes(v.ID[:])
	p.PackBytes(v.Data)
	p.PackUint64(v.TimestampMs)
	p.PackFixedBytes(v.Proposer[:])
}

func decodeWireConsensusValue(u *Unpacker) WireConsensusValue {
	var v WireConsensusValue
	copy(v.ID[:], u.UnpackFixedBytes(16))
	v.Data = u.UnpackBytes()
	v.TimestampMs = u.UnpackUint64()
	copy(v.Proposer[:], u.UnpackFixedBytes(ids.Len))
	return v
}

// WireLogEntry is the §6 wire rendering of a replicated log slot:
// {u64 index, u64 term, ConsensusValue, u8 committed, u64 created_at}.
type WireLogEntry struct {
	Index       uint64
	Term        uint64
	Value       WireConsensusValue
	Committed   bool
	CreatedAtMs uint64
}

func (e WireLogEntry) encode(p *Packer) {
	p.PackUint64(e.Index)
	p.PackUint64(e.Term)
	e.Value.encode(p)
	p.PackBool(e.Committed)
	p.PackUint64(e.CreatedAtMs)
}

func decodeWireLogEntry(u *Unpacker) WireLogEntry {
	var e WireLogEntry
	e.Index = u.UnpackUint64()
	e.Term = u.UnpackUint64()
	e.Value = decodeWireConsensusValue(u)
	e.Committed = u.UnpackBool()
	e.CreatedAtMs = u.UnpackUint64()
	return e
}

func packLogEntries(p *Packer, entries []WireLogEntry) {
	p.PackVarint(uint64(len(entries)))
	for _, e := range entries {
		e.encode(p)
	}
}

func unpackLogEntries(u *Unpacker) []WireLogEntry {
	n := u.UnpackVarint()
	out := make([]WireLogEntry, 0, n)
	for i := uint64(0); i < n && u.Err == nil; i++ {
		out = append(out, decodeWireLogEntry(u))
	}
	return out
}

// RequestVote is the Raft candidate's solicitation for a term's vote.
type RequestVote struct {
	Term         uint64
	CandidateID  ids.NodeID
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (RequestVote) subTag() ConsensusSubTag { return SubRequestVote }
func (m RequestVote) encodeBody(p *Packer) {
	p.PackUint64(m.Term)
	p.PackFixedBytes(m.CandidateID[:])
	p.PackUint64(m.LastLogIndex)
	p.PackUint64(m.LastLogTerm)
}

// RequestVoteResponse is a follower's reply to RequestVote.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
	VoterID     ids.NodeID
}

func (RequestVoteResponse) subTag() ConsensusSubTag { return SubRequestVoteResponse }
func (m RequestVoteResponse) encodeBody(p *Packer) {
	p.PackUint64(m.Term)
	p.PackBool(m.VoteGranted)
	p.PackFixedBytes(m.VoterID[:])
}

// AppendEntries is the Raft leader's log-replication / heartbeat RPC.
type AppendEntries struct {
	Term         uint64
	LeaderID     ids.NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []WireLogEntry
	LeaderCommit uint64
}

func (AppendEntries) subTag() ConsensusSubTag { return SubAppendEntries }
func (m AppendEntries) encodeBody(p *Packer) {
	p.PackUint64(m.Term)
	p.PackFixedBytes(m.LeaderID[:])
	p.PackUint64(m.PrevLogIndex)
	p.PackUint64(m.PrevLogTerm)
	packLogEntries(p, m.Entries)
	p.PackUint64(m.LeaderCommit)
}

// AppendEntriesResponse is a follower's reply to AppendEntries.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	FollowerID    ids.NodeID
	MatchIndex    uint64
}

func (AppendEntriesResponse) subTag() ConsensusSubTag { return SubAppendEntriesResponse }
func (m AppendEntriesResponse) encodeBody(p *Packer) {
	p.PackUint64(m.Term)
	p.PackBool(m.Success)
	p.PackFixedBytes(m.FollowerID[:])
	p.PackUint64(m.MatchIndex)
}

// PrePrepare is the PBFT primary's proposal for a given view/sequence.
type PrePrepare struct {
	View           uint64
	SequenceNumber uint64
	Value          WireConsensusValue
	PrimaryID      ids.NodeID
}

func (PrePrepare) subTag() ConsensusSubTag { return SubPrePrepare }
func (m PrePrepare) encodeBody(p *Packer) {
	p.PackUint64(m.View)
	p.PackUint64(m.SequenceNumber)
	m.Value.encode(p)
	p.PackFixedBytes(m.PrimaryID[:])
}

// Prepare is a backup's acknowledgement that it has seen a PrePrepare.
type Prepare struct {
	View           uint64
	SequenceNumber uint64
	ValueID        [16]byte
	ReplicaID      ids.NodeID
}

func (Prepare) subTag() ConsensusSubTag { return SubPrepare }
func (m Prepare) encodeBody(p *Packer) {
	p.PackUint64(m.View)
	p.PackUint64(m.SequenceNumber)
	p.PackFixedBytes(m.ValueID[:])
	p.PackFixedBytes(m.ReplicaID[:])
}

// Commit is broadcast once a replica has collected 2f prepares.
type Commit struct {
	View           uint64
	SequenceNumber uint64
	ValueID        [16]byte
	ReplicaID      ids.NodeID
}

func (Commit) subTag() ConsensusSubTag { return SubCommit }
func (m Commit) encodeBody(p *Packer) {
	p.PackUint64(m.View)
	p.PackUint64(m.SequenceNumber)
	p.PackFixedBytes(m.ValueID[:])
	p.PackFixedBytes(m.ReplicaID[:])
}

// ViewChange is broadcast by a replica that suspects the current primary
// has failed, asking to move to view `NewView`. It carries only the
// replica's last executed sequence number; no prepared certificates are
// included.
type ViewChange struct {
	NewView   uint64
	ReplicaID ids.NodeID
	LastStableSequence uint64
}

func (ViewChange) subTag() ConsensusSubTag { return SubViewChange }
func (m ViewChange) encodeBody(p *Packer) {
	p.PackUint64(m.NewView)
	p.PackFixedBytes(m.ReplicaID[:])
	p.PackUint64(m.LastStableSequence)
}

// NewView is broadcast by the new primary once it has 2f ViewChange
// messages, installing the next view.
type NewView struct {
	View      uint64
	PrimaryID ids.NodeID
}

func (NewView) subTag() ConsensusSubTag { return SubNewView }
func (m NewView) encodeBody(p *Packer) {
	p.PackUint64(m.View)
	p.PackFixedBytes(m.PrimaryID[:])
}

func decodeConsensus(u *Unpacker) (Envelope, error) {
	sub := ConsensusSubTag(u.UnpackByte())
	switch sub {
	case SubRequestVote:
		term := u.UnpackUint64()
		var cand ids.NodeID
		copy(cand[:], u.UnpackFixedBytes(ids.Len))
		lastIdx := u.UnpackUint64()
		lastTerm := u.UnpackUint64()
		return Consensus{Message: RequestVote{Term: term, CandidateID: cand, LastLogIndex: lastIdx, LastLogTerm: lastTerm}}, u.Err
	case SubRequestVoteResponse:
		term := u.UnpackUint64()
		granted := u.UnpackBool()
		var voter ids.NodeID
		copy(voter[:], u.UnpackFixedBytes(ids.Len))
		return Consensus{Message: RequestVoteResponse{Term: term, VoteGranted: granted, VoterID: voter}}, u.Err
	case SubAppendEntries:
		term := u.UnpackUint64()
		var leader ids.NodeID
		copy(leader[:], u.UnpackFixedBytes(ids.Len))
		prevIdx := u.UnpackUint64()
		prevTerm := u.UnpackUint64()
		entries := unpackLogEntries(u)
		leaderCommit := u.UnpackUint64()
		return Consensus{Message: AppendEntries{
			Term: term, LeaderID: leader, PrevLogIndex: prevIdx, PrevLogTerm: prevTerm,
			Entries: entries, LeaderCommit: leaderCommit,
		}}, u.Err
	case SubAppendEntriesResponse:
		term := u.UnpackUint64()
		success := u.UnpackBool()
		var follower ids.NodeID
		copy(follower[:], u.UnpackFixedBytes(ids.Len))
		matchIndex := u.UnpackUint64()
		return Consensus{Message: AppendEntriesResponse{Term: term, Success: success, FollowerID: follower, MatchIndex: matchIndex}}, u.Err
	case SubPrePrepare:
		view := u.UnpackUint64()
		seq := u.UnpackUint64()
		val := decodeWireConsensusValue(u)
		var primary ids.NodeID
		copy(primary[:], u.UnpackFixedBytes(ids.Len))
		return Consensus{Message: PrePrepare{View: view, SequenceNumber: seq, Value: val, PrimaryID: primary}}, u.Err
	case SubPrepare:
		view := u.UnpackUint64()
		seq := u.UnpackUint64()
		var valueID [16]byte
		copy(valueID[:], u.UnpackFixedBytes(16))
		var replica ids.NodeID
		copy(replica[:], u.UnpackFixedBytes(ids.Len))
		return Consensus{Message: Prepare{View: view, SequenceNumber: seq, ValueID: valueID, ReplicaID: replica}}, u.Err
	case SubCommit:
		view := u.UnpackUint64()
		seq := u.UnpackUint64()
		var valueID [16]byte
		copy(valueID[:], u.UnpackFixedBytes(16))
		var replica ids.NodeID
		copy(replica[:], u.UnpackFixedBytes(ids.Len))
		return Consensus{Message: Commit{View: view, SequenceNumber: seq, ValueID: valueID, ReplicaID: replica}}, u.Err
	case SubViewChange:
		newView := u.UnpackUint64()
		var replica ids.NodeID
		copy(replica[:], u.UnpackFixedBytes(ids.Len))
		lastStable := u.UnpackUint64()
		return Consensus{Message: ViewChange{NewView: newView, ReplicaID: replica, LastStableSequence: lastStable}}, u.Err
	case SubNewView:
		view := u.UnpackUint64()
		var primary ids.NodeID
		copy(primary[:], u.UnpackFixedBytes(ids.Len))
		return Consensus{Message: NewView{View: view, PrimaryID: primary}}, u.Err
	default:
		return nil, errs.New(errs.InvalidMessage, fmt.Sprintf("unknown consensus sub-tag %d", sub))
	}
}
