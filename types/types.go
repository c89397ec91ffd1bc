// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types holds the data model shared by every subsystem: node and
// cluster descriptors, the consensus algebra (values, log entries,
// votes), and cluster membership. See spec §3.
package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/revskill10/ream-sub002/ids"
)

// ConsensusAlgorithm enumerates the algorithms a node may support.
type ConsensusAlgorithm string

const (
	AlgorithmRaft ConsensusAlgorithm = "raft"
	AlgorithmPBFT ConsensusAlgorithm = "pbft"
)

// NodeKind classifies a node's advertised role.
type NodeKind string

const (
	KindGateway     NodeKind = "gateway"
	KindWorker      NodeKind = "worker"
	KindStorage     NodeKind = "storage"
	KindCoordinator NodeKind = "coordinator"
	KindCustom      NodeKind = "custom"
)

// Capabilities describes what a node offers the cluster.
type Capabilities struct {
	MaxActors           int
	AvailableMemoryMB   uint64
	CPUCores            int
	SupportedAlgorithms map[ConsensusAlgorithm]bool
	NodeType            NodeKind
	Custom              map[string]string
}

// NodeInfo is the stable-per-epoch description of a peer, plus the one
// mutable field LastSeen.
type NodeInfo struct {
	NodeID         ids.NodeID
	Address        string
	Capabilities   Capabilities
	LastSeen       time.Time
	Version        string
	PublicKeyBytes []byte // placeholder; spec non-goal: no crypto identity
}

// ClusterHealth is the derived health classification of §4.11.
type ClusterHealth string

const (
	HealthHealthy     ClusterHealth = "healthy"
	HealthDegraded    ClusterHealth = "degraded"
	HealthPartitioned ClusterHealth = "partitioned"
	HealthUnhealthy   ClusterHealth = "unhealthy"
)

// ClusterInfo is a derived view recomputed from live state on request.
type ClusterInfo struct {
	ClusterID string
	Members   []NodeInfo
	Leader    *ids.NodeID
	Health    ClusterHealth
	FormedAt  time.Time
}

// ConsensusValue is the opaque payload proposed for agreement.
type ConsensusValue struct {
	ID        uuid.UUID
	Data      []byte
	Timestamp time.Time
	Proposer  ids.NodeID
}

// NewConsensusValue builds a value with a fresh ID and the current
// timestamp supplied by the caller (never time.Now() inside library code
// that must stay deterministic for tests).
func NewConsensusValue(data []byte, proposer ids.NodeID, ts time.Time) ConsensusValue {
	return ConsensusValue{ID: uuid.New(), Data: data, Timestamp: ts, Proposer: proposer}
}

// ConsensusValueFromString is a convenience constructor mirroring the
// scenario of spec §8.3.
func ConsensusValueFromString(s string, proposer ids.NodeID, ts time.Time) ConsensusValue {
	return NewConsensusValue([]byte(s), proposer, ts)
}

// LogEntry is a single slot in a replicated log. Indices are dense and
// monotonically assigned by the leader/primary; committed entries are
// immutable.
type LogEntry struct {
	Index     uint64
	Term      uint64
	Value     ConsensusValue
	Committed bool
	CreatedAt time.Time
}

// Vote is a single replica's response to a leader-election request.
type Vote struct {
	Voter     ids.NodeID
	Term      uint64
	Granted   bool
	Reason    string
	Timestamp time.Time
}

// ClusterMembership is the versioned configuration of who participates in
// consensus, and with what role.
type ClusterMembership struct {
	Members        []ids.NodeID
	VotingMembers  map[ids.NodeID]bool
	ObserverMembers map[ids.NodeID]bool
	Version        uint64
}

// NewClusterMembership builds a membership where every member votes.
func NewClusterMembership(members []ids.NodeID) ClusterMembership {
	voting := make(map[ids.NodeID]bool, len(members))
	for _, m := range members {
		voting[m] = true
	}
	return ClusterMembership{
		Members:         members,
		VotingMembers:   voting,
		ObserverMembers: map[ids.NodeID]bool{},
		Version:         1,
	}
}

// QuorumSize is ⌊|voting_members|/2⌋ + 1, the Raft majority.
func (m ClusterMembership) QuorumSize() int {
	return len(m.VotingMembers)/2 + 1
}

// ByzantineThreshold is f = ⌊(|voting_members|-1)/3⌋.
func (m ClusterMembership) ByzantineThreshold() int {
	n := len(m.VotingMembers)
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// IsByzantineSafe reports |voting_members| >= 3f+1.
func (m ClusterMembership) IsByzantineSafe() bool {
	f := m.ByzantineThreshold()
	return len(m.VotingMembers) >= 3*f+1
}

// VotingList returns the voting members in stable order.
func (m ClusterMembership) VotingList() []ids.NodeID {
	out := make([]ids.NodeID, 0, len(m.VotingMembers))
	for _, id := range m.Members {
		if m.VotingMembers[id] {
			out = append(out, id)
		}
	}
	return out
}

// WithVersion returns a copy of the membership with Version bumped by one,
// enforcing the monotonicity invariant of spec §8.8.
func (m ClusterMembership) WithVersion() ClusterMembership {
	m.Version++
	return m
}
