// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
)

// ClusterSubTag selects among membership and failure-detection messages.
type ClusterSubTag byte

const (
	SubHeartbeat        ClusterSubTag = 0
	SubNodeFailure      ClusterSubTag = 1
	SubMembershipUpdate ClusterSubTag = 2
)

// ClusterMessage is the inner payload of a Cluster envelope.
type ClusterMessage interface {
	subTag() ClusterSubTag
	encodeBody(p *Packer)
}

// Cluster wraps a ClusterMessage as a top-level Envelope.
type Cluster struct{ Message ClusterMessage }

func (Cluster) Tag() Tag { return TagCluster }
func (m Cluster) encodeBody(p *Packer) {
	p.PackByte(byte(m.Message.subTag()))
	m.Message.encodeBody(p)
}

// Heartbeat is the periodic liveness signal the failure detector relies
// on; MembershipVersion lets the receiver detect it has missed an update.
type Heartbeat struct {
	SenderID          ids.NodeID
	SentAtUnixMs      uint64
	MembershipVersion uint64
}

func (Heartbeat) subTag() ClusterSubTag { return SubHeartbeat }
func (m Heartbeat) encodeBody(p *Packer) {
	p.PackFixedBytes(m.SenderID[:])
	p.PackUint64(m.SentAtUnixMs)
	p.PackUint64(m.MembershipVersion)
}

// NodeFailure is broadcast by whichever node's failure detector first
// declares a peer unreachable past FailureDetectionTimeout.
type NodeFailure struct {
	FailedNode  ids.NodeID
	ReportedBy  ids.NodeID
	DetectedAtUnixMs uint64
}

func (NodeFailure) subTag() ClusterSubTag { return SubNodeFailure }
func (m NodeFailure) encodeBody(p *Packer) {
	p.PackFixedBytes(m.FailedNode[:])
	p.PackFixedBytes(m.ReportedBy[:])
	p.PackUint64(m.DetectedAtUnixMs)
}

// MembershipUpdate distributes a new ClusterMembership version, carrying
// both voting and observer members so every recipient converges on the
// same roster.
type MembershipUpdate struct {
	Version         uint64
	VotingMembers   []NodeDescriptor
	ObserverMembers []NodeDescriptor
}

func (MembershipUpdate) subTag() ClusterSubTag { return SubMembershipUpdate }
func (m MembershipUpdate) encodeBody(p *Packer) {
	p.PackUint64(m.Version)
	packNodeDescriptors(p, m.VotingMembers)
	packNodeDescriptors(p, m.ObserverMembers)
}

func decodeCluster(u *Unpacker) (Envelope, error) {
	sub := ClusterSubTag(u.UnpackByte())
	switch sub {
	case SubHeartbeat:
		var sender ids.NodeID
		copy(sender[:], u.UnpackFixedBytes(ids.Len))
		sentAt := u.UnpackUint64()
		version := u.UnpackUint64()
		return Cluster{Message: Heartbeat{SenderID: sender, SentAtUnixMs: sentAt, MembershipVersion: version}}, u.Err
	case SubNodeFailure:
		var failed, reporter ids.NodeID
		copy(failed[:], u.UnpackFixedBytes(ids.Len))
		copy(reporter[:], u.UnpackFixedBytes(ids.Len))
		detectedAt := u.UnpackUint64()
		return Cluster{Message: NodeFailure{FailedNode: failed, ReportedBy: reporter, DetectedAtUnixMs: detectedAt}}, u.Err
	case SubMembershipUpdate:
		version := u.UnpackUint64()
		voting := unpackNodeDescriptors(u)
		observers := unpackNodeDescriptors(u)
		return Cluster{Message: MembershipUpdate{Version: version, VotingMembers: voting, ObserverMembers: observers}}, u.Err
	default:
		return nil, errs.New(errs.InvalidMessage, fmt.Sprintf("unknown cluster sub-tag %d", sub))
	}
}
