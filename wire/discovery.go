// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
)

// DiscoverySubTag selects among the DHT lookup and cluster-join messages.
type DiscoverySubTag byte

const (
	SubFindNode             DiscoverySubTag = 0
	SubFindNodeResponse     DiscoverySubTag = 1
	SubJoinCluster          DiscoverySubTag = 2
	SubJoinClusterResponse  DiscoverySubTag = 3
	SubStore                DiscoverySubTag = 4
	SubStoreResponse        DiscoverySubTag = 5
)

// DiscoveryMessage is the inner payload of a Discovery envelope.
type DiscoveryMessage interface {
	subTag() DiscoverySubTag
	encodeBody(p *Packer)
}

// Discovery wraps a DiscoveryMessage as a top-level Envelope.
type Discovery struct{ Message DiscoveryMessage }

func (Discovery) Tag() Tag { return TagDiscovery }
func (m Discovery) encodeBody(p *Packer) {
	p.PackByte(byte(m.Message.subTag()))
	m.Message.encodeBody(p)
}

// FindNode asks a peer for the `count` nodes it knows closest to Key.
type FindNode struct {
	Key   ids.NodeID
	Count uint32
}

func (FindNode) subTag() DiscoverySubTag { return SubFindNode }
func (m FindNode) encodeBody(p *Packer) {
	p.PackFixedBytes(m.Key[:])
	p.PackUint32(m.Count)
}

// FindNodeResponse answers FindNode with the closest nodes known.
type FindNodeResponse struct {
	Nodes []NodeDescriptor
}

func (FindNodeResponse) subTag() DiscoverySubTag { return SubFindNodeResponse }
func (m FindNodeResponse) encodeBody(p *Packer) { packNodeDescriptors(p, m.Nodes) }

// JoinCluster is sent by a node bootstrapping into a cluster.
type JoinCluster struct {
	Requester NodeDescriptor
}

func (JoinCluster) subTag() DiscoverySubTag { return SubJoinCluster }
func (m JoinCluster) encodeBody(p *Packer) { m.Requester.encode(p) }

// JoinClusterResponse answers JoinCluster with the current membership
// and the cluster's identifier so the joiner's derived views agree with
// the founder's.
type JoinClusterResponse struct {
	Accepted  bool
	ClusterID string
	Members   []NodeDescriptor
}

func (JoinClusterResponse) subTag() DiscoverySubTag { return SubJoinClusterResponse }
func (m JoinClusterResponse) encodeBody(p *Packer) {
	p.PackBool(m.Accepted)
	p.PackString(m.ClusterID)
	packNodeDescriptors(p, m.Members)
}

// Store asks a peer to hold Value under Key as one of the key's
// replicas.
type Store struct {
	Key   ids.NodeID
	Value []byte
}

func (Store) subTag() DiscoverySubTag { return SubStore }
func (m Store) encodeBody(p *Packer) {
	p.PackFixedBytes(m.Key[:])
	p.PackBytes(m.Value)
}

// StoreResponse acknowledges (or refuses) a Store request.
type StoreResponse struct {
	Key    ids.NodeID
	Stored bool
}

func (StoreResponse) subTag() DiscoverySubTag { return SubStoreResponse }
func (m StoreResponse) encodeBody(p *Packer) {
	p.PackFixedBytes(m.Key[:])
	p.PackBool(m.Stored)
}

func decodeDiscovery(u *Unpacker) (Envelope, error) {
	sub := DiscoverySubTag(u.UnpackByte())
	switch sub {
	case SubFindNode:
		var key ids.NodeID
		copy(key[:], u.UnpackFixedBytes(ids.Len))
		count := u.UnpackUint32()
		return Discovery{Message: FindNode{Key: key, Count: count}}, u.Err
	case SubFindNodeResponse:
		nodes := unpackNodeDescriptors(u)
		return Discovery{Message: FindNodeResponse{Nodes: nodes}}, u.Err
	case SubJoinCluster:
		req := decodeNodeDescriptor(u)
		return Discovery{Message: JoinCluster{Requester: req}}, u.Err
	case SubJoinClusterResponse:
		accepted := u.UnpackBool()
		clusterID := u.UnpackString()
		members := unpackNodeDescriptors(u)
		return Discovery{Message: JoinClusterResponse{Accepted: accepted, ClusterID: clusterID, Members: members}}, u.Err
	case SubStore:
		var key ids.NodeID
		copy(key[:], u.UnpackFixedBytes(ids.Len))
		value := u.UnpackBytes()
		return Discovery{Message: Store{Key: key, Value: value}}, u.Err
	case SubStoreResponse:
		var key ids.NodeID
		copy(key[:], u.UnpackFixedBytes(ids.Len))
		stored := u.UnpackBool()
		return Discovery{Message: StoreResponse{Key: key, Stored: stored}}, u.Err
	default:
		return nil, errs.New(errs.InvalidMessage, fmt.Sprintf("unknown discovery sub-tag %d", sub))
	}
}
