// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the length-prefixed binary envelope protocol of
// spec §4.1/§6: a 4-byte big-endian length followed by exactly that many
// bytes of a tagged-union payload. Every integer inside a payload is
// little-endian; the frame length itself is the one big-endian field,
// matching the "network order" wording of the spec.
package wire

import (
	"fmt"
	"time"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
)

// Tag identifies the outermost envelope variant.
type Tag byte

const (
	TagPing         Tag = 0
	TagPong         Tag = 1
	TagDiscovery    Tag = 2
	TagConsensus    Tag = 3
	TagActor        Tag = 4
	TagCluster      Tag = 5
	TagCustom       Tag = 6
	TagHandshake    Tag = 7
	TagHandshakeAck Tag = 8
)

// ProtocolVersion is the only version this codec currently accepts.
const ProtocolVersion uint32 = 1

// Envelope is any top-level message that can cross the wire.
type Envelope interface {
	Tag() Tag
	encodeBody(p *Packer)
}

// Ping carries a timestamp in milliseconds since epoch.
type Ping struct{ Timestamp uint64 }

func (Ping) Tag() Tag { return TagPing }
func (m Ping) encodeBody(p *Packer) { p.PackUint64(m.Timestamp) }

func decodePing(u *Unpacker) (Envelope, error) {
	ts := u.UnpackUint64()
	return Ping{Timestamp: ts}, u.Err
}

// Pong echoes the Ping timestamp it answers.
type Pong struct{ Timestamp uint64 }

func (Pong) Tag() Tag { return TagPong }
func (m Pong) encodeBody(p *Packer) { p.PackUint64(m.Timestamp) }

func decodePong(u *Unpacker) (Envelope, error) {
	ts := u.UnpackUint64()
	return Pong{Timestamp: ts}, u.Err
}

// Handshake is the first message either side of a connection may send.
type Handshake struct {
	NodeID          ids.NodeID
	ProtocolVersion uint32
}

func (Handshake) Tag() Tag { return TagHandshake }
func (m Handshake) encodeBody(p *Packer) {
	p.PackFixedBytes(m.NodeID[:])
	p.PackUint32(m.ProtocolVersion)
}

func decodeHandshake(u *Unpacker) (Envelope, error) {
	var nodeID ids.NodeID
	copy(nodeID[:], u.UnpackFixedBytes(ids.Len))
	ver := u.UnpackUint32()
	return Handshake{NodeID: nodeID, ProtocolVersion: ver}, u.Err
}

// HandshakeAck answers a Handshake, accepting or rejecting it.
type HandshakeAck struct {
	NodeID   ids.NodeID
	Accepted bool
}

func (HandshakeAck) Tag() Tag { return TagHandshakeAck }
func (m HandshakeAck) encodeBody(p *Packer) {
	p.PackFixedBytes(m.NodeID[:])
	p.PackBool(m.Accepted)
}

func decodeHandshakeAck(u *Unpacker) (Envelope, error) {
	var nodeID ids.NodeID
	copy(nodeID[:], u.UnpackFixedBytes(ids.Len))
	accepted := u.UnpackBool()
	return HandshakeAck{NodeID: nodeID, Accepted: accepted}, u.Err
}

// Custom carries an opaque byte payload for the scripting surface and any
// application-defined extension.
type Custom struct{ Data []byte }

func (Custom) Tag() Tag { return TagCustom }
func (m Custom) encodeBody(p *Packer) { p.PackBytes(m.Data) }

func decodeCustom(u *Unpacker) (Envelope, error) {
	data := u.UnpackBytes()
	return Custom{Data: data}, u.Err
}

// Encode serializes an envelope's tag and body into a payload. It does
// not add the 4-byte frame length; see EncodeFrame and WriteFrame for that.
func Encode(e Envelope) ([]byte, error) {
	p := NewPacker(64)
	p.PackByte(byte(e.Tag()))
	e.encodeBody(p)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Bytes, nil
}

// Decode parses a payload (without the frame length) into an Envelope. A
// payload with trailing bytes after a fully-decoded envelope is rejected:
// decoding must never have partial effects on the caller's state.
func Decode(payload []byte) (Envelope, error) {
	if len(payload) == 0 {
		return nil, errs.New(errs.InvalidMessage, "empty payload")
	}
	tag := Tag(payload[0])
	u := NewUnpacker(payload[1:])

	var (
		env Envelope
		err error
	)
	switch tag {
	case TagPing:
		env, err = decodePing(u)
	case TagPong:
		env, err = decodePong(u)
	case TagHandshake:
		env, err = decodeHandshake(u)
	case TagHandshakeAck:
		env, err = decodeHandshakeAck(u)
	case TagCustom:
		env, err = decodeCustom(u)
	case TagDiscovery:
		env, err = decodeDiscovery(u)
	case TagConsensus:
		env, err = decodeConsensus(u)
	case TagActor:
		env, err = decodeActor(u)
	case TagCluster:
		env, err = decodeCluster(u)
	default:
		return nil, errs.New(errs.InvalidMessage, fmt.Sprintf("unknown envelope tag %d", tag))
	}
	if err != nil {
		return nil, errs.Wrap(errs.InvalidMessage, "decoding envelope", err)
	}
	if u.Remaining() != 0 {
		return nil, errs.New(errs.InvalidMessage, fmt.Sprintf("%d trailing bytes after envelope", u.Remaining()))
	}
	return env, nil
}

// NodeDescriptor is the wire-level rendering of a types.NodeInfo used
// inside Discovery and Cluster sub-messages.
type NodeDescriptor struct {
	NodeID       ids.NodeID
	Address      string
	NodeType     byte
	LastSeenUnixMs uint64
}

func (d NodeDescriptor) encode(p *Packer) {
	p.PackFixedBytes(d.NodeID[:])
	p.PackString(d.Address)
	p.PackByte(d.NodeType)
	p.PackUint64(d.LastSeenUnixMs)
}

func decodeNodeDescriptor(u *Unpacker) NodeDescriptor {
	var d NodeDescriptor
	copy(d.NodeID[:], u.UnpackFixedBytes(ids.Len))
	d.Address = u.UnpackString()
	d.NodeType = u.UnpackByte()
	d.LastSeenUnixMs = u.UnpackUint64()
	return d
}

func packNodeDescriptors(p *Packer, ds []NodeDescriptor) {
	p.PackVarint(uint64(len(ds)))
	for _, d := range ds {
		d.encode(p)
	}
}

func unpackNodeDescriptors(u *Unpacker) []NodeDescriptor {
	n := u.UnpackVarint()
	out := make([]NodeDescriptor, 0, n)
	for i := uint64(0); i < n && u.Err == nil; i++ {
		out = append(out, decodeNodeDescriptor(u))
	}
	return out
}

// nodeKindByte/byteNodeKind give NodeDescriptor.NodeType a stable wire
// encoding for types.NodeKind without leaking the enum's string form onto
// the wire.
var nodeKindByte = map[types.NodeKind]byte{
	types.KindGateway:     0,
	types.KindWorker:      1,
	types.KindStorage:     2,
	types.KindCoordinator: 3,
	types.KindCustom:      4,
}

var byteNodeKind = map[byte]types.NodeKind{
	0: types.KindGateway,
	1: types.KindWorker,
	2: types.KindStorage,
	3: types.KindCoordinator,
	4: types.KindCustom,
}

// NodeDescriptorFromInfo renders a types.NodeInfo as its wire form.
func NodeDescriptorFromInfo(n types.NodeInfo) NodeDescriptor {
	return NodeDescriptor{
		NodeID:         n.NodeID,
		Address:        n.Address,
		NodeType:       nodeKindByte[n.Capabilities.NodeType],
		LastSeenUnixMs: uint64(n.LastSeen.UnixMilli()),
	}
}

// ToNodeInfo renders a NodeDescriptor back into a types.NodeInfo. Fields
// the wire form does not carry (Capabilities beyond NodeType, Version)
// are left zero.
func (d NodeDescriptor) ToNodeInfo() types.NodeInfo {
	return types.NodeInfo{
		NodeID:  d.NodeID,
		Address: d.Address,
		Capabilities: types.Capabilities{
			NodeType: byteNodeKind[d.NodeType],
		},
		LastSeen: time.UnixMilli(int64(d.LastSeenUnixMs)),
	}
}

// EncodeNodeDescriptor serializes a single NodeDescriptor to bytes,
// independent of any envelope, so it can be stored as a DHT value (e.g.
// the self-record announce_presence re-stores, per spec §4.5).
func EncodeNodeDescriptor(d NodeDescriptor) []byte {
	p := NewPacker(32)
	d.encode(p)
	return p.Bytes
}

// DecodeNodeDescriptor parses bytes produced by EncodeNodeDescriptor.
func DecodeNodeDescriptor(b []byte) (NodeDescriptor, error) {
	u := NewUnpacker(b)
	d := decodeNodeDescriptor(u)
	if u.Err != nil {
		return NodeDescriptor{}, u.Err
	}
	if u.Remaining() != 0 {
		return NodeDescriptor{}, errs.New(errs.InvalidMessage, fmt.Sprintf("%d trailing bytes after node descriptor", u.Remaining()))
	}
	return d, nil
}
