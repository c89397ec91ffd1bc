// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ids defines the 128-bit identifiers used throughout the REAM
// core: NodeID for peers and ActorID for actors. Both are random UUIDs
// (spec non-goal: no cryptographic identity proofs) and support the
// XOR-distance metric the DHT routes on.
package ids

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/google/uuid"
)

// Len is the byte length of a NodeID/ActorID.
const Len = 16

// NodeID identifies a peer for the lifetime of its process.
type NodeID [Len]byte

// ActorID identifies an actor until it terminates or migrates away.
type ActorID [Len]byte

// Empty is the zero-value identifier, used as a sentinel "no node"/"no
// actor" rather than a valid generated ID.
var (
	EmptyNodeID  NodeID
	EmptyActorID ActorID
)

// GenerateNodeID returns a fresh random NodeID.
func GenerateNodeID() NodeID {
	return NodeID(uuid.New())
}

// GenerateActorID returns a fresh random ActorID.
func GenerateActorID() ActorID {
	return ActorID(uuid.New())
}

// NodeIDFromString parses a canonical UUID string into a NodeID.
func NodeIDFromString(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("parsing node id %q: %w", s, err)
	}
	return NodeID(u), nil
}

// ActorIDFromString parses a canonical UUID string into an ActorID.
func ActorIDFromString(s string) (ActorID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ActorID{}, fmt.Errorf("parsing actor id %q: %w", s, err)
	}
	return ActorID(u), nil
}

func (id NodeID) String() string  { return uuid.UUID(id).String() }
func (id ActorID) String() string { return uuid.UUID(id).String() }

// Bytes returns the raw 16-byte identifier.
func (id NodeID) Bytes() []byte { return id[:] }

// Bytes returns the raw 16-byte identifier.
func (id ActorID) Bytes() []byte { return id[:] }

// IsEmpty reports whether this is the zero-value sentinel.
func (id NodeID) IsEmpty() bool { return id == EmptyNodeID }

// Distance computes the XOR distance between two NodeIDs as defined in
// spec §3: d(a,b) = a ⊕ b, interpreted as a 128-bit unsigned integer.
func Distance(a, b NodeID) Distance128 {
	var d Distance128
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Distance128 is a 128-bit unsigned integer in big-endian byte order,
// matching the big-endian leading-bit convention used to index k-buckets.
type Distance128 [Len]byte

// Less reports whether d < other, treating both as big-endian unsigned
// 128-bit integers.
func (d Distance128) Less(other Distance128) bool {
	for i := 0; i < Len; i++ {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether the distance is zero (i.e. the same NodeID).
func (d Distance128) IsZero() bool {
	return d == Distance128{}
}

// LeadingZeros returns the number of leading zero bits in the 128-bit
// distance, used to select the k-bucket index: index = 159 - leadingZeros
// would apply to a 160-bit space; here, with 128-bit NodeIDs, the bucket
// space is indexed 0..127 by bitLength-1-leadingZeros.
func (d Distance128) LeadingZeros() int {
	for i := 0; i < Len; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return Len * 8
}

// BucketIndex returns the k-bucket index this distance falls into: the
// position of the highest set bit, counting up from the least significant
// bit (a distance of 1 is index 0). A zero distance, i.e. the same node,
// has no bucket and yields -1.
func (d Distance128) BucketIndex() int {
	bitLen := Len * 8
	lz := d.LeadingZeros()
	if lz >= bitLen {
		return -1 // distance 0: same node, no bucket
	}
	return bitLen - 1 - lz
}

// Uint64Pair renders the distance as two big-endian uint64 halves (hi
// from bytes 0-7, lo from bytes 8-15), useful for quick ordering
// comparisons in tests and logs.
func (d Distance128) Uint64Pair() (hi, lo uint64) {
	hi = binary.BigEndian.Uint64(d[0:8])
	lo = binary.BigEndian.Uint64(d[8:16])
	return
}
