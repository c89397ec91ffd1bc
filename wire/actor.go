// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
)

// ActorSubTag selects among actor spawn/deliver/migration messages.
type ActorSubTag byte

const (
	SubSpawn           ActorSubTag = 0
	SubDeliver         ActorSubTag = 1
	SubMigrationReq    ActorSubTag = 2
	SubMigrationAck    ActorSubTag = 3
	SubMigrationState  ActorSubTag = 4
	SubMigrationStateAck ActorSubTag = 5
	SubMigrationComplete ActorSubTag = 6
)

// ActorMessage is the inner payload of an Actor envelope.
type ActorMessage interface {
	subTag() ActorSubTag
	encodeBody(p *Packer)
}

// Actor wraps an ActorMessage as a top-level Envelope. RequestID
// correlates a request with its reply so one connection can multiplex
// several in-flight actor operations; zero means uncorrelated.
type Actor struct {
	RequestID uint32
	Message   ActorMessage
}

func (Actor) Tag() Tag { return TagActor }
func (m Actor) encodeBody(p *Packer) {
	p.PackByte(byte(m.Message.subTag()))
	p.PackUint32(m.RequestID)
	m.Message.encodeBody(p)
}

// Spawn requests creation of a new actor of the given behavior on the
// receiving node.
type Spawn struct {
	ActorID      ids.ActorID
	BehaviorName string
	InitArgs     []byte
}

func (Spawn) subTag() ActorSubTag { return SubSpawn }
func (m Spawn) encodeBody(p *Packer) {
	p.PackFixedBytes(m.ActorID[:])
	p.PackString(m.BehaviorName)
	p.PackBytes(m.InitArgs)
}

// Deliver routes a message payload to an already-resident actor.
type Deliver struct {
	TargetActorID ids.ActorID
	SenderActorID ids.ActorID
	Payload       []byte
}

func (Deliver) subTag() ActorSubTag { return SubDeliver }
func (m Deliver) encodeBody(p *Packer) {
	p.PackFixedBytes(m.TargetActorID[:])
	p.PackFixedBytes(m.SenderActorID[:])
	p.PackBytes(m.Payload)
}

// MigrationRequest asks the destination node to accept an incoming actor,
// per §4.10's Preparing phase.
type MigrationRequest struct {
	ActorID    ids.ActorID
	SourceNode ids.NodeID
	DestNode   ids.NodeID
	ActorType  string
}

func (MigrationRequest) subTag() ActorSubTag { return SubMigrationReq }
func (m MigrationRequest) encodeBody(p *Packer) {
	p.PackFixedBytes(m.ActorID[:])
	p.PackFixedBytes(m.SourceNode[:])
	p.PackFixedBytes(m.DestNode[:])
	p.PackString(m.ActorType)
}

// MigrationAck is the destination's acceptance or rejection of a
// MigrationRequest.
type MigrationAck struct {
	ActorID  ids.ActorID
	Accepted bool
	Reason   string
}

func (MigrationAck) subTag() ActorSubTag { return SubMigrationAck }
func (m MigrationAck) encodeBody(p *Packer) {
	p.PackFixedBytes(m.ActorID[:])
	p.PackBool(m.Accepted)
	p.PackString(m.Reason)
}

// MigrationState carries the frozen actor's serialized state, sent once
// the source has stopped scheduling the actor (InProgress phase).
type MigrationState struct {
	ActorID ids.ActorID
	State   []byte
}

func (MigrationState) subTag() ActorSubTag { return SubMigrationState }
func (m MigrationState) encodeBody(p *Packer) {
	p.PackFixedBytes(m.ActorID[:])
	p.PackBytes(m.State)
}

// MigrationStateAck confirms the destination resumed the actor from the
// transferred state.
type MigrationStateAck struct {
	ActorID ids.ActorID
	Resumed bool
}

func (MigrationStateAck) subTag() ActorSubTag { return SubMigrationStateAck }
func (m MigrationStateAck) encodeBody(p *Packer) {
	p.PackFixedBytes(m.ActorID[:])
	p.PackBool(m.Resumed)
}

// MigrationComplete is sent by the source to the destination once the
// actor is marked remote, telling the destination to promote its
// speculative instance to live (Completed phase).
type MigrationComplete struct {
	ActorID ids.ActorID
}

func (MigrationComplete) subTag() ActorSubTag { return SubMigrationComplete }
func (m MigrationComplete) encodeBody(p *Packer) { p.PackFixedBytes(m.ActorID[:]) }

func decodeActor(u *Unpacker) (Envelope, error) {
	sub := ActorSubTag(u.UnpackByte())
	requestID := u.UnpackUint32()
	msg, err := decodeActorMessage(u, sub)
	if err != nil {
		return nil, err
	}
	env := msg.(Actor)
	env.RequestID = requestID
	return env, nil
}

func decodeActorMessage(u *Unpacker, sub ActorSubTag) (Envelope, error) {
	switch sub {
	case SubSpawn:
		var actorID ids.ActorID
		copy(actorID[:], u.UnpackFixedBytes(ids.Len))
		behavior := u.UnpackString()
		args := u.UnpackBytes()
		return Actor{Message: Spawn{ActorID: actorID, BehaviorName: behavior, InitArgs: args}}, u.Err
	case SubDeliver:
		var target, sender ids.ActorID
		copy(target[:], u.UnpackFixedBytes(ids.Len))
		copy(sender[:], u.UnpackFixedBytes(ids.Len))
		payload := u.UnpackBytes()
		return Actor{Message: Deliver{TargetActorID: target, SenderActorID: sender, Payload: payload}}, u.Err
	case SubMigrationReq:
		var actorID ids.ActorID
		var src, dst ids.NodeID
		copy(actorID[:], u.UnpackFixedBytes(ids.Len))
		copy(src[:], u.UnpackFixedBytes(ids.Len))
		copy(dst[:], u.UnpackFixedBytes(ids.Len))
		actorType := u.UnpackString()
		return Actor{Message: MigrationRequest{ActorID: actorID, SourceNode: src, DestNode: dst, ActorType: actorType}}, u.Err
	case SubMigrationAck:
		var actorID ids.ActorID
		copy(actorID[:], u.UnpackFixedBytes(ids.Len))
		accepted := u.UnpackBool()
		reason := u.UnpackString()
		return Actor{Message: MigrationAck{ActorID: actorID, Accepted: accepted, Reason: reason}}, u.Err
	case SubMigrationState:
		var actorID ids.ActorID
		copy(actorID[:], u.UnpackFixedBytes(ids.Len))
		state := u.UnpackBytes()
		return Actor{Message: MigrationState{ActorID: actorID, State: state}}, u.Err
	case SubMigrationStateAck:
		var actorID ids.ActorID
		copy(actorID[:], u.UnpackFixedBytes(ids.Len))
		resumed := u.UnpackBool()
		return Actor{Message: MigrationStateAck{ActorID: actorID, Resumed: resumed}}, u.Err
	case SubMigrationComplete:
		var actorID ids.ActorID
		copy(actorID[:], u.UnpackFixedBytes(ids.Len))
		return Actor{Message: MigrationComplete{ActorID: actorID}}, u.Err
	default:
		return nil, errs.New(errs.InvalidMessage, fmt.Sprintf("unknown actor sub-tag %d", sub))
	}
}
