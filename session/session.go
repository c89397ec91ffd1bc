// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session implements the protocol automata of spec §4.3: a
// Session describes which envelope kind may legally cross a channel
// next, advancing on a successful match and failing permanently on a
// violation. Automata are expressed as a small recursive type (mirroring
// the teacher's interface-based tagged unions in wire/) rather than a
// generated state machine, since the seven primitives compose directly.
package session

import (
	"fmt"
	"sync"

	"github.com/revskill10/ream-sub002/errs"
)

// Kind identifies an envelope's session-relevant category. It is coarser
// than wire.Tag: a session cares whether a message is, say, "a proposal"
// or "a vote", not its exact sub-tag encoding.
type Kind string

const (
	KindFindNode     Kind = "find_node"
	KindFindNodeResp Kind = "find_node_response"
	KindJoinReq      Kind = "join_request"
	KindJoinResp     Kind = "join_response"
	KindQueryReq     Kind = "query_request"
	KindQueryResp    Kind = "query_response"

	KindMigReq      Kind = "mig_req"
	KindMigAck      Kind = "mig_ack"
	KindState       Kind = "state"
	KindStateAck    Kind = "state_ack"
	KindComplete    Kind = "complete"

	KindProposal Kind = "proposal"
	KindVote     Kind = "vote"

	KindHeartbeat      Kind = "heartbeat"
	KindHeartbeatAck   Kind = "heartbeat_ack"
)

// Type is a node in a session automaton. Exactly one of the fields
// matching its Form is meaningful.
type Type struct {
	Form Form

	// Send/Recv
	MessageKind Kind
	Next        *Type

	// Choice/Offer: branch name -> continuation.
	Branches map[string]*Type

	// Recursive
	VarName string
	Body    *Type

	// Variable: back-reference to an enclosing Recursive by name.
	Ref string
}

// Form enumerates the seven session-type primitives of spec §4.3.
type Form int

const (
	FormSend Form = iota
	FormRecv
	FormChoice
	FormOffer
	FormRecursive
	FormVariable
	FormEnd
)

// Send builds a Send(kind, next) node.
func Send(kind Kind, next *Type) *Type { return &Type{Form: FormSend, MessageKind: kind, Next: next} }

// Recv builds a Recv(kind, next) node.
func Recv(kind Kind, next *Type) *Type { return &Type{Form: FormRecv, MessageKind: kind, Next: next} }

// Choose builds a Choice(branches) node: the local side selects a branch.
func Choose(branches map[string]*Type) *Type { return &Type{Form: FormChoice, Branches: branches} }

// Offer builds an Offer(branches) node: the local side accepts whichever
// branch the peer selects.
func Offer(branches map[string]*Type) *Type { return &Type{Form: FormOffer, Branches: branches} }

// Rec builds a Recursive(name, body) node.
func Rec(name string, body *Type) *Type { return &Type{Form: FormRecursive, VarName: name, Body: body} }

// Var builds a Variable(name) back-reference.
func Var(name string) *Type { return &Type{Form: FormVariable, Ref: name} }

// End is the terminal session type.
var End = &Type{Form: FormEnd}

// Dual swaps Send<->Recv and Choice<->Offer recursively, per spec §4.3
// and invariant §8.2 (dual(dual(S)) ≡ S).
func Dual(t *Type) *Type {
	if t == nil {
		return nil
	}
	switch t.Form {
	case FormSend:
		return Recv(t.MessageKind, Dual(t.Next))
	case FormRecv:
		return Send(t.MessageKind, Dual(t.Next))
	case FormChoice:
		return Offer(dualBranches(t.Branches))
	case FormOffer:
		return Choose(dualBranches(t.Branches))
	case FormRecursive:
		return Rec(t.VarName, Dual(t.Body))
	case FormVariable:
		return Var(t.Ref)
	case FormEnd:
		return End
	default:
		return End
	}
}

func dualBranches(branches map[string]*Type) map[string]*Type {
	out := make(map[string]*Type, len(branches))
	for name, next := range branches {
		out[name] = Dual(next)
	}
	return out
}

// State is a session's lifecycle state.
type State string

const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Session is a live instance of a Type, tracking the current automaton
// node and lifecycle state. The zero value is not usable; use New.
type Session struct {
	ID          string
	ProtocolKind string
	Initiator   bool

	mu      sync.Mutex
	root    *Type // the Recursive definition, for Variable resolution
	current *Type
	state   State
	reason  string
}

// New creates a session at the root of the given automaton.
func New(id, protocolKind string, initiator bool, automaton *Type) *Session {
	return &Session{
		ID:           id,
		ProtocolKind: protocolKind,
		Initiator:    initiator,
		root:         automaton,
		current:      automaton,
		state:        StateActive,
	}
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureReason returns why the session failed, if it has.
func (s *Session) FailureReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// IsComplete reports whether the automaton has reached End.
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCompleted
}

// resolve follows Variable/Recursive nodes until it lands on a
// Send/Recv/Choice/Offer/End node.
func resolve(node, root *Type) *Type {
	for node != nil {
		switch node.Form {
		case FormRecursive:
			node = node.Body
		case FormVariable:
			node = findRec(root, node.Ref)
		default:
			return node
		}
	}
	return End
}

func findRec(node *Type, name string) *Type {
	if node == nil {
		return nil
	}
	switch node.Form {
	case FormRecursive:
		if node.VarName == name {
			return node
		}
		return findRec(node.Body, name)
	case FormSend, FormRecv:
		return findRec(node.Next, name)
	case FormChoice, FormOffer:
		for _, b := range node.Branches {
			if found := findRec(b, name); found != nil {
				return found
			}
		}
	}
	return nil
}

// Validate checks that receiving an envelope of the given kind is legal
// at the session's current automaton node, for the Recv or Offer-branch
// side. On success the automaton advances; on violation the session
// fails permanently, per spec §4.3/§8.2.
func (s *Session) Validate(kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StatePaused {
		return s.fail(fmt.Sprintf("validate called on %s session", s.state))
	}
	node := resolve(s.current, s.root)
	switch node.Form {
	case FormRecv:
		if node.MessageKind != kind {
			return s.fail(fmt.Sprintf("expected %s, got %s", node.MessageKind, kind))
		}
		s.advance(node.Next)
		return nil
	case FormEnd:
		return s.fail(fmt.Sprintf("received %s after session End", kind))
	default:
		return s.fail(fmt.Sprintf("received %s while session expects to send", kind))
	}
}

// Advance confirms a local Send of the given kind, moving the automaton
// forward. Callers must match the kind actually transmitted.
func (s *Session) Advance(kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StatePaused {
		return s.fail(fmt.Sprintf("advance called on %s session", s.state))
	}
	node := resolve(s.current, s.root)
	if node.Form != FormSend {
		return s.fail(fmt.Sprintf("advance(%s) called while session does not expect to send", kind))
	}
	if node.MessageKind != kind {
		return s.fail(fmt.Sprintf("advance expected %s, got %s", node.MessageKind, kind))
	}
	s.advance(node.Next)
	return nil
}

// Select commits the local side to a Choice branch by name.
func (s *Session) Select(branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StatePaused {
		return s.fail(fmt.Sprintf("select called on %s session", s.state))
	}
	node := resolve(s.current, s.root)
	if node.Form != FormChoice {
		return s.fail("select called outside a Choice node")
	}
	next, ok := node.Branches[branch]
	if !ok {
		return s.fail(fmt.Sprintf("unknown choice branch %q", branch))
	}
	s.advance(next)
	return nil
}

// Offer accepts the peer's selection of the given branch name.
func (s *Session) Offer(branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StatePaused {
		return s.fail(fmt.Sprintf("offer called on %s session", s.state))
	}
	node := resolve(s.current, s.root)
	if node.Form != FormOffer {
		return s.fail("offer called outside an Offer node")
	}
	next, ok := node.Branches[branch]
	if !ok {
		return s.fail(fmt.Sprintf("unknown offer branch %q", branch))
	}
	s.advance(next)
	return nil
}

func (s *Session) advance(next *Type) {
	s.current = next
	resolved := resolve(s.current, s.root)
	if resolved.Form == FormEnd {
		s.state = StateCompleted
	}
}

func (s *Session) fail(reason string) error {
	s.state = StateFailed
	s.reason = reason
	return errs.New(errs.SessionTypeViolation, reason)
}
