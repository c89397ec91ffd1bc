// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package errs defines the closed error taxonomy of spec §7: one Kind per
// layer-originated failure, each carrying whether it is locally
// recoverable. The top-level Node API returns an *Error; internal
// handlers convert lower-level errors into one of these before crossing a
// subsystem boundary.
package errs

import "fmt"

// Kind is one member of the closed error taxonomy.
type Kind string

const (
	// Network
	ConnectionFailed      Kind = "connection_failed"
	ConnectionLost        Kind = "connection_lost"
	SendFailed            Kind = "send_failed"
	ReceiveFailed         Kind = "receive_failed"
	InvalidMessage        Kind = "invalid_message"
	SessionTypeViolation  Kind = "session_type_violation"
	ProtocolError         Kind = "protocol_error"
	AddressParse          Kind = "address_parse"
	BindError             Kind = "bind_error"
	RoutingError          Kind = "routing_error"

	// Consensus
	NotLeader            Kind = "not_leader"
	NoLeader              Kind = "no_leader"
	ElectionFailed         Kind = "election_failed"
	ProposalFailed         Kind = "proposal_failed"
	CommitFailed           Kind = "commit_failed"
	LogInconsistency       Kind = "log_inconsistency"
	ByzantineBehavior      Kind = "byzantine_behavior"
	InsufficientReplicas   Kind = "insufficient_replicas"
	ConsensusTimeout       Kind = "consensus_timeout"
	InvalidTerm            Kind = "invalid_term"
	InvalidSequence         Kind = "invalid_sequence"

	// Actor
	ActorNotFound          Kind = "actor_not_found"
	SpawnFailed             Kind = "spawn_failed"
	MessageSendFailed       Kind = "message_send_failed"
	StateSerialization      Kind = "state_serialization"
	StateDeserialization    Kind = "state_deserialization"
	InvalidActorRef         Kind = "invalid_actor_ref"
	SupervisionFailed       Kind = "supervision_failed"
	RestartFailed           Kind = "restart_failed"

	// Cluster
	JoinFailed              Kind = "join_failed"
	LeaveFailed              Kind = "leave_failed"
	NodeNotFound             Kind = "node_not_found"
	FormationFailed          Kind = "formation_failed"
	ClusterSplit             Kind = "cluster_split"
	InsufficientNodes        Kind = "insufficient_nodes"
	MembershipUpdateFailed   Kind = "membership_update_failed"
	HealthCheckFailed        Kind = "health_check_failed"

	// Discovery
	DHTFailed                Kind = "dht_failed"
	BootstrapFailed           Kind = "bootstrap_failed"
	GossipFailed              Kind = "gossip_failed"
	NodeLookupFailed          Kind = "node_lookup_failed"
	RoutingTableUpdateFailed  Kind = "routing_table_update_failed"

	// Migration
	PreparationFailed  Kind = "preparation_failed"
	TransferFailed     Kind = "transfer_failed"
	CompletionFailed   Kind = "completion_failed"
	RollbackFailed     Kind = "rollback_failed"
	InvalidState       Kind = "invalid_state"
	MigrationTimeout   Kind = "migration_timeout"
	TargetUnavailable  Kind = "target_unavailable"
)

// recoverable records, for documentation and for operator-facing
// reporting, whether a Kind is locally recoverable (R) or must surface to
// the caller (S) per spec §7. Several kinds are both: recoverable after an
// internal reaction, then still surfaced.
var recoverable = map[Kind]bool{
	ConnectionLost:       true,
	ReceiveFailed:        true,
	InvalidMessage:       true,
	SessionTypeViolation: true,
	NoLeader:             true,
	LogInconsistency:     true,
	ByzantineBehavior:    true,
	InvalidTerm:          true,
	InvalidSequence:      true,
	SupervisionFailed:    true,
	ClusterSplit:         true,
	HealthCheckFailed:    true,
	GossipFailed:         true,
	RoutingTableUpdateFailed: true,
}

// Recoverable reports whether the kind is locally recoverable before (or
// instead of) being surfaced to a caller.
func (k Kind) Recoverable() bool { return recoverable[k] }

// Error is the error type returned by the Node API and every subsystem
// boundary. It carries a Kind, a human-readable reason, and the chain of
// underlying causes via Unwrap.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is supports errors.Is by comparing Kind, so callers can write
// errors.Is(err, errs.New(errs.NotLeader, "")) style checks via KindOf
// instead; Is here just enables straightforward equality on *Error values
// produced by this package with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
