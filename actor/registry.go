// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actor

import (
	"context"
	"sync"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	nolog "github.com/revskill10/ream-sub002/log"
)

// Registry maps ActorID to exactly one of a locally-hosted instance or a
// remote reference, per spec §4.9. The migration manager maintains the
// at-most-one-local invariant by atomic hand-off through MarkRemote and
// Promote.
type Registry struct {
	localNode ids.NodeID
	log       log.Logger

	mu        sync.RWMutex
	behaviors map[string]Factory
	locals    map[ids.ActorID]*localActor
	remotes   map[ids.ActorID]Ref

	// speculative holds instances received during migration that are not
	// yet live; they are promoted on MigrationComplete or discarded.
	speculative map[ids.ActorID]*localActor

	forward  Forwarder
	maxLocal int
}

// NewRegistry creates an empty registry for actors hosted on (or known
// to) localNode. maxLocal caps locally-hosted actors; zero means no cap.
func NewRegistry(localNode ids.NodeID, maxLocal int, logger log.Logger) *Registry {
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	return &Registry{
		localNode:   localNode,
		log:         logger,
		behaviors:   make(map[string]Factory),
		locals:      make(map[ids.ActorID]*localActor),
		remotes:     make(map[ids.ActorID]Ref),
		speculative: make(map[ids.ActorID]*localActor),
		maxLocal:    maxLocal,
	}
}

// SetForwarder installs the remote-delivery path. Called once by the
// Node during composition.
func (r *Registry) SetForwarder(f Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forward = f
}

// RegisterBehavior makes a behavior name spawnable on this node.
func (r *Registry) RegisterBehavior(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[name] = factory
}

// HasBehavior reports whether this node can instantiate the named
// behavior, consulted by the migration manager before accepting an
// inbound actor.
func (r *Registry) HasBehavior(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.behaviors[name]
	return ok
}

// SpawnLocal assigns a fresh ActorID, instantiates the behavior, and
// hosts it locally under supervision.
func (r *Registry) SpawnLocal(actorType string, initArgs []byte) (Ref, error) {
	r.mu.Lock()
	factory, ok := r.behaviors[actorType]
	if !ok {
		r.mu.Unlock()
		return Ref{}, errs.New(errs.SpawnFailed, "unknown behavior "+actorType)
	}
	if r.maxLocal > 0 && len(r.locals) >= r.maxLocal {
		r.mu.Unlock()
		return Ref{}, errs.New(errs.SpawnFailed, "local actor capacity reached")
	}
	r.mu.Unlock()

	instance, err := factory(initArgs)
	if err != nil {
		return Ref{}, errs.Wrap(errs.SpawnFailed, "constructing "+actorType, err)
	}

	ref := Ref{ActorID: ids.GenerateActorID(), NodeID: r.localNode, ActorType: actorType}
	a := newLocalActor(ref, factory, instance, r.log)

	r.mu.Lock()
	r.locals[ref.ActorID] = a
	r.mu.Unlock()
	r.log.Debug("spawned actor", "actor", ref.ActorID.String(), "type", actorType)
	return ref, nil
}

// SpawnWithID hosts an actor under an ID assigned by a remote requester
// (the Spawn wire message carries the ActorID the sender already handed
// out).
func (r *Registry) SpawnWithID(actorID ids.ActorID, actorType string, initArgs []byte) (Ref, error) {
	r.mu.Lock()
	factory, ok := r.behaviors[actorType]
	if !ok {
		r.mu.Unlock()
		return Ref{}, errs.New(errs.SpawnFailed, "unknown behavior "+actorType)
	}
	if _, dup := r.locals[actorID]; dup {
		r.mu.Unlock()
		return Ref{}, errs.New(errs.SpawnFailed, "actor "+actorID.String()+" already hosted here")
	}
	if r.maxLocal > 0 && len(r.locals) >= r.maxLocal {
		r.mu.Unlock()
		return Ref{}, errs.New(errs.SpawnFailed, "local actor capacity reached")
	}
	r.mu.Unlock()

	instance, err := factory(initArgs)
	if err != nil {
		return Ref{}, errs.Wrap(errs.SpawnFailed, "constructing "+actorType, err)
	}

	ref := Ref{ActorID: actorID, NodeID: r.localNode, ActorType: actorType}
	a := newLocalActor(ref, factory, instance, r.log)

	r.mu.Lock()
	delete(r.remotes, actorID)
	r.locals[actorID] = a
	r.mu.Unlock()
	return ref, nil
}

// RegisterRemote installs a non-owning forwarder for an actor hosted
// elsewhere. Registering a remote ref for a locally-hosted actor is an
// InvalidActorRef: locality is exclusive.
func (r *Registry) RegisterRemote(ref Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locals[ref.ActorID]; ok {
		return errs.New(errs.InvalidActorRef, "actor "+ref.ActorID.String()+" is hosted locally")
	}
	r.remotes[ref.ActorID] = ref
	return nil
}

// Get returns the ref for an actor irrespective of locality.
func (r *Registry) Get(actorID ids.ActorID) (Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.locals[actorID]; ok {
		return a.ref, true
	}
	ref, ok := r.remotes[actorID]
	return ref, ok
}

// IsLocal reports whether this node currently hosts the actor.
func (r *Registry) IsLocal(actorID ids.ActorID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.locals[actorID]
	return ok
}

// Remove deregisters an actor from both maps, stopping it if local.
func (r *Registry) Remove(actorID ids.ActorID) {
	r.mu.Lock()
	a := r.locals[actorID]
	delete(r.locals, actorID)
	delete(r.remotes, actorID)
	r.mu.Unlock()
	if a != nil {
		a.stop()
	}
}

// Tell delivers a payload to the actor: into the local mailbox if hosted
// here, through the Forwarder otherwise.
func (r *Registry) Tell(ctx context.Context, actorID ids.ActorID, payload []byte) ([]byte, error) {
	r.mu.RLock()
	a, isLocal := r.locals[actorID]
	ref, isRemote := r.remotes[actorID]
	forward := r.forward
	r.mu.RUnlock()

	switch {
	case isLocal:
		return a.deliver(ctx, payload)
	case isRemote:
		if forward == nil {
			return nil, errs.New(errs.MessageSendFailed, "no forwarder installed for remote delivery")
		}
		return nil, forward(ref, payload)
	default:
		return nil, errs.New(errs.ActorNotFound, "actor "+actorID.String()+" not registered")
	}
}

// LocalActors lists the refs of every locally-hosted actor.
func (r *Registry) LocalActors() []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ref, 0, len(r.locals))
	for _, a := range r.locals {
		out = append(out, a.ref)
	}
	return out
}

// --- migration support (source side) ---

// PauseAndSnapshot freezes a local actor's message delivery and returns
// its serialized state, the first step of §4.10's transfer phase.
func (r *Registry) PauseAndSnapshot(actorID ids.ActorID) ([]byte, error) {
	r.mu.RLock()
	a, ok := r.locals[actorID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.ActorNotFound, "actor "+actorID.String()+" is not local")
	}
	a.pause()
	state, err := a.snapshot()
	if err != nil {
		a.resume()
		return nil, err
	}
	return state, nil
}

// ResumeLocal rolls a paused actor back to live local delivery.
func (r *Registry) ResumeLocal(actorID ids.ActorID) {
	r.mu.RLock()
	a, ok := r.locals[actorID]
	r.mu.RUnlock()
	if ok {
		a.resume()
	}
}

// MarkRemote atomically converts a local entry into a remote ref pointing
// at target, returning any messages buffered while the actor was paused
// so the caller can flush them to the target. The local instance stops.
func (r *Registry) MarkRemote(actorID ids.ActorID, target ids.NodeID) ([][]byte, error) {
	r.mu.Lock()
	a, ok := r.locals[actorID]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New(errs.ActorNotFound, "actor "+actorID.String()+" is not local")
	}
	delete(r.locals, actorID)
	ref := a.ref
	ref.NodeID = target
	r.remotes[actorID] = ref
	r.mu.Unlock()

	buffered := a.drainBuffered()
	a.stop()
	return buffered, nil
}

// --- migration support (target side) ---

// InstallSpeculative instantiates an inbound actor from its transferred
// state without making it live; the registry still routes nothing to it
// until Promote. Per §4.10's "not yet live" phase.
func (r *Registry) InstallSpeculative(ref Ref, state []byte) error {
	r.mu.Lock()
	factory, ok := r.behaviors[ref.ActorType]
	r.mu.Unlock()
	if !ok {
		return errs.New(errs.SpawnFailed, "unknown behavior "+ref.ActorType)
	}

	instance, err := factory(nil)
	if err != nil {
		return errs.Wrap(errs.SpawnFailed, "constructing "+ref.ActorType, err)
	}
	if err := instance.RestoreState(state); err != nil {
		return errs.Wrap(errs.StateDeserialization, "restoring transferred state", err)
	}

	localRef := ref
	localRef.NodeID = r.localNode
	a := newLocalActor(localRef, factory, instance, r.log)
	a.pause()

	r.mu.Lock()
	if old, dup := r.speculative[ref.ActorID]; dup {
		old.stop()
	}
	r.speculative[ref.ActorID] = a
	r.mu.Unlock()
	return nil
}

// Promote makes a speculative instance live, completing the hand-off.
func (r *Registry) Promote(actorID ids.ActorID) error {
	r.mu.Lock()
	a, ok := r.speculative[actorID]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.InvalidState, "no speculative instance for actor "+actorID.String())
	}
	delete(r.speculative, actorID)
	delete(r.remotes, actorID)
	r.locals[actorID] = a
	r.mu.Unlock()
	a.resume()
	return nil
}

// DiscardSpeculative drops a speculative instance that never saw its
// MigrationComplete, per §4.10's failure semantics.
func (r *Registry) DiscardSpeculative(actorID ids.ActorID) {
	r.mu.Lock()
	a, ok := r.speculative[actorID]
	delete(r.speculative, actorID)
	r.mu.Unlock()
	if ok {
		a.stop()
	}
}

// Stop terminates every locally-hosted and speculative actor.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.locals {
		a.stop()
	}
	for _, a := range r.speculative {
		a.stop()
	}
}
