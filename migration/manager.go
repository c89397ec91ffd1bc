// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/actor"
	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	nolog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/session"
	"github.com/revskill10/ream-sub002/wire"
)

// Sender is the narrow send capability the Manager needs from the
// network layer; satisfied by *network.Registry.
type Sender interface {
	Send(peer ids.NodeID, env wire.Envelope) error
}

// Config bundles the migration tunables.
type Config struct {
	// Timeout covers each wait on the peer: MigAck after MigReq, and
	// StateAck after State. Spec default 60s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// sourceFlow is one outbound migration in flight, keyed by actor.
type sourceFlow struct {
	sess    *session.Session
	ackCh   chan wire.MigrationAck
	stateCh chan wire.MigrationStateAck
}

// targetFlow is one inbound migration in flight: the speculative
// instance is discarded if Complete does not arrive before the timer
// fires.
type targetFlow struct {
	sess       *session.Session
	sourceNode ids.NodeID
	actorType  string
	installed  bool
	discard    *time.Timer
}

// Manager drives both sides of the migration protocol of spec §4.10.
// Each flow is governed by the session automaton of §4.3: the source
// runs Migration(), the target its dual.
type Manager struct {
	self    ids.NodeID
	actors  *actor.Registry
	sender  Sender
	log     log.Logger
	cfg     Config

	mu       sync.Mutex
	outbound map[ids.ActorID]*sourceFlow
	inbound  map[ids.ActorID]*targetFlow
	seq      uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a Manager for actors hosted on self.
func NewManager(self ids.NodeID, actors *actor.Registry, sender Sender, logger log.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	return &Manager{
		self:     self,
		actors:   actors,
		sender:   sender,
		log:      logger,
		cfg:      cfg.withDefaults(),
		outbound: make(map[ids.ActorID]*sourceFlow),
		inbound:  make(map[ids.ActorID]*targetFlow),
		stopCh:   make(chan struct{}),
	}
}

// Migrate transfers a locally-hosted actor to target, blocking until the
// hand-off completes or rolls back. On a failure after the actor was
// paused and before it is marked remote, the source resumes the actor
// locally and remains authoritative, per §4.10's failure semantics. A
// failure to send Complete after the actor is marked remote is returned
// without resuming it locally.
func (m *Manager) Migrate(ctx context.Context, actorID ids.ActorID, target ids.NodeID) error {
	ref, ok := m.actors.Get(actorID)
	if !ok {
		return errs.New(errs.ActorNotFound, "actor "+actorID.String()+" not registered")
	}
	if !m.actors.IsLocal(actorID) {
		return errs.New(errs.PreparationFailed, "actor "+actorID.String()+" is not hosted on this node")
	}
	if target == m.self {
		return errs.New(errs.PreparationFailed, "migration target is the local node")
	}

	m.mu.Lock()
	if _, dup := m.outbound[actorID]; dup {
		m.mu.Unlock()
		return errs.New(errs.PreparationFailed, "a migration for this actor is already in flight")
	}
	m.seq++
	flow := &sourceFlow{
		sess:    session.New(fmt.Sprintf("mig-%s-%d", m.self.String(), m.seq), "migration", true, session.Migration()),
		ackCh:   make(chan wire.MigrationAck, 1),
		stateCh: make(chan wire.MigrationStateAck, 1),
	}
	m.outbound[actorID] = flow
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.outbound, actorID)
		m.mu.Unlock()
	}()

	// Preparing: !MigReq, ?MigAck.
	if err := flow.sess.Advance(session.KindMigReq); err != nil {
		return err
	}
	req := wire.Actor{Message: wire.MigrationRequest{
		ActorID: actorID, SourceNode: m.self, DestNode: target, ActorType: ref.ActorType,
	}}
	if err := m.sender.Send(target, req); err != nil {
		return errs.Wrap(errs.TargetUnavailable, "sending migration request", err)
	}

	ack, err := await(m, ctx, flow.ackCh)
	if err != nil {
		_, _ = Step(Preparing, EventTimeout)
		return errs.Wrap(errs.PreparationFailed, "waiting for migration ack", err)
	}
	if err := flow.sess.Validate(session.KindMigAck); err != nil {
		return err
	}
	if !ack.Accepted {
		_, _ = Step(Preparing, EventAckRefused)
		return errs.New(errs.PreparationFailed, "target refused migration: "+ack.Reason)
	}

	// InProgress: pause, serialize, !State, ?StateAck.
	phase, actions := Step(Preparing, EventAckAccepted)
	if phase != InProgress || len(actions) != 1 || actions[0] != ActionPauseAndSend {
		return errs.New(errs.InvalidState, "unexpected migration transition out of preparing")
	}
	state, err := m.actors.PauseAndSnapshot(actorID)
	if err != nil {
		return err
	}
	if err := flow.sess.Advance(session.KindState); err != nil {
		m.actors.ResumeLocal(actorID)
		return err
	}
	if err := m.sender.Send(target, wire.Actor{Message: wire.MigrationState{ActorID: actorID, State: state}}); err != nil {
		m.rollback(actorID)
		return errs.Wrap(errs.TransferFailed, "sending actor state", err)
	}

	stateAck, err := await(m, ctx, flow.stateCh)
	if err != nil {
		_, _ = Step(InProgress, EventTimeout)
		m.rollback(actorID)
		return errs.Wrap(errs.MigrationTimeout, "waiting for state ack", err)
	}
	if err := flow.sess.Validate(session.KindStateAck); err != nil {
		m.rollback(actorID)
		return err
	}
	if !stateAck.Resumed {
		_, _ = Step(InProgress, EventStateRefused)
		m.rollback(actorID)
		return errs.New(errs.TransferFailed, "target failed to restore actor state")
	}

	// Completed: mark remote, flush buffered messages, !Complete.
	phase, actions = Step(InProgress, EventStateAcked)
	if phase != Completed || len(actions) != 1 || actions[0] != ActionComplete {
		m.rollback(actorID)
		return errs.New(errs.InvalidState, "unexpected migration transition out of in_progress")
	}
	buffered, err := m.actors.MarkRemote(actorID, target)
	if err != nil {
		m.rollback(actorID)
		return errs.Wrap(errs.CompletionFailed, "marking actor remote", err)
	}
	for _, payload := range buffered {
		deliver := wire.Actor{Message: wire.Deliver{TargetActorID: actorID, Payload: payload}}
		if err := m.sender.Send(target, deliver); err != nil {
			m.log.Warn("flushing buffered message failed", "actor", actorID.String(), "error", err)
		}
	}
	if err := flow.sess.Advance(session.KindComplete); err != nil {
		return err
	}
	if err := m.sender.Send(target, wire.Actor{Message: wire.MigrationComplete{ActorID: actorID}}); err != nil {
		// The target will discard the speculative instance when Complete
		// never arrives; the actor is already marked remote here, so
		// surface the failure for the operator to re-drive.
		return errs.Wrap(errs.CompletionFailed, "sending migration complete", err)
	}

	m.log.Info("actor migrated", "actor", actorID.String(), "target", target.String())
	return nil
}

// await blocks for one peer response, bounded by the migration timeout,
// the caller's context, and manager shutdown.
func await[T any](m *Manager, ctx context.Context, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(m.cfg.Timeout):
		return zero, errs.New(errs.MigrationTimeout, "peer response timed out")
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.stopCh:
		return zero, errs.New(errs.MigrationTimeout, "migration manager stopped")
	}
}

// rollback resumes the paused actor locally; the source remains
// authoritative.
func (m *Manager) rollback(actorID ids.ActorID) {
	m.actors.ResumeLocal(actorID)
	m.log.Warn("migration rolled back", "actor", actorID.String())
}

// HandleMessage dispatches one inbound migration wire message. Spawn and
// Deliver are not migration traffic and belong to the Node's actor
// handler.
func (m *Manager) HandleMessage(from ids.NodeID, msg wire.ActorMessage) error {
	switch mm := msg.(type) {
	case wire.MigrationRequest:
		return m.handleRequest(from, mm)
	case wire.MigrationState:
		return m.handleState(from, mm)
	case wire.MigrationComplete:
		return m.handleComplete(from, mm)
	case wire.MigrationAck:
		return m.deliverToSource(mm.ActorID, func(f *sourceFlow) {
			select {
			case f.ackCh <- mm:
			default:
			}
		})
	case wire.MigrationStateAck:
		return m.deliverToSource(mm.ActorID, func(f *sourceFlow) {
			select {
			case f.stateCh <- mm:
			default:
			}
		})
	default:
		return nil
	}
}

func (m *Manager) deliverToSource(actorID ids.ActorID, fn func(*sourceFlow)) error {
	m.mu.Lock()
	flow, ok := m.outbound[actorID]
	m.mu.Unlock()
	if !ok {
		// A late ack after rollback; drop per spec §7 (InvalidSequence, R).
		return nil
	}
	fn(flow)
	return nil
}

// handleRequest runs the target side of the Preparing phase: ?MigReq,
// !MigAck.
func (m *Manager) handleRequest(from ids.NodeID, req wire.MigrationRequest) error {
	refuse := func(reason string) error {
		return m.sender.Send(from, wire.Actor{Message: wire.MigrationAck{
			ActorID: req.ActorID, Accepted: false, Reason: reason,
		}})
	}

	if !m.actors.HasBehavior(req.ActorType) {
		return refuse("unknown behavior " + req.ActorType)
	}
	if m.actors.IsLocal(req.ActorID) {
		return refuse("actor already hosted here")
	}

	sess := session.New(fmt.Sprintf("mig-in-%s", req.ActorID.String()), "migration", false, session.Dual(session.Migration()))
	if err := sess.Validate(session.KindMigReq); err != nil {
		return err
	}

	m.mu.Lock()
	if old, dup := m.inbound[req.ActorID]; dup {
		if old.discard != nil {
			old.discard.Stop()
		}
	}
	flow := &targetFlow{sess: sess, sourceNode: from, actorType: req.ActorType}
	flow.discard = time.AfterFunc(m.cfg.Timeout, func() { m.discardInbound(req.ActorID) })
	m.inbound[req.ActorID] = flow
	m.mu.Unlock()

	if err := sess.Advance(session.KindMigAck); err != nil {
		return err
	}
	return m.sender.Send(from, wire.Actor{Message: wire.MigrationAck{ActorID: req.ActorID, Accepted: true}})
}

// handleState installs the transferred state as a speculative, not yet
// live instance and acknowledges, per §4.10's InProgress phase.
func (m *Manager) handleState(from ids.NodeID, st wire.MigrationState) error {
	m.mu.Lock()
	flow, ok := m.inbound[st.ActorID]
	m.mu.Unlock()
	if !ok || flow.sourceNode != from {
		return errs.New(errs.InvalidState, "state transfer without a matching migration request")
	}
	if err := flow.sess.Validate(session.KindState); err != nil {
		return err
	}

	ref := actor.Ref{ActorID: st.ActorID, NodeID: m.self, ActorType: flow.actorType}
	resumed := true
	if err := m.actors.InstallSpeculative(ref, st.State); err != nil {
		m.log.Warn("installing transferred actor failed", "actor", st.ActorID.String(), "error", err)
		resumed = false
	} else {
		m.mu.Lock()
		flow.installed = true
		m.mu.Unlock()
	}

	if err := flow.sess.Advance(session.KindStateAck); err != nil {
		return err
	}
	return m.sender.Send(from, wire.Actor{Message: wire.MigrationStateAck{ActorID: st.ActorID, Resumed: resumed}})
}

// handleComplete promotes the speculative instance to live; all further
// sends route here.
func (m *Manager) handleComplete(from ids.NodeID, c wire.MigrationComplete) error {
	m.mu.Lock()
	flow, ok := m.inbound[c.ActorID]
	if ok {
		delete(m.inbound, c.ActorID)
		if flow.discard != nil {
			flow.discard.Stop()
		}
	}
	m.mu.Unlock()
	if !ok || flow.sourceNode != from {
		return errs.New(errs.InvalidState, "migration complete without a matching transfer")
	}
	if err := flow.sess.Validate(session.KindComplete); err != nil {
		return err
	}
	return m.actors.Promote(c.ActorID)
}

// discardInbound drops a speculative instance whose Complete never
// arrived within the migration timeout.
func (m *Manager) discardInbound(actorID ids.ActorID) {
	m.mu.Lock()
	flow, ok := m.inbound[actorID]
	if ok {
		delete(m.inbound, actorID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if flow.installed {
		m.actors.DiscardSpeculative(actorID)
	}
	m.log.Warn("discarded speculative actor instance", "actor", actorID.String())
}

// Stop aborts every in-flight migration: outbound flows roll back to the
// source (spec §5's cancellation contract), inbound speculative
// instances are discarded.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	inbound := make([]ids.ActorID, 0, len(m.inbound))
	for id := range m.inbound {
		inbound = append(inbound, id)
	}
	m.mu.Unlock()
	for _, id := range inbound {
		m.discardInbound(id)
	}
}
