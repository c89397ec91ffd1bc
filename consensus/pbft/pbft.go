// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pbft implements Byzantine-fault-tolerant agreement per spec
// §4.8: pre-prepare/prepare/commit three-phase agreement with view
// change on suspected primary failure. Quorum arithmetic is shared with
// Raft's membership algebra via config.ByzantineThreshold and the
// PBFTPrepareQuorum/PBFTCommitQuorum helpers, so both engines agree on
// what "enough replicas" means for a given membership size.
package pbft

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/config"
	"github.com/revskill10/ream-sub002/consensus/common"
	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	nolog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// Config bundles the PBFT-specific tunables.
type Config struct {
	ProposalTimeout   time.Duration
	ViewChangeTimeout time.Duration
}

// requestState tracks one (view, sequence) slot's progress through the
// three phases of spec §4.8.
type requestState struct {
	view          uint64
	seq           uint64
	value         types.ConsensusValue
	digest        [16]byte
	prePrepared   bool
	preparedSent  bool
	committedLocal bool
	executed      bool
	prepares      map[ids.NodeID]bool
	commits       map[ids.NodeID]bool
	proposedAt    time.Time
}

// PBFT is one replica of the protocol.
type PBFT struct {
	self    ids.NodeID
	sender  common.Sender
	applier common.Applier
	log     log.Logger
	cfg     Config

	mu              sync.Mutex
	membership      types.ClusterMembership
	view            uint64
	nextSeq         uint64
	lastExecutedSeq uint64
	running         bool

	requests map[uint64]*requestState
	waiters  map[uint64]chan common.Result

	viewChangeVotes map[uint64]map[ids.NodeID]bool
	viewChangeTimer *time.Timer

	stats   common.Stats
	latency common.LatencyTracker
}

// New constructs a PBFT replica.
func New(self ids.NodeID, sender common.Sender, applier common.Applier, logger log.Logger, cfg Config) *PBFT {
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	return &PBFT{
		self:            self,
		sender:          sender,
		applier:         applier,
		log:             logger,
		cfg:             cfg,
		requests:        make(map[uint64]*requestState),
		waiters:         make(map[uint64]chan common.Result),
		viewChangeVotes: make(map[uint64]map[ids.NodeID]bool),
	}
}

// Bootstrap starts this replica as the founding member of a fresh
// cluster at view 0.
func (p *PBFT) Bootstrap(membership types.ClusterMembership) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.membership = membership
	p.view = 0
	p.running = true
	p.log.Info("pbft bootstrapped", "view", p.view, "primary", p.primaryLocked(p.view).String())
	return nil
}

// Join starts this replica as a backup in its current view (view 0 for
// a freshly constructed replica); Join itself does not change the view.
func (p *PBFT) Join(membership types.ClusterMembership) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.membership = membership
	p.running = true
	p.log.Info("pbft joined", "view", p.view)
	return nil
}

// Stop cancels the pending view-change timer and resolves outstanding
// proposals with ConsensusTimeout.
func (p *PBFT) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	if p.viewChangeTimer != nil {
		p.viewChangeTimer.Stop()
	}
	for seq, ch := range p.waiters {
		select {
		case ch <- common.Result{}:
		default:
		}
		delete(p.waiters, seq)
	}
	return nil
}

func (p *PBFT) primaryLocked(view uint64) ids.NodeID {
	voters := p.membership.VotingList()
	if len(voters) == 0 {
		return p.self
	}
	return voters[view%uint64(len(voters))]
}

// Propose implements spec §4.8's rejection rules and, on the primary,
// drives a request through pre-prepare/prepare/commit.
func (p *PBFT) Propose(ctx context.Context, value types.ConsensusValue) (common.Result, error) {
	p.mu.Lock()
	voters := p.membership.VotingList()
	if len(voters) < 4 {
		p.mu.Unlock()
		return common.Result{}, errs.New(errs.InsufficientReplicas, "cluster size < 4 cannot tolerate f=1")
	}
	if p.primaryLocked(p.view) != p.self {
		p.mu.Unlock()
		return common.Result{}, errs.New(errs.NotLeader, "propose called on a non-primary replica")
	}

	p.nextSeq++
	seq := p.nextSeq
	rs := &requestState{
		view: p.view, seq: seq, value: value, digest: value.ID,
		prepares: map[ids.NodeID]bool{}, commits: map[ids.NodeID]bool{}, proposedAt: time.Now(),
	}
	p.requests[seq] = rs
	p.stats.ProposalsSubmitted++

	ch := make(chan common.Result, 1)
	p.waiters[seq] = ch
	timeout := p.cfg.ProposalTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	view, primary := p.view, p.self
	wv := wireValue(value)
	for _, m := range voters {
		if m == p.self {
			continue
		}
		peer := m
		go p.sender.Send(peer, wire.Consensus{Message: wire.PrePrepare{View: view, SequenceNumber: seq, Value: wv, PrimaryID: primary}})
	}
	p.recordPrepareLocked(rs, p.self)
	p.mu.Unlock()

	select {
	case res := <-ch:
		if res.Term == 0 && res.Sequence == 0 {
			return common.Result{}, errs.New(errs.ConsensusTimeout, "proposal aborted by stop")
		}
		return res, nil
	case <-time.After(timeout):
		p.mu.Lock()
		delete(p.waiters, seq)
		p.stats.ConsensusFailures++
		p.mu.Unlock()
		return common.Result{}, errs.New(errs.ConsensusTimeout, "proposal timed out waiting for commit-local")
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, seq)
		p.mu.Unlock()
		return common.Result{}, errs.Wrap(errs.ConsensusTimeout, "proposal cancelled", ctx.Err())
	}
}

func wireValue(v types.ConsensusValue) wire.WireConsensusValue {
	return wire.WireConsensusValue{ID: v.ID, Data: v.Data, TimestampMs: uint64(v.Timestamp.UnixMilli()), Proposer: v.Proposer}
}

func fromWireValue(v wire.WireConsensusValue) types.ConsensusValue {
	return types.ConsensusValue{ID: v.ID, Data: v.Data, Timestamp: time.UnixMilli(int64(v.TimestampMs)), Proposer: v.Proposer}
}

// HandleMessage dispatches one inbound PBFT wire message from peer.
func (p *PBFT) HandleMessage(from ids.NodeID, msg wire.ConsensusMessage) error {
	switch m := msg.(type) {
	case wire.PrePrepare:
		return p.handlePrePrepare(from, m)
	case wire.Prepare:
		return p.handlePrepare(from, m)
	case wire.Commit:
		return p.handleCommit(from, m)
	case wire.ViewChange:
		return p.handleViewChange(from, m)
	case wire.NewView:
		return p.handleNewView(from, m)
	default:
		return nil
	}
}

// handlePrePrepare validates a backup's view of spec §4.8's first phase:
// view matches, sequence is unused or matches the same digest, and no
// conflicting pre-prepare has been accepted this view/seq.
func (p *PBFT) handlePrePrepare(from ids.NodeID, m wire.PrePrepare) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m.View != p.view {
		return nil
	}
	if p.primaryLocked(m.View) != from {
		return errs.New(errs.ByzantineBehavior, "pre-prepare from non-primary")
	}
	if existing, ok := p.requests[m.SequenceNumber]; ok {
		if existing.prePrepared && existing.digest != m.Value.ID {
			return errs.New(errs.ByzantineBehavior, "conflicting pre-prepare for same view/seq")
		}
	}

	rs := &requestState{
		view: m.View, seq: m.SequenceNumber, value: fromWireValue(m.Value), digest: m.Value.ID,
		prepares: map[ids.NodeID]bool{}, commits: map[ids.NodeID]bool{}, proposedAt: time.Now(),
	}
	rs.prePrepared = true
	p.requests[m.SequenceNumber] = rs

	view, seq, digest := m.View, m.SequenceNumber, m.Value.ID
	for _, v := range p.membership.VotingList() {
		if v == p.self {
			continue
		}
		peer := v
		go p.sender.Send(peer, wire.Consensus{Message: wire.Prepare{View: view, SequenceNumber: seq, ValueID: digest, ReplicaID: p.self}})
	}
	p.recordPrepareLocked(rs, p.self)
	p.armViewChangeTimerLocked()
	return nil
}

func (p *PBFT) handlePrepare(from ids.NodeID, m wire.Prepare) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.requests[m.SequenceNumber]
	if !ok || rs.view != m.View || rs.digest != m.ValueID {
		return nil
	}
	p.recordPrepareLocked(rs, from)
	return nil
}

// recordPrepareLocked folds one more Prepare vote in, moving to the
// commit phase once 2f matching prepares (including the replica's own)
// have been collected, per spec §4.8's "prepared" predicate.
func (p *PBFT) recordPrepareLocked(rs *requestState, replica ids.NodeID) {
	rs.prepares[replica] = true
	if rs.preparedSent {
		return
	}
	n := len(p.membership.VotingList())
	if len(rs.prepares) < config.PBFTPrepareQuorum(n) {
		return
	}
	rs.preparedSent = true
	view, seq, digest := rs.view, rs.seq, rs.digest
	for _, v := range p.membership.VotingList() {
		if v == p.self {
			continue
		}
		peer := v
		go p.sender.Send(peer, wire.Consensus{Message: wire.Commit{View: view, SequenceNumber: seq, ValueID: digest, ReplicaID: p.self}})
	}
	p.recordCommitLocked(rs, p.self)
}

func (p *PBFT) handleCommit(from ids.NodeID, m wire.Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.requests[m.SequenceNumber]
	if !ok || rs.view != m.View || rs.digest != m.ValueID {
		return nil
	}
	p.recordCommitLocked(rs, from)
	return nil
}

// recordCommitLocked folds one more Commit vote in, marking the request
// committed-local once 2f+1 matching commits (including the replica's
// own) have been collected, per spec §4.8's "committed-local" predicate.
func (p *PBFT) recordCommitLocked(rs *requestState, replica ids.NodeID) {
	rs.commits[replica] = true
	if rs.committedLocal || !rs.preparedSent {
		return
	}
	n := len(p.membership.VotingList())
	if len(rs.commits) < config.PBFTCommitQuorum(n) {
		return
	}
	rs.committedLocal = true
	p.tryExecuteLocked()
}

// tryExecuteLocked applies committed-local requests strictly in sequence
// order, guaranteeing the total-order invariant of spec §8.7.
func (p *PBFT) tryExecuteLocked() {
	for {
		next := p.lastExecutedSeq + 1
		rs, ok := p.requests[next]
		if !ok || !rs.committedLocal || rs.executed {
			return
		}
		rs.executed = true
		p.lastExecutedSeq = next
		if p.applier != nil {
			if err := p.applier.Apply(rs.value); err != nil {
				p.log.Error("apply failed", "seq", next, "error", err)
			}
		}
		p.stats.DecisionsMade++
		p.latency.Observe(time.Since(rs.proposedAt))
		p.stats.AverageLatencyMs = p.latency.Mean()
		if ch, ok := p.waiters[next]; ok {
			participants := make([]ids.NodeID, 0, len(rs.commits))
			for id := range rs.commits {
				participants = append(participants, id)
			}
			select {
			case ch <- common.Result{Term: rs.view, Sequence: rs.seq, Participants: participants, Value: rs.value}:
			default:
			}
			delete(p.waiters, next)
		}
	}
}

// armViewChangeTimerLocked (re)starts the timer a backup uses to detect
// a stalled primary: if the oldest prepared-but-not-executed request
// does not commit before ViewChangeTimeout, the backup initiates a view
// change per spec §4.8.
func (p *PBFT) armViewChangeTimerLocked() {
	if !p.running {
		return
	}
	d := p.cfg.ViewChangeTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	if p.viewChangeTimer == nil {
		p.viewChangeTimer = time.AfterFunc(d, p.onViewChangeTimeout)
		return
	}
	p.viewChangeTimer.Reset(d)
}

func (p *PBFT) onViewChangeTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	stalled := false
	for _, rs := range p.requests {
		if rs.preparedSent && !rs.executed {
			stalled = true
			break
		}
	}
	if !stalled {
		return
	}
	p.initiateViewChangeLocked()
}

// initiateViewChangeLocked broadcasts a ViewChange for view+1, carrying
// the replica's last stable (executed) sequence per spec §4.8.
func (p *PBFT) initiateViewChangeLocked() {
	newView := p.view + 1
	p.log.Warn("initiating view change", "newView", newView)
	p.recordViewChangeLocked(newView, p.self)
	for _, v := range p.membership.VotingList() {
		if v == p.self {
			continue
		}
		peer := v
		go p.sender.Send(peer, wire.Consensus{Message: wire.ViewChange{NewView: newView, ReplicaID: p.self, LastStableSequence: p.lastExecutedSeq}})
	}
}

func (p *PBFT) handleViewChange(from ids.NodeID, m wire.ViewChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.NewView <= p.view {
		return nil
	}
	p.recordViewChangeLocked(m.NewView, from)
	votes := p.viewChangeVotes[m.NewView]
	n := len(p.membership.VotingList())
	if len(votes) < config.PBFTPrepareQuorum(n) {
		return nil
	}
	if p.primaryLocked(m.NewView) != p.self {
		return nil
	}
	for _, v := range p.membership.VotingList() {
		if v == p.self {
			continue
		}
		peer := v
		go p.sender.Send(peer, wire.Consensus{Message: wire.NewView{View: m.NewView, PrimaryID: p.self}})
	}
	p.installViewLocked(m.NewView)
	return nil
}

func (p *PBFT) handleNewView(from ids.NodeID, m wire.NewView) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.View <= p.view {
		return nil
	}
	if p.primaryLocked(m.View) != from {
		return errs.New(errs.ByzantineBehavior, "new-view from non-primary")
	}
	p.installViewLocked(m.View)
	return nil
}

func (p *PBFT) recordViewChangeLocked(view uint64, replica ids.NodeID) {
	votes, ok := p.viewChangeVotes[view]
	if !ok {
		votes = make(map[ids.NodeID]bool)
		p.viewChangeVotes[view] = votes
	}
	votes[replica] = true
}

func (p *PBFT) installViewLocked(view uint64) {
	p.view = view
	p.stats.ViewChanges++
	if p.viewChangeTimer != nil {
		p.viewChangeTimer.Stop()
	}
	p.log.Info("installed new view", "view", view, "primary", p.primaryLocked(view).String())
}

// GetState returns a point-in-time snapshot for the consensus dispatcher.
func (p *PBFT) GetState() common.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	primary := p.primaryLocked(p.view)
	role := "backup"
	if primary == p.self {
		role = "primary"
	}
	return common.State{
		Algorithm:   "pbft",
		Term:        p.view,
		Role:        role,
		Leader:      &primary,
		CommitIndex: p.lastExecutedSeq,
	}
}

// GetStats returns the accumulated statistics of spec §4.6.
func (p *PBFT) GetStats() common.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
