// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package raft implements crash-fault-tolerant replication per spec §4.7:
// leader election with randomized timeouts, log replication, and commit
// index advancement under the state-machine-safety invariant of spec
// §8.6. Concurrency follows the teacher's one-lock-per-subsystem
// convention: every exported method takes Raft.mu and background timers
// invoke the same locked entry points no handler bypasses.
package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/consensus/common"
	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	nolog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// Role is one of the three Raft roles of spec §4.7.
type Role string

const (
	Follower  Role = "follower"
	Candidate Role = "candidate"
	Leader    Role = "leader"
)

// Config bundles the tunables spec §4.7 calls out by name.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	ProposalTimeout    time.Duration
}

type waiter struct {
	ch       chan common.Result
	proposed time.Time
}

// Raft is one replica of the Raft protocol.
type Raft struct {
	self    ids.NodeID
	sender  common.Sender
	applier common.Applier
	log     log.Logger
	cfg     Config
	rng     *rand.Rand

	mu          sync.Mutex
	membership  types.ClusterMembership
	role        Role
	currentTerm uint64
	votedFor    *ids.NodeID
	leaderID    *ids.NodeID
	entries     []types.LogEntry // 1-indexed: entries[i] has Index i+1
	commitIndex uint64
	lastApplied uint64

	nextIndex  map[ids.NodeID]uint64
	matchIndex map[ids.NodeID]uint64
	votes      map[ids.NodeID]bool

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer
	running        bool

	waiters map[uint64]waiter
	stats   common.Stats
	latency common.LatencyTracker
}

// New constructs a Raft replica. It does not start any timer; call
// Bootstrap (cluster founder) or Join (everyone else) to do so.
func New(self ids.NodeID, sender common.Sender, applier common.Applier, logger log.Logger, cfg Config) *Raft {
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	return &Raft{
		self:       self,
		sender:     sender,
		applier:    applier,
		log:        logger,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(seedFromID(self)))),
		role:       Follower,
		nextIndex:  make(map[ids.NodeID]uint64),
		matchIndex: make(map[ids.NodeID]uint64),
		votes:      make(map[ids.NodeID]bool),
		waiters:    make(map[uint64]waiter),
	}
}

func seedFromID(id ids.NodeID) uint64 {
	var s uint64
	for i, b := range id {
		s ^= uint64(b) << uint((i%8)*8)
	}
	return s
}

// Bootstrap starts this replica as the sole member and immediate leader
// of a fresh cluster, per spec §4.12's create_cluster ordering: term
// becomes 1, role is Leader, and a heartbeat is scheduled immediately.
func (r *Raft) Bootstrap(membership types.ClusterMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.membership = membership
	r.currentTerm = 1
	r.role = Leader
	r.leaderID = &r.self
	r.stats.LeaderElections++
	for _, m := range membership.VotingList() {
		if m == r.self {
			continue
		}
		r.nextIndex[m] = uint64(len(r.entries)) + 1
		r.matchIndex[m] = 0
	}
	r.running = true
	r.scheduleHeartbeatLocked()
	r.log.Info("raft bootstrapped as leader", "term", r.currentTerm)
	return nil
}

// Join starts this replica as a follower of an existing membership, per
// spec §4.12's join_cluster ordering.
func (r *Raft) Join(membership types.ClusterMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.membership = membership
	r.role = Follower
	r.running = true
	r.resetElectionTimerLocked()
	r.log.Info("raft joined as follower")
	return nil
}

// Stop cancels every timer and resolves any outstanding proposal with
// ConsensusTimeout, per spec §5's cancellation contract.
func (r *Raft) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	for idx, w := range r.waiters {
		select {
		case w.ch <- common.Result{}:
		default:
		}
		delete(r.waiters, idx)
	}
	return nil
}

func (r *Raft) randomElectionTimeout() time.Duration {
	lo, hi := r.cfg.ElectionTimeoutMin, r.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(r.rng.Int63n(int64(span)))
}

// resetElectionTimerLocked must be called with r.mu held.
func (r *Raft) resetElectionTimerLocked() {
	if !r.running {
		return
	}
	d := r.randomElectionTimeout()
	if r.electionTimer == nil {
		r.electionTimer = time.AfterFunc(d, r.onElectionTimeout)
		return
	}
	r.electionTimer.Reset(d)
}

func (r *Raft) scheduleHeartbeatLocked() {
	if r.heartbeatTimer == nil {
		r.heartbeatTimer = time.AfterFunc(r.cfg.HeartbeatInterval, r.onHeartbeatTick)
	} else {
		r.heartbeatTimer.Reset(r.cfg.HeartbeatInterval)
	}
	r.broadcastAppendEntriesLocked()
}

func (r *Raft) onHeartbeatTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.role != Leader {
		return
	}
	r.scheduleHeartbeatLocked()
}

// onElectionTimeout fires when no valid AppendEntries arrived in time;
// spec §4.7's Follower/Candidate -> Candidate transition.
func (r *Raft) onElectionTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.role == Leader {
		return
	}
	r.becomeCandidateLocked()
}

func (r *Raft) becomeCandidateLocked() {
	r.currentTerm++
	r.role = Candidate
	r.votedFor = &r.self
	r.votes = map[ids.NodeID]bool{r.self: true}
	r.leaderID = nil
	r.resetElectionTimerLocked()

	last := r.lastLogIndexLocked()
	lastTerm := r.lastLogTermLocked()
	term := r.currentTerm
	voters := r.membership.VotingList()
	r.log.Info("starting election", "term", term)

	for _, m := range voters {
		if m == r.self {
			continue
		}
		peer := m
		go func() {
			r.sender.Send(peer, wire.Consensus{Message: wire.RequestVote{
				Term:         term,
				CandidateID:  r.self,
				LastLogIndex: last,
				LastLogTerm:  lastTerm,
			}})
		}()
	}
	r.maybeBecomeLeaderLocked()
}

// maybeBecomeLeaderLocked promotes the candidate once it has a majority
// of votes in the current term, per spec §4.7's Candidate -> Leader
// transition.
func (r *Raft) maybeBecomeLeaderLocked() {
	if r.role != Candidate {
		return
	}
	granted := 0
	for _, ok := range r.votes {
		if ok {
			granted++
		}
	}
	if granted < r.membership.QuorumSize() {
		return
	}
	r.role = Leader
	r.leaderID = &r.self
	r.stats.LeaderElections++
	nextIdx := uint64(len(r.entries)) + 1
	for _, m := range r.membership.VotingList() {
		if m == r.self {
			continue
		}
		r.nextIndex[m] = nextIdx
		r.matchIndex[m] = 0
	}
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	r.log.Info("elected leader", "term", r.currentTerm)
	r.scheduleHeartbeatLocked()
}

// stepDownLocked reverts to Follower on seeing a higher term, per spec
// §4.7's Any -> Follower transition.
func (r *Raft) stepDownLocked(term uint64) {
	r.currentTerm = term
	r.votedFor = nil
	r.role = Follower
	r.leaderID = nil
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	r.resetElectionTimerLocked()
}

func (r *Raft) lastLogIndexLocked() uint64 {
	return uint64(len(r.entries))
}

func (r *Raft) lastLogTermLocked() uint64 {
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].Term
}

func (r *Raft) entryAtLocked(index uint64) (types.LogEntry, bool) {
	if index == 0 || index > uint64(len(r.entries)) {
		return types.LogEntry{}, false
	}
	return r.entries[index-1], true
}

// Propose appends a new entry to the leader's log and replicates it to
// every follower, returning once a majority has acknowledged and the
// entry is committed and applied, or once cfg.ProposalTimeout elapses.
func (r *Raft) Propose(ctx context.Context, value types.ConsensusValue) (common.Result, error) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return common.Result{}, errs.New(errs.NotLeader, "propose called on a non-leader replica")
	}
	index := uint64(len(r.entries)) + 1
	entry := types.LogEntry{Index: index, Term: r.currentTerm, Value: value, CreatedAt: time.Now()}
	r.entries = append(r.entries, entry)
	r.matchIndex[r.self] = index
	r.stats.ProposalsSubmitted++

	ch := make(chan common.Result, 1)
	r.waiters[index] = waiter{ch: ch, proposed: time.Now()}
	r.broadcastAppendEntriesLocked()
	r.advanceCommitIndexLocked()
	timeout := r.cfg.ProposalTimeout
	r.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case res := <-ch:
		if res.Term == 0 && res.Sequence == 0 {
			return common.Result{}, errs.New(errs.ConsensusTimeout, "proposal aborted by stop")
		}
		return res, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.waiters, index)
		r.stats.ConsensusFailures++
		r.mu.Unlock()
		return common.Result{}, errs.New(errs.ConsensusTimeout, "proposal timed out waiting for commit")
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, index)
		r.mu.Unlock()
		return common.Result{}, errs.Wrap(errs.ConsensusTimeout, "proposal cancelled", ctx.Err())
	}
}

// broadcastAppendEntriesLocked sends each follower the entries it is
// missing, per spec §4.7's leader-only Propose/heartbeat RPC.
func (r *Raft) broadcastAppendEntriesLocked() {
	if r.role != Leader {
		return
	}
	for _, m := range r.membership.VotingList() {
		if m == r.self {
			continue
		}
		r.sendAppendEntriesLocked(m)
	}
}

func (r *Raft) sendAppendEntriesLocked(peer ids.NodeID) {
	next := r.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := uint64(0)
	if prevIndex > 0 {
		if e, ok := r.entryAtLocked(prevIndex); ok {
			prevTerm = e.Term
		}
	}
	var out []wire.WireLogEntry
	for i := next; i <= uint64(len(r.entries)); i++ {
		e := r.entries[i-1]
		out = append(out, wire.WireLogEntry{
			Index: e.Index, Term: e.Term,
			Value: wire.WireConsensusValue{
				ID: e.Value.ID, Data: e.Value.Data,
				TimestampMs: uint64(e.Value.Timestamp.UnixMilli()), Proposer: e.Value.Proposer,
			},
			Committed: e.Committed, CreatedAtMs: uint64(e.CreatedAt.UnixMilli()),
		})
	}
	term := r.currentTerm
	commit := r.commitIndex
	go func() {
		r.sender.Send(peer, wire.Consensus{Message: wire.AppendEntries{
			Term: term, LeaderID: r.self, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
			Entries: out, LeaderCommit: commit,
		}})
	}()
}

// advanceCommitIndexLocked implements spec §4.7's commit rule: advance to
// the highest N such that a majority of matchIndex values are >= N and
// log[N].term == currentTerm.
func (r *Raft) advanceCommitIndexLocked() {
	if r.role != Leader {
		return
	}
	for n := uint64(len(r.entries)); n > r.commitIndex; n-- {
		e, ok := r.entryAtLocked(n)
		if !ok || e.Term != r.currentTerm {
			continue
		}
		count := 0
		for _, m := range r.membership.VotingList() {
			if r.matchIndex[m] >= n || m == r.self {
				count++
			}
		}
		if count >= r.membership.QuorumSize() {
			r.commitIndex = n
			break
		}
	}
	r.applyCommittedLocked()
}

// applyCommittedLocked applies (lastApplied, commitIndex] in order,
// per spec §8.6's state-machine safety invariant, and resolves any
// Propose waiter for an index that just became committed.
func (r *Raft) applyCommittedLocked() {
	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		e, ok := r.entryAtLocked(r.lastApplied)
		if !ok {
			break
		}
		e.Committed = true
		r.entries[r.lastApplied-1] = e
		if r.applier != nil {
			if err := r.applier.Apply(e.Value); err != nil {
				r.log.Error("apply failed", "index", r.lastApplied, "error", err)
			}
		}
		r.stats.DecisionsMade++
		if w, ok := r.waiters[r.lastApplied]; ok {
			r.latency.Observe(time.Since(w.proposed))
			r.stats.AverageLatencyMs = r.latency.Mean()
			select {
			case w.ch <- common.Result{Term: e.Term, Sequence: e.Index, Participants: r.membership.VotingList(), Value: e.Value}:
			default:
			}
			delete(r.waiters, r.lastApplied)
		}
	}
}

// HandleMessage dispatches one inbound Raft wire message from peer.
// Non-Raft messages (PBFT sub-tags) are ignored: the engine dispatcher
// of §4.6 never routes them here.
func (r *Raft) HandleMessage(from ids.NodeID, msg wire.ConsensusMessage) error {
	switch m := msg.(type) {
	case wire.RequestVote:
		return r.handleRequestVote(from, m)
	case wire.RequestVoteResponse:
		return r.handleRequestVoteResponse(from, m)
	case wire.AppendEntries:
		return r.handleAppendEntries(from, m)
	case wire.AppendEntriesResponse:
		return r.handleAppendEntriesResponse(from, m)
	default:
		return nil
	}
}

// handleRequestVote implements spec §4.7's grant-vote predicate.
func (r *Raft) handleRequestVote(from ids.NodeID, m wire.RequestVote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Term > r.currentTerm {
		r.stepDownLocked(m.Term)
	}
	if m.Term < r.currentTerm {
		return r.sender.Send(from, wire.Consensus{Message: wire.RequestVoteResponse{Term: r.currentTerm, VoteGranted: false, VoterID: r.self}})
	}

	alreadyVotedOther := r.votedFor != nil && *r.votedFor != m.CandidateID
	lastTerm := r.lastLogTermLocked()
	lastIndex := r.lastLogIndexLocked()
	logUpToDate := m.LastLogTerm > lastTerm || (m.LastLogTerm == lastTerm && m.LastLogIndex >= lastIndex)

	granted := !alreadyVotedOther && logUpToDate
	if granted {
		r.votedFor = &m.CandidateID
		r.resetElectionTimerLocked()
	}
	return r.sender.Send(from, wire.Consensus{Message: wire.RequestVoteResponse{Term: r.currentTerm, VoteGranted: granted, VoterID: r.self}})
}

func (r *Raft) handleRequestVoteResponse(from ids.NodeID, m wire.RequestVoteResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Term > r.currentTerm {
		r.stepDownLocked(m.Term)
		return nil
	}
	if r.role != Candidate || m.Term != r.currentTerm {
		return nil
	}
	r.votes[from] = m.VoteGranted
	r.maybeBecomeLeaderLocked()
	return nil
}

// handleAppendEntries implements spec §4.7's follower-side log
// replication, including the conflict-truncation rule.
func (r *Raft) handleAppendEntries(from ids.NodeID, m wire.AppendEntries) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Term < r.currentTerm {
		return r.sender.Send(from, wire.Consensus{Message: wire.AppendEntriesResponse{Term: r.currentTerm, Success: false, FollowerID: r.self}})
	}
	if m.Term > r.currentTerm {
		r.stepDownLocked(m.Term)
	} else if r.role == Candidate {
		r.role = Follower
	}
	r.leaderID = &m.LeaderID
	r.resetElectionTimerLocked()

	if m.PrevLogIndex > 0 {
		e, ok := r.entryAtLocked(m.PrevLogIndex)
		if !ok || e.Term != m.PrevLogTerm {
			return r.sender.Send(from, wire.Consensus{Message: wire.AppendEntriesResponse{Term: r.currentTerm, Success: false, FollowerID: r.self}})
		}
	}

	for _, we := range m.Entries {
		existing, ok := r.entryAtLocked(we.Index)
		incoming := types.LogEntry{
			Index: we.Index, Term: we.Term,
			Value: types.ConsensusValue{
				ID: we.Value.ID, Data: we.Value.Data,
				Timestamp: time.UnixMilli(int64(we.Value.TimestampMs)), Proposer: we.Value.Proposer,
			},
			Committed: we.Committed, CreatedAt: time.UnixMilli(int64(we.CreatedAtMs)),
		}
		switch {
		case ok && existing.Term != we.Term:
			r.entries = r.entries[:we.Index-1]
			r.entries = append(r.entries, incoming)
		case !ok:
			r.entries = append(r.entries, incoming)
		}
	}

	if m.LeaderCommit > r.commitIndex {
		last := r.lastLogIndexLocked()
		if m.LeaderCommit < last {
			r.commitIndex = m.LeaderCommit
		} else {
			r.commitIndex = last
		}
		r.applyCommittedLocked()
	}

	return r.sender.Send(from, wire.Consensus{Message: wire.AppendEntriesResponse{
		Term: r.currentTerm, Success: true, FollowerID: r.self, MatchIndex: r.lastLogIndexLocked(),
	}})
}

func (r *Raft) handleAppendEntriesResponse(from ids.NodeID, m wire.AppendEntriesResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Term > r.currentTerm {
		r.stepDownLocked(m.Term)
		return nil
	}
	if r.role != Leader || m.Term != r.currentTerm {
		return nil
	}
	if m.Success {
		r.matchIndex[from] = m.MatchIndex
		r.nextIndex[from] = m.MatchIndex + 1
		r.advanceCommitIndexLocked()
	} else if r.nextIndex[from] > 1 {
		r.nextIndex[from]--
		r.sendAppendEntriesLocked(from)
	}
	return nil
}

// GetState returns a point-in-time snapshot for the consensus dispatcher.
func (r *Raft) GetState() common.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return common.State{
		Algorithm:   "raft",
		Term:        r.currentTerm,
		Role:        string(r.role),
		Leader:      r.leaderID,
		CommitIndex: r.commitIndex,
	}
}

// GetStats returns the accumulated statistics of spec §4.6.
func (r *Raft) GetStats() common.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Log returns a defensive copy of the committed-and-uncommitted log, for
// tests and diagnostics.
func (r *Raft) Log() []types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
