// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cluster implements the cluster manager of spec §4.11: the
// versioned membership list, the heartbeat-driven failure detector, the
// bounded-retry recovery policy, and the derived health score.
package cluster

import (
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	nolog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// Network is the capability the manager needs from the network layer:
// directed sends for replies and a broadcast for heartbeats and
// membership updates. Satisfied by *network.Registry.
type Network interface {
	Send(peer ids.NodeID, env wire.Envelope) error
	Broadcast(env wire.Envelope)
}

// Config bundles the cluster manager's tunables.
type Config struct {
	HeartbeatInterval time.Duration
	FailureTimeout    time.Duration
	RecoveryAttempts  int
	RecoveryBackoff   time.Duration
	MinSize           int
	MaxSize           int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.FailureTimeout <= 0 {
		c.FailureTimeout = 30 * time.Second
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = 3
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = time.Second
	}
	if c.MinSize <= 0 {
		c.MinSize = 1
	}
	return c
}

// healthValue renders the health enum as a gauge level: lower is worse.
var healthValue = map[types.ClusterHealth]float64{
	types.HealthUnhealthy:   0,
	types.HealthPartitioned: 1,
	types.HealthDegraded:    2,
	types.HealthHealthy:     3,
}

// Manager composes membership, failure detection, recovery, and derived
// metrics for one node's view of the cluster.
type Manager struct {
	self ids.NodeID
	net  Network
	log  log.Logger
	cfg  Config

	detector *FailureDetector
	recovery *Recovery

	mu         sync.RWMutex
	clusterID  string
	formedAt   time.Time
	infos      map[ids.NodeID]types.NodeInfo
	membership types.ClusterMembership
	leader     *ids.NodeID

	healthGauge   prometheus.Gauge
	failuresTotal prometheus.Counter

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager for self. contact is invoked by the
// recovery policy to re-establish contact with a failed node; registerer
// receives the cluster health metrics (nil skips registration).
func NewManager(self ids.NodeID, net Network, contact RecoverFunc, logger log.Logger, registerer prometheus.Registerer, cfg Config) (*Manager, error) {
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		self:     self,
		net:      net,
		log:      logger,
		cfg:      cfg,
		detector: NewFailureDetector(cfg.FailureTimeout),
		recovery: NewRecovery(cfg.RecoveryAttempts, cfg.RecoveryBackoff, contact, logger),
		infos:    make(map[ids.NodeID]types.NodeInfo),
		stopCh:   make(chan struct{}),
		healthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ream_cluster_health",
			Help: "Cluster health level: 3 healthy, 2 degraded, 1 partitioned, 0 unhealthy",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ream_cluster_failures_total",
			Help: "Node failures detected or reported since boot",
		}),
	}
	if registerer != nil {
		if err := registerer.Register(m.healthGauge); err != nil {
			return nil, err
		}
		if err := registerer.Register(m.failuresTotal); err != nil {
			return nil, err
		}
	}
	m.healthGauge.Set(healthValue[types.HealthHealthy])
	return m, nil
}

// Form registers self as the first member of a fresh cluster, per spec
// §4.12's create_cluster ordering (cluster manager last).
func (m *Manager) Form(clusterID string, self types.NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusterID = clusterID
	m.formedAt = time.Now()
	m.infos = map[ids.NodeID]types.NodeInfo{self.NodeID: self}
	m.membership = types.NewClusterMembership([]ids.NodeID{self.NodeID})
	m.leader = &self.NodeID
}

// Join installs the membership learned while joining an existing
// cluster.
func (m *Manager) Join(clusterID string, members []types.NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusterID = clusterID
	m.formedAt = time.Now()
	m.infos = make(map[ids.NodeID]types.NodeInfo, len(members))
	idList := make([]ids.NodeID, 0, len(members))
	for _, info := range members {
		m.infos[info.NodeID] = info
		idList = append(idList, info.NodeID)
	}
	m.membership = types.NewClusterMembership(idList)
}

// Start launches the heartbeat broadcast and failure-sweep loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.sweepLoop()
}

// Stop halts both loops and any in-flight recovery.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.recovery.Stop()
	m.wg.Wait()
}

// Subscribe registers a dependent notified on node failure, e.g. the
// migration manager rolling back transfers to a dead target.
func (m *Manager) Subscribe(d Dependent) { m.recovery.Subscribe(d) }

// SetLeader records the consensus engine's current leader for the
// derived ClusterInfo view.
func (m *Manager) SetLeader(leader *ids.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = leader
}

// AddMember admits a node, bumps the membership version, and broadcasts
// the update, per spec §8.8's monotonicity invariant.
func (m *Manager) AddMember(info types.NodeInfo) error {
	m.mu.Lock()
	if m.cfg.MaxSize > 0 && len(m.infos) >= m.cfg.MaxSize {
		m.mu.Unlock()
		return errs.New(errs.MembershipUpdateFailed, "cluster is at maximum size")
	}
	if _, ok := m.infos[info.NodeID]; !ok {
		m.infos[info.NodeID] = info
		m.membership.Members = append(m.membership.Members, info.NodeID)
		m.membership.VotingMembers[info.NodeID] = true
		m.membership = m.membership.WithVersion()
	}
	update := m.membershipUpdateLocked()
	m.mu.Unlock()

	m.net.Broadcast(wire.Cluster{Message: update})
	return nil
}

// RemoveMember drops a node, bumps the version, and broadcasts.
func (m *Manager) RemoveMember(id ids.NodeID) error {
	m.mu.Lock()
	if _, ok := m.infos[id]; !ok {
		m.mu.Unlock()
		return errs.New(errs.NodeNotFound, "node "+id.String()+" is not a member")
	}
	delete(m.infos, id)
	delete(m.membership.VotingMembers, id)
	delete(m.membership.ObserverMembers, id)
	kept := m.membership.Members[:0]
	for _, member := range m.membership.Members {
		if member != id {
			kept = append(kept, member)
		}
	}
	m.membership.Members = kept
	m.membership = m.membership.WithVersion()
	update := m.membershipUpdateLocked()
	m.mu.Unlock()

	m.detector.Forget(id)
	m.net.Broadcast(wire.Cluster{Message: update})
	return nil
}

func (m *Manager) membershipUpdateLocked() wire.MembershipUpdate {
	voting := make([]wire.NodeDescriptor, 0, len(m.infos))
	observers := make([]wire.NodeDescriptor, 0)
	for id, info := range m.infos {
		if m.membership.VotingMembers[id] {
			voting = append(voting, wire.NodeDescriptorFromInfo(info))
		} else {
			observers = append(observers, wire.NodeDescriptorFromInfo(info))
		}
	}
	return wire.MembershipUpdate{
		Version:         m.membership.Version,
		VotingMembers:   voting,
		ObserverMembers: observers,
	}
}

// Membership returns a snapshot of the current versioned membership.
func (m *Manager) Membership() types.ClusterMembership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membership
}

// HandleMessage dispatches one inbound Cluster wire message.
func (m *Manager) HandleMessage(from ids.NodeID, msg wire.ClusterMessage) error {
	switch mm := msg.(type) {
	case wire.Heartbeat:
		m.detector.Record(mm.SenderID, time.Now())
		m.mu.Lock()
		if info, ok := m.infos[mm.SenderID]; ok {
			info.LastSeen = time.Now()
			m.infos[mm.SenderID] = info
		}
		behind := mm.MembershipVersion > m.membership.Version
		m.mu.Unlock()
		if behind {
			m.log.Debug("heartbeat advertises newer membership", "peer", from.String(), "version", mm.MembershipVersion)
		}
		m.updateHealthGauge()
		return nil

	case wire.NodeFailure:
		if mm.FailedNode == m.self {
			// A peer thinks we are dead; our own heartbeats will correct it.
			return nil
		}
		m.ReportNodeFailure(mm.FailedNode)
		return nil

	case wire.MembershipUpdate:
		return m.applyMembershipUpdate(mm)

	default:
		return nil
	}
}

// applyMembershipUpdate installs a newer membership version; stale
// versions are dropped, preserving monotonicity.
func (m *Manager) applyMembershipUpdate(u wire.MembershipUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Version <= m.membership.Version {
		return nil
	}
	infos := make(map[ids.NodeID]types.NodeInfo, len(u.VotingMembers)+len(u.ObserverMembers))
	members := make([]ids.NodeID, 0, len(u.VotingMembers)+len(u.ObserverMembers))
	voting := make(map[ids.NodeID]bool, len(u.VotingMembers))
	observers := make(map[ids.NodeID]bool, len(u.ObserverMembers))
	for _, d := range u.VotingMembers {
		info := d.ToNodeInfo()
		infos[info.NodeID] = info
		members = append(members, info.NodeID)
		voting[info.NodeID] = true
	}
	for _, d := range u.ObserverMembers {
		info := d.ToNodeInfo()
		infos[info.NodeID] = info
		members = append(members, info.NodeID)
		observers[info.NodeID] = true
	}
	m.infos = infos
	m.membership = types.ClusterMembership{
		Members:         members,
		VotingMembers:   voting,
		ObserverMembers: observers,
		Version:         u.Version,
	}
	return nil
}

// ReportNodeFailure records the failure and dispatches recovery, per
// spec §4.11.
func (m *Manager) ReportNodeFailure(id ids.NodeID) {
	if id == m.self {
		return
	}
	alreadyFailed := m.detector.IsFailed(id)
	m.detector.MarkFailed(id)
	if !alreadyFailed {
		m.failuresTotal.Inc()
	}
	m.updateHealthGauge()

	m.recovery.Dispatch(id, func(id ids.NodeID, recovered bool) {
		if recovered {
			m.detector.Record(id, time.Now())
			m.log.Info("node recovered", "node", id.String())
		} else {
			m.log.Warn("node unrecoverable, removing from membership", "node", id.String())
			if err := m.RemoveMember(id); err != nil {
				m.log.Warn("removing failed member", "node", id.String(), "error", err)
			}
		}
		m.updateHealthGauge()
	})
}

// Health derives the cluster health score of spec §4.11: Healthy when no
// member is failed, Degraded while failed < total/2 (integer division,
// so 2 of 5 is already Unhealthy), Unhealthy otherwise.
func (m *Manager) Health() types.ClusterHealth {
	m.mu.RLock()
	total := len(m.infos)
	m.mu.RUnlock()
	failed := m.detector.FailedCount()
	switch {
	case failed == 0:
		return types.HealthHealthy
	case failed < total/2:
		return types.HealthDegraded
	default:
		return types.HealthUnhealthy
	}
}

func (m *Manager) updateHealthGauge() {
	m.healthGauge.Set(healthValue[m.Health()])
}

// Info recomputes the derived ClusterInfo view from live state.
func (m *Manager) Info() types.ClusterInfo {
	health := m.Health()
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]types.NodeInfo, 0, len(m.infos))
	for _, member := range m.membership.Members {
		if info, ok := m.infos[member]; ok {
			members = append(members, info)
		}
	}
	return types.ClusterInfo{
		ClusterID: m.clusterID,
		Members:   members,
		Leader:    m.leader,
		Health:    health,
		FormedAt:  m.formedAt,
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.RLock()
			version := m.membership.Version
			m.mu.RUnlock()
			m.net.Broadcast(wire.Cluster{Message: wire.Heartbeat{
				SenderID:          m.self,
				SentAtUnixMs:      uint64(time.Now().UnixMilli()),
				MembershipVersion: version,
			}})
		case <-m.stopCh:
			return
		}
	}
}

// sweepLoop periodically declares silent peers failed. The sweep period
// is a quarter of the failure timeout so a failure is detected within
// 1.25x the configured window.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	period := m.cfg.FailureTimeout / 4
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range m.detector.Sweep(time.Now()) {
				m.log.Warn("node failure detected", "node", id.String())
				m.failuresTotal.Inc()
				m.detector.MarkFailed(id)
				m.updateHealthGauge()
				m.broadcastFailure(id)
				m.recovery.Dispatch(id, func(id ids.NodeID, recovered bool) {
					if !recovered {
						if err := m.RemoveMember(id); err != nil {
							m.log.Warn("removing failed member", "node", id.String(), "error", err)
						}
					}
					m.updateHealthGauge()
				})
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) broadcastFailure(id ids.NodeID) {
	m.net.Broadcast(wire.Cluster{Message: wire.NodeFailure{
		FailedNode:       id,
		ReportedBy:       m.self,
		DetectedAtUnixMs: uint64(time.Now().UnixMilli()),
	}})
}
