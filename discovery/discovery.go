// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package discovery implements spec §4.5: forming and joining a cluster,
// announcing this node's presence, and gossiping a membership digest so
// every node's view of the network eventually converges. It sits on top
// of the dht package's routing table and lookup, and answers the
// Discovery wire messages no other subsystem owns.
package discovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/dht"
	"github.com/revskill10/ream-sub002/errs"
	nolog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// Network is the narrow capability Discovery needs from the network
// layer: send to one peer, and enumerate currently-connected peers for
// gossip fanout. Satisfied by *network.Registry.
type Network interface {
	Send(peer ids.NodeID, env wire.Envelope) error
	Peers() []ids.NodeID
}

// Config bundles Discovery's tunable parameters, mirroring
// config.Parameters' GossipInterval/GossipFanout/DHTK fields.
type Config struct {
	GossipInterval time.Duration
	Fanout         int
	FindNodeCount  int
	JoinTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.GossipInterval <= 0 {
		c.GossipInterval = time.Second
	}
	if c.Fanout <= 0 {
		c.Fanout = 3
	}
	if c.FindNodeCount <= 0 {
		c.FindNodeCount = 20
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	return c
}

// Discovery owns cluster formation/join, presence announcement, and the
// periodic gossip of a best-effort membership digest, per spec §4.5.
type Discovery struct {
	self  types.NodeInfo
	table *dht.RoutingTable
	dht   *dht.DHT
	net   Network
	log   log.Logger
	cfg   Config

	rng *rand.Rand

	mu        sync.RWMutex
	founder   bool
	clusterID string
	members   map[ids.NodeID]types.NodeInfo
	digestAt  uint64 // local monotonic counter stamped on outgoing gossip

	joinMu       sync.Mutex
	joinPending  chan wire.JoinClusterResponse

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Discovery for self, backed by an already-constructed
// routing table and DHT (the Node composes these per §4.12's strict
// start ordering before Discovery runs).
func New(self types.NodeInfo, table *dht.RoutingTable, d *dht.DHT, net Network, logger log.Logger, cfg Config) *Discovery {
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	return &Discovery{
		self:    self,
		table:   table,
		dht:     d,
		net:     net,
		log:     logger,
		cfg:     cfg.withDefaults(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(seedFromID(self.NodeID)))),
		members: map[ids.NodeID]types.NodeInfo{self.NodeID: self},
		stopCh:  make(chan struct{}),
	}
}

func seedFromID(id ids.NodeID) uint64 {
	var s uint64
	for i, b := range id {
		s ^= uint64(b) << uint((i%8)*8)
	}
	return s
}

// CreateCluster marks this node as the founder of a fresh cluster: its
// routing table holds no peers (the local node is never stored), and its gossiped
// membership view starts as the singleton {self}, per spec §4.5/§4.12.
func (d *Discovery) CreateCluster() error {
	d.mu.Lock()
	d.founder = true
	d.clusterID = "ream-" + d.self.NodeID.String()
	d.members = map[ids.NodeID]types.NodeInfo{d.self.NodeID: d.self}
	d.mu.Unlock()
	d.startGossip()
	return nil
}

// ClusterID returns the identifier of the cluster this node founded or
// joined, empty before either happens.
func (d *Discovery) ClusterID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clusterID
}

// JoinCluster inserts each bootstrap node into the DHT, runs
// find_nodes(self.id) to populate nearby k-buckets, sends a JoinCluster
// request to the first bootstrap node and waits for its response, then
// begins periodic gossip. Per spec §4.5.
func (d *Discovery) JoinCluster(ctx context.Context, bootstrap []types.NodeInfo) error {
	if len(bootstrap) == 0 {
		return errs.New(errs.BootstrapFailed, "join_cluster requires at least one bootstrap node")
	}

	now := time.Now()
	for _, b := range bootstrap {
		d.table.Update(b, now)
		d.mergeMember(b)
	}

	discovered, err := d.dht.FindNodes(ctx, d.self.NodeID, d.cfg.FindNodeCount)
	if err != nil {
		return errs.Wrap(errs.BootstrapFailed, "find_nodes during join", err)
	}
	for _, n := range discovered {
		d.table.Update(n, now)
		d.mergeMember(n)
	}

	resp, err := d.requestJoin(ctx, bootstrap[0].NodeID)
	if err != nil {
		return errs.Wrap(errs.BootstrapFailed, "join request to bootstrap node", err)
	}
	if !resp.Accepted {
		return errs.New(errs.JoinFailed, "bootstrap node rejected join request")
	}
	d.mu.Lock()
	d.clusterID = resp.ClusterID
	d.mu.Unlock()
	for _, m := range resp.Members {
		info := m.ToNodeInfo()
		d.table.Update(info, now)
		d.mergeMember(info)
	}

	d.startGossip()
	return d.AnnouncePresence(ctx)
}

// requestJoin sends a JoinCluster request to peer and blocks for its
// response, mirroring the request/response waiting pattern used by the
// DHT's iterative lookup.
func (d *Discovery) requestJoin(ctx context.Context, peer ids.NodeID) (wire.JoinClusterResponse, error) {
	d.joinMu.Lock()
	if d.joinPending != nil {
		d.joinMu.Unlock()
		return wire.JoinClusterResponse{}, errs.New(errs.BootstrapFailed, "a join request is already in flight")
	}
	ch := make(chan wire.JoinClusterResponse, 1)
	d.joinPending = ch
	d.joinMu.Unlock()
	defer func() {
		d.joinMu.Lock()
		d.joinPending = nil
		d.joinMu.Unlock()
	}()

	req := wire.Discovery{Message: wire.JoinCluster{Requester: wire.NodeDescriptorFromInfo(d.self)}}
	if err := d.net.Send(peer, req); err != nil {
		return wire.JoinClusterResponse{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(d.cfg.JoinTimeout):
		return wire.JoinClusterResponse{}, errs.New(errs.BootstrapFailed, "join_cluster timed out waiting for response")
	case <-ctx.Done():
		return wire.JoinClusterResponse{}, ctx.Err()
	}
}

// AnnouncePresence re-stores a self record at key = self.node_id, per
// spec §4.5.
func (d *Discovery) AnnouncePresence(ctx context.Context) error {
	d.mu.Lock()
	d.self.LastSeen = time.Now()
	self := d.self
	d.members[self.NodeID] = self
	d.mu.Unlock()

	desc := wire.NodeDescriptorFromInfo(self)
	if err := d.dht.Store(ctx, self.NodeID, wire.EncodeNodeDescriptor(desc)); err != nil {
		return errs.Wrap(errs.DHTFailed, "announce_presence store", err)
	}
	return nil
}

// HandleMessage answers the Discovery sub-messages this node receives:
// FindNode (reply with the closest known peers), FindNodeResponse
// (forward into the DHT's in-flight lookup), JoinCluster (accept a new
// member and reply with the current membership), JoinClusterResponse
// (deliver to a pending requestJoin call), and Store/StoreResponse (hold
// a replica and acknowledge).
func (d *Discovery) HandleMessage(from ids.NodeID, msg wire.DiscoveryMessage) error {
	switch m := msg.(type) {
	case wire.FindNode:
		closest := d.table.FindClosest(m.Key, int(m.Count))
		descs := make([]wire.NodeDescriptor, 0, len(closest))
		for _, n := range closest {
			descs = append(descs, wire.NodeDescriptorFromInfo(n))
		}
		return d.net.Send(from, wire.Discovery{Message: wire.FindNodeResponse{Nodes: descs}})

	case wire.FindNodeResponse:
		d.dht.HandleFindNodeResponse(from, m)
		return nil

	case wire.JoinCluster:
		info := m.Requester.ToNodeInfo()
		info.LastSeen = time.Now()
		d.table.Update(info, info.LastSeen)
		d.mergeMember(info)
		d.mu.RLock()
		clusterID := d.clusterID
		d.mu.RUnlock()
		return d.net.Send(from, wire.Discovery{Message: wire.JoinClusterResponse{
			Accepted:  true,
			ClusterID: clusterID,
			Members:   d.memberDescriptors(),
		}})

	case wire.JoinClusterResponse:
		d.joinMu.Lock()
		ch := d.joinPending
		d.joinMu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}
		return nil

	case wire.Store:
		d.dht.StoreLocal(m.Key, m.Value)
		return d.net.Send(from, wire.Discovery{Message: wire.StoreResponse{Key: m.Key, Stored: true}})

	case wire.StoreResponse:
		// Replication is fire-and-forget; a refusal is repaired by the
		// next announce cycle.
		if !m.Stored {
			d.log.Debug("replica refused store", "peer", from.String(), "key", m.Key.String())
		}
		return nil

	default:
		return errs.New(errs.InvalidMessage, "unhandled discovery message")
	}
}

// HandleClusterMessage reconciles an inbound MembershipUpdate gossip
// digest into the local presence view; Heartbeat and NodeFailure belong
// to the cluster package's failure detector and are ignored here.
func (d *Discovery) HandleClusterMessage(from ids.NodeID, msg wire.ClusterMessage) error {
	m, ok := msg.(wire.MembershipUpdate)
	if !ok {
		return nil
	}
	for _, desc := range m.VotingMembers {
		d.mergeMember(desc.ToNodeInfo())
	}
	for _, desc := range m.ObserverMembers {
		d.mergeMember(desc.ToNodeInfo())
	}
	return nil
}

// mergeMember reconciles info into the local membership view, keeping
// whichever copy has the more recent LastSeen, per spec §4.5's
// "divergent entries are reconciled by maximum last_seen" rule.
func (d *Discovery) mergeMember(info types.NodeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.members[info.NodeID]
	if !ok || info.LastSeen.After(existing.LastSeen) {
		d.members[info.NodeID] = info
	}
}

func (d *Discovery) memberDescriptors() []wire.NodeDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wire.NodeDescriptor, 0, len(d.members))
	for _, info := range d.members {
		out = append(out, wire.NodeDescriptorFromInfo(info))
	}
	return out
}

// Members returns a snapshot of this node's current gossiped presence
// view, consumed by the cluster manager and the node's info surface.
func (d *Discovery) Members() []types.NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.NodeInfo, 0, len(d.members))
	for _, info := range d.members {
		out = append(out, info)
	}
	return out
}

// IsFounder reports whether this node created (rather than joined) the
// cluster.
func (d *Discovery) IsFounder() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.founder
}

func (d *Discovery) startGossip() {
	d.wg.Add(1)
	go d.gossipLoop()
}

// gossipLoop runs the periodic membership gossip of spec §4.5: every
// gossip_interval, pick fanout random peers and push a digest of known
// members. Discovery reuses the wire.Cluster MembershipUpdate shape for
// this best-effort presence digest rather than introducing a new wire
// message — recipients merge it the same way regardless of whether it
// originated from discovery's gossip or the cluster manager's authoritative
// membership broadcast.
func (d *Discovery) gossipLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.gossipTick()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Discovery) gossipTick() {
	if err := d.AnnouncePresence(context.Background()); err != nil {
		d.log.Warn("announce_presence failed", "error", err)
	}

	peers := d.net.Peers()
	targets := d.pickFanout(peers)
	if len(targets) == 0 {
		return
	}

	d.mu.Lock()
	d.digestAt++
	version := d.digestAt
	d.mu.Unlock()

	digest := wire.Cluster{Message: wire.MembershipUpdate{
		Version:       version,
		VotingMembers: d.memberDescriptors(),
	}}
	for _, peer := range targets {
		if err := d.net.Send(peer, digest); err != nil {
			d.log.Warn("gossip send failed", "peer", peer.String(), "error", err)
		}
	}
}

// pickFanout selects up to cfg.Fanout distinct peers at random from
// candidates.
func (d *Discovery) pickFanout(candidates []ids.NodeID) []ids.NodeID {
	if len(candidates) <= d.cfg.Fanout {
		return candidates
	}
	shuffled := make([]ids.NodeID, len(candidates))
	copy(shuffled, candidates)
	d.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:d.cfg.Fanout]
}

// Stop halts the gossip loop.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}
