// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node is the top-level composition of spec §4.12: it constructs
// every subsystem, starts them leaves-first (Network, Discovery,
// Consensus, Cluster), stops them in reverse, and exposes the public API
// the scripting surface binds to.
package node

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/actor"
	"github.com/revskill10/ream-sub002/api/health"
	"github.com/revskill10/ream-sub002/api/metrics"
	"github.com/revskill10/ream-sub002/cluster"
	"github.com/revskill10/ream-sub002/config"
	"github.com/revskill10/ream-sub002/consensus"
	"github.com/revskill10/ream-sub002/consensus/common"
	"github.com/revskill10/ream-sub002/dht"
	"github.com/revskill10/ream-sub002/discovery"
	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	nolog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/migration"
	"github.com/revskill10/ream-sub002/network"
	"github.com/revskill10/ream-sub002/transport"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/utils/wrappers"
	"github.com/revskill10/ream-sub002/wire"
)

// appliedKeep bounds the in-memory tail of applied consensus values the
// node retains for its state surface.
const appliedKeep = 1024

// Node owns every subsystem by handle; subsystems communicate by value
// through public methods or by messages through bounded channels, never
// by holding each other (spec §5, §9).
type Node struct {
	params config.Parameters
	log    log.Logger

	self types.NodeInfo

	listener *transport.Listener
	registry *network.Registry
	table    *dht.RoutingTable
	dht      *dht.DHT
	disc     *discovery.Discovery
	engine   *consensus.Engine
	actors   *actor.Registry
	migrator *migration.Manager
	cluster  *cluster.Manager

	metrics metrics.Registry

	mu      sync.Mutex
	applied []types.ConsensusValue
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New validates params and constructs every subsystem without starting
// any of them.
func New(params config.Parameters, logger log.Logger) (*Node, error) {
	if err := params.Valid(); err != nil {
		return nil, errs.Wrap(errs.ProtocolError, "invalid node configuration", err)
	}
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}

	nodeID := ids.GenerateNodeID()
	if params.SeedNodeID != "" {
		parsed, err := ids.NodeIDFromString(params.SeedNodeID)
		if err != nil {
			return nil, errs.Wrap(errs.ProtocolError, "parsing seed node id", err)
		}
		nodeID = parsed
	}

	n := &Node{
		params:  params,
		log:     logger.With("node", nodeID.String()),
		metrics: metrics.NewRegistry(),
		stopCh:  make(chan struct{}),
	}
	n.self = types.NodeInfo{
		NodeID:   nodeID,
		Address:  params.BindAddress,
		Version:  "1",
		LastSeen: time.Now(),
		Capabilities: types.Capabilities{
			MaxActors: params.MaxActors,
			CPUCores:  runtime.NumCPU(),
			SupportedAlgorithms: map[types.ConsensusAlgorithm]bool{
				types.AlgorithmRaft: true,
				types.AlgorithmPBFT: true,
			},
			NodeType: types.NodeKind(params.NodeType),
			Custom:   params.CustomLabels,
		},
	}

	n.registry = network.NewRegistry(nodeID, params.NetworkTimeout, params.MaxFrameBytes, n.log)
	n.table = dht.NewRoutingTable(nodeID, params.DHTK)
	n.dht = dht.New(nodeID, n.table, n.registry, dht.Config{
		K:                 params.DHTK,
		Alpha:             params.DHTAlpha,
		ReplicationFactor: params.ReplicationFactor,
		RequestTimeout:    params.NetworkTimeout,
	})
	n.disc = discovery.New(n.self, n.table, n.dht, n.registry, n.log, discovery.Config{
		GossipInterval: params.GossipInterval,
		Fanout:         params.GossipFanout,
		FindNodeCount:  params.DHTK,
		JoinTimeout:    params.NetworkTimeout,
	})

	engine, err := consensus.New(params.ConsensusAlgorithm, nodeID, n.registry, n, n.log, params)
	if err != nil {
		return nil, err
	}
	n.engine = engine

	n.actors = actor.NewRegistry(nodeID, params.MaxActors, n.log)
	n.actors.SetForwarder(func(ref actor.Ref, payload []byte) error {
		return n.registry.Send(ref.NodeID, wire.Actor{Message: wire.Deliver{
			TargetActorID: ref.ActorID,
			Payload:       payload,
		}})
	})
	n.migrator = migration.NewManager(nodeID, n.actors, n.registry, n.log, migration.Config{
		Timeout: params.MigrationTimeout,
	})

	clusterMgr, err := cluster.NewManager(nodeID, n.registry, n.reconnect, n.log, n.metrics, cluster.Config{
		HeartbeatInterval: params.HeartbeatInterval,
		FailureTimeout:    params.FailureDetectionTimeout,
		MinSize:           params.ClusterMinSize,
		MaxSize:           params.ClusterMaxSize,
	})
	if err != nil {
		return nil, err
	}
	n.cluster = clusterMgr

	return n, nil
}

// ID returns this node's identifier.
func (n *Node) ID() ids.NodeID { return n.self.NodeID }

// Info returns this node's self-description, with Address reflecting the
// actually bound listen address once Start has run.
func (n *Node) Info() types.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

// Metrics returns the node's Prometheus registry, for callers exposing a
// /metrics endpoint.
func (n *Node) Metrics() metrics.Registry { return n.metrics }

// Actors returns the actor registry for behavior registration.
func (n *Node) Actors() *actor.Registry { return n.actors }

// Start binds the transport and begins dispatching inbound traffic; the
// consensus and cluster subsystems start when the node creates or joins
// a cluster. Leaves-first per spec §4.12.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errs.New(errs.ProtocolError, "node already started")
	}
	n.started = true
	n.mu.Unlock()

	ln, err := transport.Listen(n.params.BindAddress, n.self.NodeID, n.params.NetworkTimeout, n.params.MaxFrameBytes, n.log)
	if err != nil {
		return err
	}
	n.listener = ln
	n.mu.Lock()
	n.self.Address = ln.Addr().String()
	n.mu.Unlock()

	n.wg.Add(2)
	go n.acceptLoop()
	go n.dispatchLoop()

	n.log.Info("node started", "address", ln.Addr().String())
	return nil
}

// Stop tears the node down in reverse start order: Cluster, Consensus,
// Discovery, Network. Shutdown-path errors from the subsystems are
// collected and reported as one.
func (n *Node) Stop() error {
	errsAcc := wrappers.Errs{}
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.cluster.Stop()
		n.migrator.Stop()
		n.actors.Stop()
		errsAcc.Add(n.engine.Stop())
		n.disc.Stop()
		n.registry.Close()
		if n.listener != nil {
			errsAcc.Add(n.listener.Close())
		}
		n.wg.Wait()
		n.log.Info("node stopped")
	})
	return errsAcc.Err()
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		select {
		case c, ok := <-n.listener.Accepted():
			if !ok {
				return
			}
			n.registry.Add(c)
		case <-n.stopCh:
			return
		}
	}
}

// dispatchLoop is the single inbound pump of spec §2's control flow:
// every decoded envelope is routed by kind to exactly one subsystem
// handler.
func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	for {
		select {
		case in := <-n.registry.Inbound():
			n.dispatch(in)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) dispatch(in network.Inbound) {
	// Any message receipt refreshes the sender's routing-table entry,
	// per spec §4.4.
	n.touchPeer(in.From)

	var err error
	switch m := in.Message.(type) {
	case wire.Ping:
		err = n.registry.Send(in.From, wire.Pong{Timestamp: m.Timestamp})
	case wire.Pong:
		// Latency bookkeeping only; nothing to route.
	case wire.Discovery:
		err = n.disc.HandleMessage(in.From, m.Message)
	case wire.Consensus:
		err = n.engine.HandleMessage(in.From, m.Message)
	case wire.Actor:
		err = n.handleActor(in.From, m.Message)
	case wire.Cluster:
		err = n.cluster.HandleMessage(in.From, m.Message)
		if err == nil {
			err = n.disc.HandleClusterMessage(in.From, m.Message)
		}
	case wire.Custom:
		n.log.Debug("custom envelope ignored", "peer", in.From.String(), "bytes", len(m.Data))
	default:
		err = errs.New(errs.InvalidMessage, "unroutable envelope")
	}
	if err != nil {
		n.log.Warn("handler failed", "peer", in.From.String(), "error", err)
	}
}

// touchPeer refreshes the sender's k-bucket entry, reusing the richer
// NodeInfo from the discovery view when one is known.
func (n *Node) touchPeer(from ids.NodeID) {
	now := time.Now()
	for _, info := range n.disc.Members() {
		if info.NodeID == from {
			info.LastSeen = now
			n.table.Update(info, now)
			return
		}
	}
	n.table.Update(types.NodeInfo{NodeID: from, LastSeen: now}, now)
}

func (n *Node) handleActor(from ids.NodeID, msg wire.ActorMessage) error {
	switch m := msg.(type) {
	case wire.Spawn:
		_, err := n.actors.SpawnWithID(m.ActorID, m.BehaviorName, m.InitArgs)
		return err
	case wire.Deliver:
		ctx, cancel := context.WithTimeout(context.Background(), n.params.NetworkTimeout)
		defer cancel()
		_, err := n.actors.Tell(ctx, m.TargetActorID, m.Payload)
		return err
	default:
		return n.migrator.HandleMessage(from, msg)
	}
}

// reconnect is the cluster recovery policy's contact attempt: re-dial
// the failed node's last known address.
func (n *Node) reconnect(id ids.NodeID) error {
	if n.registry.Connected(id) {
		return nil
	}
	var addr string
	for _, info := range n.disc.Members() {
		if info.NodeID == id {
			addr = info.Address
			break
		}
	}
	if addr == "" {
		return errs.New(errs.NodeNotFound, "no known address for node "+id.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.params.NetworkTimeout)
	defer cancel()
	_, err := n.registry.Dial(ctx, addr)
	return err
}

// Apply implements common.Applier: decided values land here in commit
// order, per spec §5's total-order guarantee.
func (n *Node) Apply(value types.ConsensusValue) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, value)
	if len(n.applied) > appliedKeep {
		n.applied = n.applied[len(n.applied)-appliedKeep:]
	}
	return nil
}

// AppliedValues returns a copy of the retained tail of decided values.
func (n *Node) AppliedValues() []types.ConsensusValue {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.ConsensusValue, len(n.applied))
	copy(out, n.applied)
	return out
}

// CreateCluster bootstraps this node as a single-member cluster:
// consensus first as the initial leader, then the DHT as the sole node,
// then the cluster manager with self as the first member (spec §4.12).
func (n *Node) CreateCluster() error {
	self := n.Info()
	membership := types.NewClusterMembership([]ids.NodeID{self.NodeID})
	if err := n.engine.Bootstrap(membership); err != nil {
		return errs.Wrap(errs.FormationFailed, "bootstrapping consensus", err)
	}
	if err := n.disc.CreateCluster(); err != nil {
		return errs.Wrap(errs.FormationFailed, "initializing discovery", err)
	}
	n.cluster.Form(n.disc.ClusterID(), self)
	n.cluster.Start()
	n.log.Info("cluster created", "cluster", n.disc.ClusterID())
	return nil
}

// JoinCluster dials the bootstrap addresses and joins their cluster in
// the reverse order of CreateCluster: Discovery first (to learn the
// membership), then Consensus as a follower, then the cluster manager
// reflects the learned membership.
func (n *Node) JoinCluster(ctx context.Context, bootstrapAddrs []string) error {
	if len(bootstrapAddrs) == 0 {
		return errs.New(errs.JoinFailed, "no bootstrap addresses given")
	}

	var bootstraps []types.NodeInfo
	for _, addr := range bootstrapAddrs {
		peer, err := n.registry.Dial(ctx, addr)
		if err != nil {
			n.log.Warn("bootstrap dial failed", "address", addr, "error", err)
			continue
		}
		bootstraps = append(bootstraps, types.NodeInfo{NodeID: peer, Address: addr, LastSeen: time.Now()})
	}
	if len(bootstraps) == 0 {
		return errs.New(errs.BootstrapFailed, "could not reach any bootstrap node")
	}

	if err := n.disc.JoinCluster(ctx, bootstraps); err != nil {
		return err
	}

	members := n.disc.Members()
	memberIDs := make([]ids.NodeID, 0, len(members))
	for _, info := range members {
		memberIDs = append(memberIDs, info.NodeID)
	}
	if err := n.engine.Join(types.NewClusterMembership(memberIDs)); err != nil {
		return errs.Wrap(errs.JoinFailed, "joining consensus", err)
	}

	n.cluster.Join(n.disc.ClusterID(), members)
	n.cluster.Start()
	n.log.Info("joined cluster", "cluster", n.disc.ClusterID(), "members", len(members))
	return nil
}

// LeaveCluster announces departure and stops cluster participation; the
// node keeps running and may join another cluster.
func (n *Node) LeaveCluster() error {
	if err := n.cluster.RemoveMember(n.self.NodeID); err != nil {
		return errs.Wrap(errs.LeaveFailed, "removing self from membership", err)
	}
	n.cluster.Stop()
	return n.engine.Stop()
}

// Propose submits a value for agreement and blocks until it is decided
// or the proposal timeout elapses.
func (n *Node) Propose(ctx context.Context, data []byte) (common.Result, error) {
	value := types.NewConsensusValue(data, n.self.NodeID, time.Now())
	res, err := n.engine.Propose(ctx, value)
	if err == nil {
		n.cluster.SetLeader(n.engine.GetState().Leader)
	}
	return res, err
}

// ConsensusState returns the engine's point-in-time snapshot.
func (n *Node) ConsensusState() common.State { return n.engine.GetState() }

// ConsensusStats returns the uniform statistics surface of spec §4.6.
func (n *Node) ConsensusStats() common.Stats { return n.engine.GetStats() }

// GetClusterInfo recomputes the derived cluster view, folding in the
// consensus engine's current leader.
func (n *Node) GetClusterInfo() types.ClusterInfo {
	state := n.engine.GetState()
	n.cluster.SetLeader(state.Leader)
	return n.cluster.Info()
}

// Members returns the discovery view of the cluster's membership.
func (n *Node) Members() []types.NodeInfo { return n.disc.Members() }

// AddMember admits a node to the cluster manager's membership; exposed
// for the two-node join flow where the founder is told of the joiner.
func (n *Node) AddMember(info types.NodeInfo) error { return n.cluster.AddMember(info) }

// DiscoverNodes runs an iterative DHT lookup around the local ID and
// returns up to limit nearby nodes.
func (n *Node) DiscoverNodes(ctx context.Context, limit int) ([]types.NodeInfo, error) {
	if limit <= 0 {
		limit = n.params.DHTK
	}
	return n.dht.FindNodes(ctx, n.self.NodeID, limit)
}

// SpawnActor hosts a new actor of the registered behavior locally and
// returns its ref.
func (n *Node) SpawnActor(actorType string, initArgs []byte) (actor.Ref, error) {
	return n.actors.SpawnLocal(actorType, initArgs)
}

// MigrateActor transfers a locally-hosted actor to target.
func (n *Node) MigrateActor(ctx context.Context, actorID ids.ActorID, target ids.NodeID) error {
	return n.migrator.Migrate(ctx, actorID, target)
}

// SendRemote delivers a payload to an actor wherever it lives.
func (n *Node) SendRemote(ctx context.Context, actorID ids.ActorID, payload []byte) ([]byte, error) {
	return n.actors.Tell(ctx, actorID, payload)
}

// ActorLocation reports where an actor currently lives.
func (n *Node) ActorLocation(actorID ids.ActorID) (actor.Ref, error) {
	ref, ok := n.actors.Get(actorID)
	if !ok {
		return actor.Ref{}, errs.New(errs.ActorNotFound, "actor "+actorID.String()+" not registered")
	}
	return ref, nil
}

// Health reports the cluster health score of spec §4.11.
func (n *Node) Health() types.ClusterHealth { return n.cluster.Health() }

// HealthCheck implements health.Checker, reporting per-subsystem checks
// for the operator surface.
func (n *Node) HealthCheck(ctx context.Context) (interface{}, error) {
	started := time.Now()
	state := n.engine.GetState()
	dhtStats := n.dht.Stats()
	clusterHealth := n.cluster.Health()

	checks := []health.Check{
		{
			Name:    "cluster",
			Healthy: clusterHealth == types.HealthHealthy,
			Details: map[string]interface{}{"score": string(clusterHealth)},
		},
		{
			Name:    "consensus",
			Healthy: state.Role != "",
			Details: map[string]interface{}{
				"algorithm":   state.Algorithm,
				"role":        state.Role,
				"term":        state.Term,
				"commitIndex": state.CommitIndex,
			},
		},
		{
			Name:    "network",
			Healthy: true,
			Details: map[string]interface{}{
				"connectedPeers":    len(n.registry.Peers()),
				"connectionsFailed": n.registry.ConnectionsFailed(),
			},
		},
		{
			Name:    "dht",
			Healthy: true,
			Details: map[string]interface{}{"storedKeys": dhtStats.StoredKeys},
		},
	}
	healthy := true
	for _, c := range checks {
		healthy = healthy && c.Healthy
	}
	return health.Report{
		Healthy:  healthy,
		Checks:   checks,
		Duration: time.Since(started),
		Details: map[string]interface{}{
			"localActors": len(n.actors.LocalActors()),
		},
	}, nil
}
