// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dht

import (
	"context"
	"sync"
	"time"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/types"
	"github.com/revskill10/ream-sub002/wire"
)

// Sender is the narrow send capability dht needs from the network layer;
// satisfied by *network.Registry without dht importing it directly.
type Sender interface {
	Send(peer ids.NodeID, env wire.Envelope) error
}

// DHT ties a RoutingTable, a Sender, and an in-memory store together and
// drives the iterative lookup and replicated store of spec §4.4.
type DHT struct {
	self   ids.NodeID
	table  *RoutingTable
	sender Sender

	alpha             int
	k                 int
	replicationFactor int
	requestTimeout    time.Duration

	mu             sync.Mutex
	inProgress     map[ids.NodeID]bool
	pendingByPeer  map[ids.NodeID]chan []wire.NodeDescriptor

	store sync.Map // key (ids.NodeID) -> storedValue
}

type storedValue struct {
	data      []byte
	storedAt  time.Time
}

// Config bundles the DHT's tunable parameters, mirroring config.Parameters'
// DHTK/DHTAlpha/ReplicationFactor fields.
type Config struct {
	K                 int
	Alpha             int
	ReplicationFactor int
	RequestTimeout    time.Duration
}

// New creates a DHT for self, backed by table and sender.
func New(self ids.NodeID, table *RoutingTable, sender Sender, cfg Config) *DHT {
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	return &DHT{
		self:              self,
		table:             table,
		sender:            sender,
		alpha:             cfg.Alpha,
		k:                 cfg.K,
		replicationFactor: cfg.ReplicationFactor,
		requestTimeout:    cfg.RequestTimeout,
		inProgress:        make(map[ids.NodeID]bool),
		pendingByPeer:     make(map[ids.NodeID]chan []wire.NodeDescriptor),
	}
}

// HandleFindNodeResponse delivers a FindNodeResponse received from peer
// to whichever lookup round is currently awaiting it. It is a no-op if
// no lookup is waiting on that peer.
func (d *DHT) HandleFindNodeResponse(peer ids.NodeID, resp wire.FindNodeResponse) {
	d.mu.Lock()
	ch, ok := d.pendingByPeer[peer]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp.Nodes:
	default:
	}
}

// FindNodes performs the iterative lookup of spec §4.4: start from the
// alpha closest known candidates, query them in parallel, fold the
// closer nodes they return into the candidate set, and repeat until a
// round learns no closer node or the k closest have all been queried.
func (d *DHT) FindNodes(ctx context.Context, key ids.NodeID, count int) ([]types.NodeInfo, error) {
	d.mu.Lock()
	if d.inProgress[key] {
		d.mu.Unlock()
		return nil, errs.New(errs.DHTFailed, "lookup already in progress for this key")
	}
	d.inProgress[key] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inProgress, key)
		d.mu.Unlock()
	}()

	candidates := newCandidateSet(key, d.k)
	candidates.addAll(d.table.FindClosest(key, d.k))

	queried := make(map[ids.NodeID]bool)
	for {
		batch := candidates.unqueried(queried, d.alpha)
		if len(batch) == 0 {
			break
		}
		learned := d.queryRound(ctx, key, batch)
		for _, n := range batch {
			queried[n.NodeID] = true
		}
		closerFound := candidates.addAll(learned)
		if !closerFound || candidates.allQueried(queried, d.k) {
			break
		}
	}

	result := candidates.closest(count)
	return result, nil
}

// queryRound fires FindNode at each candidate in parallel and collects
// whatever NodeDescriptors come back before requestTimeout elapses.
func (d *DHT) queryRound(ctx context.Context, key ids.NodeID, batch []types.NodeInfo) []types.NodeInfo {
	var wg sync.WaitGroup
	resultsMu := sync.Mutex{}
	var results []types.NodeInfo

	for _, peer := range batch {
		wg.Add(1)
		go func(peer types.NodeInfo) {
			defer wg.Done()
			descs, err := d.query(ctx, peer.NodeID, key)
			if err != nil {
				return
			}
			resultsMu.Lock()
			for _, desc := range descs {
				results = append(results, types.NodeInfo{NodeID: desc.NodeID, Address: desc.Address})
			}
			resultsMu.Unlock()
		}(peer)
	}
	wg.Wait()
	return results
}

func (d *DHT) query(ctx context.Context, peer, key ids.NodeID) ([]wire.NodeDescriptor, error) {
	ch := make(chan []wire.NodeDescriptor, 1)
	d.mu.Lock()
	d.pendingByPeer[peer] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pendingByPeer, peer)
		d.mu.Unlock()
	}()

	if err := d.sender.Send(peer, wire.Discovery{Message: wire.FindNode{Key: key, Count: uint32(d.k)}}); err != nil {
		return nil, err
	}

	select {
	case nodes := <-ch:
		return nodes, nil
	case <-time.After(d.requestTimeout):
		return nil, errs.New(errs.NodeLookupFailed, "find_node timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats reports the DHT's current store size and bucket occupancy,
// consumed by the Node's health surface per SPEC_FULL's expanded §4.4.
type Stats struct {
	StoredKeys      int
	BucketOccupancy map[int]int
}

func (d *DHT) Stats() Stats {
	count := 0
	d.store.Range(func(_, _ any) bool { count++; return true })
	return Stats{StoredKeys: count, BucketOccupancy: d.table.BucketOccupancy()}
}
