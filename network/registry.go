// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package network sits atop transport, tracking which peer each
// connection belongs to and giving every subsystem a uniform
// send/broadcast surface instead of juggling *transport.Connection
// directly.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/atomic"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/transport"
	"github.com/revskill10/ream-sub002/wire"
)

// Inbound is one envelope received from a peer, tagged with its source
// so a dispatcher can route by kind and reply to the right connection.
type Inbound struct {
	From    ids.NodeID
	Message wire.Envelope
}

// Registry tracks live connections by peer NodeID and fans out their
// inbound traffic onto a single channel for the Node's dispatch loop.
type Registry struct {
	localID  ids.NodeID
	timeout  time.Duration
	maxFrame uint32
	log      log.Logger

	mu    sync.RWMutex
	peers map[ids.NodeID]*transport.Connection

	connectionsFailed atomic.Uint64

	inbound chan Inbound
	done    chan struct{}
}

// NewRegistry creates an empty Registry for localID.
func NewRegistry(localID ids.NodeID, timeout time.Duration, maxFrame uint32, logger log.Logger) *Registry {
	return &Registry{
		localID:  localID,
		timeout:  timeout,
		maxFrame: maxFrame,
		log:      logger,
		peers:    make(map[ids.NodeID]*transport.Connection),
		inbound:  make(chan Inbound, 256),
		done:     make(chan struct{}),
	}
}

// Inbound returns the fan-in channel of envelopes from every registered
// peer.
func (r *Registry) Inbound() <-chan Inbound { return r.inbound }

// Close tears down every tracked connection.
func (r *Registry) Close() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.peers {
		c.Close()
		delete(r.peers, id)
	}
}

// Add registers an already-handshaked connection and starts forwarding
// its inbound traffic. If a connection to the same peer already exists,
// the older one is closed in favor of the new one (last dial wins),
// matching the teacher's "single live link per peer" convention.
func (r *Registry) Add(c *transport.Connection) {
	r.mu.Lock()
	if old, ok := r.peers[c.PeerID()]; ok {
		old.Close()
	}
	r.peers[c.PeerID()] = c
	r.mu.Unlock()

	go r.forward(c)
}

func (r *Registry) forward(c *transport.Connection) {
	peer := c.PeerID()
	defer func() {
		if c.Err() != nil {
			r.connectionsFailed.Inc()
		}
		r.mu.Lock()
		if r.peers[peer] == c {
			delete(r.peers, peer)
		}
		r.mu.Unlock()
	}()

	for {
		select {
		case env, ok := <-c.Inbound():
			if !ok {
				return
			}
			select {
			case r.inbound <- Inbound{From: peer, Message: env}:
			case <-r.done:
				return
			}
		case <-r.done:
			return
		case <-c.Done():
			return
		}
	}
}

// Dial connects to addr, registers the resulting connection, and returns
// its peer NodeID.
func (r *Registry) Dial(ctx context.Context, addr string) (ids.NodeID, error) {
	c, err := transport.Dial(ctx, addr, r.localID, r.timeout, r.maxFrame, r.log)
	if err != nil {
		return ids.NodeID{}, err
	}
	c.Start()
	r.Add(c)
	return c.PeerID(), nil
}

// Send delivers env to a specific peer. ConnectionLost is returned if the
// peer is not currently registered.
func (r *Registry) Send(peer ids.NodeID, env wire.Envelope) error {
	r.mu.RLock()
	c, ok := r.peers[peer]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.ConnectionLost, "no connection to peer "+peer.String())
	}
	return c.Send(env)
}

// Broadcast sends env to every registered peer, logging (but not
// failing on) per-peer send errors; callers that need delivery
// guarantees should use consensus-level acknowledgement instead.
func (r *Registry) Broadcast(env wire.Envelope) {
	r.mu.RLock()
	targets := make([]*transport.Connection, 0, len(r.peers))
	for _, c := range r.peers {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(env); err != nil {
			r.log.Warn("broadcast send failed", "peer", c.PeerID().String(), "error", err)
		}
	}
}

// Peers returns the NodeIDs of all currently registered connections.
func (r *Registry) Peers() []ids.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ids.NodeID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// ConnectionsFailed counts connections torn down by an error (rather
// than an orderly close) since the registry was created.
func (r *Registry) ConnectionsFailed() uint64 { return r.connectionsFailed.Load() }

// Connected reports whether a connection to peer is currently tracked.
func (r *Registry) Connected(peer ids.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[peer]
	return ok
}
