// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"time"
)

// NetworkType names a preset deployment profile.
type NetworkType string

const (
	MainnetNetwork NetworkType = "mainnet"
	TestnetNetwork NetworkType = "testnet"
	LocalNetwork   NetworkType = "local"
)

// Builder provides a fluent interface for constructing node Parameters.
type Builder struct {
	params *Parameters
	err    error
}

// NewBuilder creates a builder seeded with sensible defaults.
func NewBuilder() *Builder {
	p := Default()
	return &Builder{params: &p}
}

// FromPreset loads a preset configuration as the builder's starting point.
func (b *Builder) FromPreset(preset NetworkType) *Builder {
	if b.err != nil {
		return b
	}

	switch preset {
	case MainnetNetwork:
		clone := MainnetParams
		b.params = &clone
	case TestnetNetwork:
		clone := TestnetParams
		b.params = &clone
	case LocalNetwork:
		clone := LocalParams
		b.params = &clone
	default:
		b.err = fmt.Errorf("unknown preset: %s", preset)
	}
	return b
}

// WithBindAddress sets the local listen address.
func (b *Builder) WithBindAddress(addr string) *Builder {
	if b.err != nil {
		return b
	}
	b.params.BindAddress = addr
	return b
}

// WithBootstrapNodes sets the peers dialed during join_cluster.
func (b *Builder) WithBootstrapNodes(addrs ...string) *Builder {
	if b.err != nil {
		return b
	}
	b.params.BootstrapNodes = addrs
	return b
}

// WithConsensusAlgorithm selects the replicated-decision algorithm.
func (b *Builder) WithConsensusAlgorithm(alg Algorithm) *Builder {
	if b.err != nil {
		return b
	}
	b.params.ConsensusAlgorithm = alg
	return b
}

// WithElectionTimeout sets the randomized Raft election timeout window.
func (b *Builder) WithElectionTimeout(min, max time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if max < min {
		b.err = fmt.Errorf("electionTimeoutMax (%s) must be >= electionTimeoutMin (%s)", max, min)
		return b
	}
	b.params.ElectionTimeoutMin = min
	b.params.ElectionTimeoutMax = max
	return b
}

// WithHeartbeatInterval sets the Raft leader heartbeat cadence.
func (b *Builder) WithHeartbeatInterval(d time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if d >= b.params.ElectionTimeoutMin {
		b.err = fmt.Errorf("heartbeatInterval (%s) must be < electionTimeoutMin (%s)", d, b.params.ElectionTimeoutMin)
		return b
	}
	b.params.HeartbeatInterval = d
	return b
}

// WithDHT sets the Kademlia bucket size K and lookup concurrency alpha.
func (b *Builder) WithDHT(k, alpha int) *Builder {
	if b.err != nil {
		return b
	}
	if alpha > k {
		b.err = fmt.Errorf("dhtAlpha (%d) must be <= dhtK (%d)", alpha, k)
		return b
	}
	b.params.DHTK = k
	b.params.DHTAlpha = alpha
	return b
}

// WithClusterSize bounds the number of members the cluster manager accepts.
func (b *Builder) WithClusterSize(min, max int) *Builder {
	if b.err != nil {
		return b
	}
	if max < min {
		b.err = fmt.Errorf("clusterMaxSize (%d) must be >= clusterMinSize (%d)", max, min)
		return b
	}
	b.params.ClusterMinSize = min
	b.params.ClusterMaxSize = max
	return b
}

// WithNodeType sets the advertised capability profile.
func (b *Builder) WithNodeType(t NodeType) *Builder {
	if b.err != nil {
		return b
	}
	b.params.NodeType = t
	return b
}

// Build validates and returns the final Parameters.
func (b *Builder) Build() (Parameters, error) {
	if b.err != nil {
		return Parameters{}, b.err
	}
	if err := b.params.Valid(); err != nil {
		return Parameters{}, err
	}
	return *b.params, nil
}

// Default returns the baseline Parameters used when no preset is requested.
func Default() Parameters {
	return Parameters{
		BindAddress:             "127.0.0.1:7890",
		NetworkTimeout:          30 * time.Second,
		KeepAlive:               60 * time.Second,
		MaxFrameBytes:           1 << 20,
		ProtocolVersion:         1,
		ConsensusAlgorithm:      Raft,
		ElectionTimeoutMin:      150 * time.Millisecond,
		ElectionTimeoutMax:      300 * time.Millisecond,
		HeartbeatInterval:       50 * time.Millisecond,
		ProposalTimeout:         30 * time.Second,
		DHTK:                    20,
		DHTAlpha:                3,
		ReplicationFactor:       3,
		GossipInterval:          time.Second,
		GossipFanout:            3,
		ClusterMinSize:          1,
		ClusterMaxSize:          64,
		FailureDetectionTimeout: 30 * time.Second,
		MigrationTimeout:        60 * time.Second,
		NodeType:                Worker,
		MaxActors:               4096,
	}
}
