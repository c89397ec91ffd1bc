// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"time"
)

// MainnetParams favors safety margins over latency.
var MainnetParams = func() Parameters {
	p := Default()
	p.ElectionTimeoutMin = 300 * time.Millisecond
	p.ElectionTimeoutMax = 600 * time.Millisecond
	p.HeartbeatInterval = 100 * time.Millisecond
	p.DHTK = 20
	p.ReplicationFactor = 5
	p.ClusterMaxSize = 256
	p.FailureDetectionTimeout = 45 * time.Second
	return p
}()

// TestnetParams loosens bounds for easier multi-region experimentation.
var TestnetParams = func() Parameters {
	p := Default()
	p.ReplicationFactor = 3
	p.ClusterMaxSize = 64
	return p
}()

// LocalParams is tuned for fast convergence on a single machine.
var LocalParams = func() Parameters {
	p := Default()
	p.ElectionTimeoutMin = 50 * time.Millisecond
	p.ElectionTimeoutMax = 100 * time.Millisecond
	p.HeartbeatInterval = 15 * time.Millisecond
	p.GossipInterval = 200 * time.Millisecond
	p.FailureDetectionTimeout = 5 * time.Second
	p.ClusterMaxSize = 16
	return p
}()

// GetPresetParameters resolves a preset by name.
func GetPresetParameters(preset string) (Parameters, error) {
	switch preset {
	case "mainnet":
		return MainnetParams, nil
	case "testnet":
		return TestnetParams, nil
	case "local":
		return LocalParams, nil
	default:
		return Parameters{}, fmt.Errorf("unknown preset: %s", preset)
	}
}

// PresetNames returns all available preset names.
func PresetNames() []string {
	return []string{"mainnet", "testnet", "local"}
}
