// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"sync"
	"time"

	"github.com/revskill10/ream-sub002/ids"
)

// FailureDetector keeps a per-node last-heartbeat map; a node is failed
// once its last heartbeat is older than the failure timeout, per spec
// §4.11. Reset-on-message semantics: any heartbeat clears a prior
// failure verdict.
type FailureDetector struct {
	timeout time.Duration

	mu            sync.Mutex
	lastHeartbeat map[ids.NodeID]time.Time
	failed        map[ids.NodeID]bool
}

// NewFailureDetector creates a detector declaring nodes failed after
// timeout without a heartbeat.
func NewFailureDetector(timeout time.Duration) *FailureDetector {
	return &FailureDetector{
		timeout:       timeout,
		lastHeartbeat: make(map[ids.NodeID]time.Time),
		failed:        make(map[ids.NodeID]bool),
	}
}

// Record notes a heartbeat from id at ts, clearing any failure verdict.
func (f *FailureDetector) Record(id ids.NodeID, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHeartbeat[id] = ts
	delete(f.failed, id)
}

// Forget drops all state about id, e.g. after it leaves the cluster.
func (f *FailureDetector) Forget(id ids.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lastHeartbeat, id)
	delete(f.failed, id)
}

// MarkFailed records an externally reported failure (report_node_failure).
func (f *FailureDetector) MarkFailed(id ids.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = true
}

// Sweep declares every tracked node whose heartbeat is older than the
// timeout failed, returning only the nodes newly declared this sweep.
func (f *FailureDetector) Sweep(now time.Time) []ids.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newly []ids.NodeID
	for id, last := range f.lastHeartbeat {
		if now.Sub(last) <= f.timeout || f.failed[id] {
			continue
		}
		f.failed[id] = true
		newly = append(newly, id)
	}
	return newly
}

// IsFailed reports the current verdict for id.
func (f *FailureDetector) IsFailed(id ids.NodeID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[id]
}

// FailedCount returns how many tracked nodes are currently failed.
func (f *FailureDetector) FailedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failed)
}
