// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/ids"
)

// RecoverFunc attempts to bring a failed node back into contact (for the
// Node this is a reconnect through the network layer). A nil error means
// the node answered again.
type RecoverFunc func(id ids.NodeID) error

// Dependent is notified when a node it depends on is declared failed,
// before recovery begins.
type Dependent func(failed ids.NodeID)

// Recovery dispatches bounded-retry recovery for failed nodes: notify
// dependents, then retry contact with exponential backoff up to the
// attempt budget, per spec §4.11 and SPEC_FULL's expanded retry policy.
type Recovery struct {
	attempts int
	backoff  time.Duration
	contact  RecoverFunc
	log      log.Logger

	mu         sync.Mutex
	dependents []Dependent
	inFlight   map[ids.NodeID]bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewRecovery creates a Recovery running contact up to attempts times per
// failed node, starting at backoff and doubling each retry.
func NewRecovery(attempts int, backoff time.Duration, contact RecoverFunc, logger log.Logger) *Recovery {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Recovery{
		attempts: attempts,
		backoff:  backoff,
		contact:  contact,
		log:      logger,
		inFlight: make(map[ids.NodeID]bool),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a dependent to be notified of failures.
func (r *Recovery) Subscribe(d Dependent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependents = append(r.dependents, d)
}

// Dispatch notifies dependents of the failure and starts background
// recovery for id unless one is already running. onDone is invoked with
// the final outcome once retries are exhausted or contact is restored.
func (r *Recovery) Dispatch(id ids.NodeID, onDone func(id ids.NodeID, recovered bool)) {
	r.mu.Lock()
	if r.inFlight[id] {
		r.mu.Unlock()
		return
	}
	r.inFlight[id] = true
	dependents := make([]Dependent, len(r.dependents))
	copy(dependents, r.dependents)
	r.mu.Unlock()

	for _, d := range dependents {
		d(id)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, id)
			r.mu.Unlock()
		}()

		recovered := false
		delay := r.backoff
		for attempt := 1; attempt <= r.attempts; attempt++ {
			select {
			case <-time.After(delay):
			case <-r.stopCh:
				return
			}
			if r.contact == nil {
				break
			}
			if err := r.contact(id); err == nil {
				recovered = true
				break
			} else {
				r.log.Debug("recovery attempt failed", "node", id.String(), "attempt", attempt, "error", err)
			}
			delay *= 2
		}
		if onDone != nil {
			onDone(id, recovered)
		}
	}()
}

// Stop aborts all in-flight recovery attempts.
func (r *Recovery) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.wg.Wait()
}
