// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actor

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/errs"
)

const (
	defaultMailboxSize = 64

	// defaultMaxRestarts bounds how many times a panicking actor is
	// restarted from its last snapshot within restartWindow before it is
	// marked dead.
	defaultMaxRestarts = 3
	restartWindow      = time.Minute
)

type envelope struct {
	ctx     context.Context
	payload []byte
	reply   chan deliveryResult
}

type deliveryResult struct {
	response []byte
	err      error
}

// localActor is a supervised, locally-hosted actor instance: a mailbox
// drained by one goroutine, so Receive is never invoked concurrently.
// The mailbox is a lock-guarded slice rather than a channel so that
// pause takes effect before the next dequeue — a paused actor never
// consumes another message, which migration's snapshot step depends on.
type localActor struct {
	ref     Ref
	factory Factory
	log     log.Logger

	mu           sync.Mutex
	idle         *sync.Cond // signaled when busy drops; guards snapshot vs in-flight Receive
	actor        Actor
	mailbox      []envelope
	paused       bool
	busy         bool
	lastSnapshot []byte
	restarts     []time.Time
	dead         bool
	deadReason   error

	notify chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newLocalActor(ref Ref, factory Factory, instance Actor, logger log.Logger) *localActor {
	a := &localActor{
		ref:     ref,
		factory: factory,
		log:     logger,
		actor:   instance,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	a.idle = sync.NewCond(&a.mu)
	go a.run()
	return a
}

func (a *localActor) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// deliver enqueues one message, failing fast on a full mailbox or a dead
// actor rather than blocking the caller.
func (a *localActor) deliver(ctx context.Context, payload []byte) ([]byte, error) {
	env := envelope{ctx: ctx, payload: payload, reply: make(chan deliveryResult, 1)}

	a.mu.Lock()
	if a.dead {
		reason := a.deadReason
		a.mu.Unlock()
		return nil, errs.Wrap(errs.RestartFailed, "actor "+a.ref.ActorID.String()+" is dead", reason)
	}
	if len(a.mailbox) >= defaultMailboxSize {
		a.mu.Unlock()
		return nil, errs.New(errs.MessageSendFailed, "mailbox full for actor "+a.ref.ActorID.String())
	}
	a.mailbox = append(a.mailbox, env)
	a.mu.Unlock()
	a.wake()

	select {
	case res := <-env.reply:
		return res.response, res.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.MessageSendFailed, "delivery cancelled", ctx.Err())
	case <-a.done:
		return nil, errs.New(errs.ActorNotFound, "actor stopped before processing message")
	}
}

func (a *localActor) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		var next *envelope
		if !a.paused && len(a.mailbox) > 0 {
			env := a.mailbox[0]
			a.mailbox = a.mailbox[1:]
			next = &env
			a.busy = true
		}
		a.mu.Unlock()

		if next != nil {
			a.handleOne(*next)
			a.mu.Lock()
			a.busy = false
			a.idle.Broadcast()
			a.mu.Unlock()
			continue
		}

		select {
		case <-a.notify:
		case <-a.stopCh:
			return
		}
	}
}

// handleOne runs a single Receive under panic supervision: a panic is
// recovered, the actor restarted from its most recent snapshot, and the
// sender told SupervisionFailed. Too many restarts inside restartWindow
// mark the actor dead per the supervision policy of §4.9.
func (a *localActor) handleOne(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("actor panicked", "actor", a.ref.ActorID.String(), "panic", r)
			err := a.restart()
			if err == nil {
				err = errs.New(errs.SupervisionFailed, "actor panicked while handling message; restarted")
			}
			env.reply <- deliveryResult{err: err}
		}
	}()

	a.mu.Lock()
	actor := a.actor
	a.mu.Unlock()

	resp, err := actor.Receive(env.ctx, env.payload)
	if err == nil {
		if snap, serr := actor.SnapshotState(); serr == nil {
			a.mu.Lock()
			a.lastSnapshot = snap
			a.mu.Unlock()
		}
	}
	env.reply <- deliveryResult{response: resp, err: err}
}

func (a *localActor) restart() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	recent := a.restarts[:0]
	for _, t := range a.restarts {
		if now.Sub(t) < restartWindow {
			recent = append(recent, t)
		}
	}
	a.restarts = append(recent, now)
	if len(a.restarts) > defaultMaxRestarts {
		a.dead = true
		a.deadReason = errs.New(errs.RestartFailed, "restart budget exhausted")
		return a.deadReason
	}

	fresh, err := a.factory(nil)
	if err != nil {
		a.dead = true
		a.deadReason = errs.Wrap(errs.RestartFailed, "rebuilding actor after panic", err)
		return a.deadReason
	}
	if a.lastSnapshot != nil {
		if err := fresh.RestoreState(a.lastSnapshot); err != nil {
			a.dead = true
			a.deadReason = errs.Wrap(errs.RestartFailed, "restoring snapshot after panic", err)
			return a.deadReason
		}
	}
	a.actor = fresh
	return nil
}

// pause stops dequeuing; messages keep accumulating until the mailbox
// fills. In effect before the next dequeue, so no Receive begins after
// pause returns (one already in flight completes first).
func (a *localActor) pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// resume re-enables mailbox draining after a migration rollback.
func (a *localActor) resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	a.wake()
}

// snapshot serializes the actor's current state. The caller should have
// paused the actor first; snapshot additionally waits out any Receive
// already in flight so the state it captures is quiescent.
func (a *localActor) snapshot() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.busy {
		a.idle.Wait()
	}
	state, err := a.actor.SnapshotState()
	if err != nil {
		return nil, errs.Wrap(errs.StateSerialization, "serializing actor "+a.ref.ActorID.String(), err)
	}
	return state, nil
}

// drainBuffered empties whatever accumulated in the mailbox while the
// actor was paused, returning the payloads in arrival order; pending
// repliers are told the actor moved.
func (a *localActor) drainBuffered() [][]byte {
	a.mu.Lock()
	parked := a.mailbox
	a.mailbox = nil
	a.mu.Unlock()

	out := make([][]byte, 0, len(parked))
	for _, env := range parked {
		out = append(out, env.payload)
		env.reply <- deliveryResult{err: errs.New(errs.ActorNotFound, "actor migrated; message forwarded")}
	}
	return out
}

func (a *localActor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
