// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"net"
	"time"

	"github.com/luxfi/log"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
)

// Listener accepts inbound connections and hands back handshaked
// *Connection values on Accepted.
type Listener struct {
	ln       net.Listener
	localID  ids.NodeID
	timeout  time.Duration
	maxFrame uint32
	log      log.Logger

	accepted chan *Connection
	done     chan struct{}
}

// Listen binds addr and begins accepting connections in the background.
func Listen(addr string, localID ids.NodeID, timeout time.Duration, maxFrame uint32, logger log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.BindError, "binding "+addr, err)
	}
	l := &Listener{
		ln:       ln,
		localID:  localID,
		timeout:  timeout,
		maxFrame: maxFrame,
		log:      logger,
		accepted: make(chan *Connection, defaultOutboundQueue),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accepted yields each successfully handshaked inbound connection.
func (l *Listener) Accepted() <-chan *Connection { return l.accepted }

// Close stops accepting and releases the bound socket.
func (l *Listener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	defer close(l.accepted)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.log.Warn("accept failed", "error", err)
				return
			}
		}
		go l.handleAccepted(conn)
	}
}

func (l *Listener) handleAccepted(conn net.Conn) {
	c, err := Accept(conn, l.localID, l.timeout, l.maxFrame, l.log)
	if err != nil {
		l.log.Warn("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	c.Start()
	select {
	case l.accepted <- c:
	case <-l.done:
		c.Close()
	}
}

// DialTimeout is a small convenience wrapping Dial with context.Background
// and a fixed timeout, used by callers that don't need cancellation.
func DialTimeout(addr string, localID ids.NodeID, timeout time.Duration, maxFrame uint32, logger log.Logger) (*Connection, error) {
	return Dial(context.Background(), addr, localID, timeout, maxFrame, logger)
}
