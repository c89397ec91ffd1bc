// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport owns the TCP byte-pipe underneath every REAM wire
// envelope: dialing and accepting connections, the handshake that
// establishes each peer's NodeID, and a per-connection reader/writer pair
// so subsystems never block on a slow peer's socket.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/atomic"

	"github.com/revskill10/ream-sub002/errs"
	"github.com/revskill10/ream-sub002/ids"
	"github.com/revskill10/ream-sub002/wire"
)

// defaultOutboundQueue bounds how many encoded frames may be queued for a
// single peer before Send starts reporting backpressure; a peer that
// cannot drain this fast is treated as failed rather than let memory grow
// unbounded.
const defaultOutboundQueue = 256

// Connection is one live, handshaked link to a peer. All public methods
// are safe for concurrent use.
type Connection struct {
	conn     net.Conn
	peerID   ids.NodeID
	localID  ids.NodeID
	log      log.Logger
	maxFrame uint32

	inbound chan wire.Envelope

	msgsSent      atomic.Uint64
	msgsReceived  atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	mu      sync.Mutex
	pending [][]byte
	notify  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// Dial opens a TCP connection to addr and performs the handshake, proving
// localID to the remote side and learning its NodeID in return.
func Dial(ctx context.Context, addr string, localID ids.NodeID, timeout time.Duration, maxFrame uint32, logger log.Logger) (*Connection, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailed, "dialing "+addr, err)
	}
	c := newConnection(conn, localID, maxFrame, logger)
	if err := c.handshake(timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Accept wraps an already-accepted net.Conn, performing the responder
// side of the handshake.
func Accept(conn net.Conn, localID ids.NodeID, timeout time.Duration, maxFrame uint32, logger log.Logger) (*Connection, error) {
	c := newConnection(conn, localID, maxFrame, logger)
	if err := c.handshake(timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newConnection(conn net.Conn, localID ids.NodeID, maxFrame uint32, logger log.Logger) *Connection {
	if maxFrame == 0 {
		maxFrame = wire.DefaultMaxFrameBytes
	}
	c := &Connection{
		conn:     conn,
		localID:  localID,
		log:      logger,
		maxFrame: maxFrame,
		inbound:  make(chan wire.Envelope, defaultOutboundQueue),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	return c
}

// handshake exchanges Handshake/HandshakeAck envelopes before any other
// traffic flows, recording the peer's NodeID on success.
func (c *Connection) handshake(timeout time.Duration) error {
	c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	out, err := wire.EncodeFrame(wire.Handshake{NodeID: c.localID, ProtocolVersion: wire.ProtocolVersion})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(out); err != nil {
		return errs.Wrap(errs.SendFailed, "writing handshake", err)
	}

	payload, err := wire.ReadFrame(c.conn, c.maxFrame)
	if err != nil {
		return errs.Wrap(errs.ReceiveFailed, "reading handshake", err)
	}
	env, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	hs, ok := env.(wire.Handshake)
	if !ok {
		return errs.New(errs.ProtocolError, "expected Handshake as first message")
	}
	if hs.ProtocolVersion != wire.ProtocolVersion {
		ack, _ := wire.EncodeFrame(wire.HandshakeAck{NodeID: c.localID, Accepted: false})
		c.conn.Write(ack)
		return errs.New(errs.ProtocolError, "protocol version mismatch")
	}
	c.peerID = hs.NodeID

	ackOut, err := wire.EncodeFrame(wire.HandshakeAck{NodeID: c.localID, Accepted: true})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(ackOut); err != nil {
		return errs.Wrap(errs.SendFailed, "writing handshake ack", err)
	}

	ackPayload, err := wire.ReadFrame(c.conn, c.maxFrame)
	if err != nil {
		return errs.Wrap(errs.ReceiveFailed, "reading handshake ack", err)
	}
	ackEnv, err := wire.Decode(ackPayload)
	if err != nil {
		return err
	}
	ack, ok := ackEnv.(wire.HandshakeAck)
	if !ok {
		return errs.New(errs.ProtocolError, "expected HandshakeAck as second message")
	}
	if !ack.Accepted {
		return errs.New(errs.ConnectionFailed, "peer rejected handshake")
	}
	return nil
}

// Start launches the reader and writer goroutines. Must be called exactly
// once after a successful handshake.
func (c *Connection) Start() {
	go c.readLoop()
	go c.writeLoop()
}

// PeerID returns the NodeID learned during the handshake.
func (c *Connection) PeerID() ids.NodeID { return c.peerID }

// RemoteAddr returns the underlying socket's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Inbound returns the channel of envelopes decoded from this connection.
// It is closed when the connection terminates.
func (c *Connection) Inbound() <-chan wire.Envelope { return c.inbound }

// Done is closed once the connection has terminated for any reason.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Stats is a point-in-time snapshot of a connection's traffic counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

// Stats returns the connection's current traffic counters.
func (c *Connection) Stats() Stats {
	return Stats{
		MessagesSent:     c.msgsSent.Load(),
		MessagesReceived: c.msgsReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
	}
}

// Err returns the reason the connection terminated, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Send enqueues an envelope for transmission. It returns SendFailed
// immediately if the outbound queue is full rather than blocking the
// caller on a slow peer.
func (c *Connection) Send(env wire.Envelope) error {
	framed, err := wire.EncodeFrame(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if len(c.pending) >= defaultOutboundQueue {
		c.mu.Unlock()
		return errs.New(errs.SendFailed, "outbound queue full")
	}
	c.pending = append(c.pending, framed)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close terminates the connection, releasing both loops.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.done)
	})
	return nil
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
	c.Close()
}

func (c *Connection) readLoop() {
	defer close(c.inbound)
	for {
		payload, err := wire.ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			c.fail(errs.Wrap(errs.ConnectionLost, "read loop", err))
			return
		}
		c.msgsReceived.Inc()
		c.bytesReceived.Add(uint64(len(payload)))
		env, err := wire.Decode(payload)
		if err != nil {
			c.log.Warn("dropping malformed frame", "peer", c.peerID.String(), "error", err)
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			c.mu.Lock()
			batch := c.pending
			c.pending = nil
			c.mu.Unlock()

			for _, framed := range batch {
				if _, err := c.conn.Write(framed); err != nil {
					c.fail(errs.Wrap(errs.SendFailed, "write loop", err))
					return
				}
				c.msgsSent.Inc()
				c.bytesSent.Add(uint64(len(framed)))
			}
		}
	}
}
