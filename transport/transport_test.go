// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/ids"
	reamlog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/wire"
)

func TestDialAcceptHandshakeAndSend(t *testing.T) {
	logger := reamlog.NewNoOpLogger()
	serverID := ids.GenerateNodeID()
	clientID := ids.GenerateNodeID()

	ln, err := Listen("127.0.0.1:0", serverID, time.Second, wire.DefaultMaxFrameBytes, logger)
	require.NoError(t, err)
	defer ln.Close()

	clientConnCh := make(chan *Connection, 1)
	clientErrCh := make(chan error, 1)
	go func() {
		c, err := DialTimeout(ln.Addr().String(), clientID, time.Second, wire.DefaultMaxFrameBytes, logger)
		if err != nil {
			clientErrCh <- err
			return
		}
		c.Start()
		clientConnCh <- c
	}()

	var server *Connection
	select {
	case server = <-ln.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
	require.Equal(t, clientID, server.PeerID())

	var client *Connection
	select {
	case client = <-clientConnCh:
	case err := <-clientErrCh:
		t.Fatalf("dial failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
	require.Equal(t, serverID, client.PeerID())
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send(wire.Ping{Timestamp: 99}))

	select {
	case env := <-server.Inbound():
		ping, ok := env.(wire.Ping)
		require.True(t, ok)
		require.Equal(t, uint64(99), ping.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping")
	}
}
