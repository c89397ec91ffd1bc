// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/ream-sub002/ids"
	reamlog "github.com/revskill10/ream-sub002/log"
	"github.com/revskill10/ream-sub002/transport"
	"github.com/revskill10/ream-sub002/wire"
)

func TestRegistrySendAndBroadcast(t *testing.T) {
	logger := reamlog.NewNoOpLogger()
	serverID := ids.GenerateNodeID()
	clientID := ids.GenerateNodeID()

	ln, err := transport.Listen("127.0.0.1:0", serverID, time.Second, wire.DefaultMaxFrameBytes, logger)
	require.NoError(t, err)
	defer ln.Close()

	serverRegistry := NewRegistry(serverID, time.Second, wire.DefaultMaxFrameBytes, logger)
	defer serverRegistry.Close()

	go func() {
		c := <-ln.Accepted()
		serverRegistry.Add(c)
	}()

	clientRegistry := NewRegistry(clientID, time.Second, wire.DefaultMaxFrameBytes, logger)
	defer clientRegistry.Close()

	peer, err := clientRegistry.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	require.Equal(t, serverID, peer)

	require.Eventually(t, func() bool {
		return serverRegistry.Connected(clientID)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, clientRegistry.Send(serverID, wire.Ping{Timestamp: 5}))

	select {
	case in := <-serverRegistry.Inbound():
		require.Equal(t, clientID, in.From)
		ping, ok := in.Message.(wire.Ping)
		require.True(t, ok)
		require.Equal(t, uint64(5), ping.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound ping")
	}
}
