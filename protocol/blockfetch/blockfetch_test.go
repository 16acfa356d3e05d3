// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockfetch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/ouroboros/bearer"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
)

func newPlexerPair(t *testing.T) (*plexer.Plexer, *plexer.Plexer) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverCh := make(chan *bearer.Bearer, 1)
	go func() {
		b, _, err := bearer.AcceptTCP(listener)
		require.NoError(t, err)
		serverCh <- b
	}()

	clientBearer, err := bearer.ConnectTCP(listener.Addr().String())
	require.NoError(t, err)
	serverBearer := <-serverCh

	return plexer.New(clientBearer), plexer.New(serverBearer)
}

// TestHappyPathRange reproduces spec scenario 1: the client requests a
// range, the server streams three blocks, and the client reads them all
// back in order before observing BatchDone.
func TestHappyPathRange(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelBlockFetch)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelBlockFetch)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	from := protocol.NewPoint(10, []byte("h10"))
	to := protocol.NewPoint(12, []byte("h12"))
	bodies := [][]byte{[]byte("block-10"), []byte("block-11"), []byte("block-12")}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		req, err := server.RecvWhileIdle(ctx)
		require.NoError(t, err)
		require.Equal(t, RequestRange, req.Kind)
		assert.Equal(t, uint64(10), req.From.Slot)
		assert.Equal(t, uint64(12), req.To.Slot)
		require.NoError(t, server.SendBlockRange(ctx, bodies))
	}()

	require.NoError(t, client.RequestRange(ctx, from, to))
	assert.Equal(t, StateStreaming, client.State())

	var got [][]byte
	for {
		body, done, err := client.NextBlock(ctx)
		require.NoError(t, err)
		if done {
			break
		}
		got = append(got, body)
	}
	assert.Equal(t, bodies, got)
	assert.Equal(t, StateIdle, client.State())

	<-serverDone
	assert.Equal(t, StateIdle, server.State())
}

// TestNoBlocksRange reproduces spec scenario 2: the server holds none of
// the requested range and the client observes ErrNoBlocks, landing back
// in Idle without ever entering Streaming.
func TestNoBlocksRange(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelBlockFetch)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelBlockFetch)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		req, err := server.RecvWhileIdle(ctx)
		require.NoError(t, err)
		require.Equal(t, RequestRange, req.Kind)
		require.NoError(t, server.SendNoBlocks(ctx))
	}()

	err := client.RequestRange(ctx, protocol.NewPoint(1, nil), protocol.NewPoint(2, nil))
	assert.Equal(t, ErrNoBlocks{}, err)
	assert.Equal(t, StateIdle, client.State())

	<-serverDone
	assert.Equal(t, StateIdle, server.State())
}

// TestClientDoneTerminates covers the Idle -> Done transition.
func TestClientDoneTerminates(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelBlockFetch)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelBlockFetch)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		req, err := server.RecvWhileIdle(ctx)
		require.NoError(t, err)
		assert.Equal(t, RequestClientDone, req.Kind)
		assert.Equal(t, StateDone, server.State())
	}()

	require.NoError(t, client.SendClientDone(ctx))
	assert.Equal(t, StateDone, client.State())

	<-serverDone
}

// TestAgencyViolation asserts a server send attempted without agency
// fails fast without touching the channel.
func TestAgencyViolation(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelBlockFetch)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelBlockFetch)

	go clientPlexer.Run()
	go serverPlexer.Run()

	server := NewServer(serverCh)
	_ = clientCh

	err := server.SendStartBatch(context.Background())
	assert.Equal(t, protocol.AgencyIsTheirs{State: "Idle"}, err)
}
