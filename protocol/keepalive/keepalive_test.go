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

package keepalive

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

func TestPingPongRoundTrip(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelKeepalive)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelKeepalive)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		done, err := server.ServeOne(ctx)
		require.NoError(t, err)
		assert.False(t, done)
	}()

	rtt, err := client.Ping(ctx, 7)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
	assert.Equal(t, StateClient, client.State())

	<-serverDone
}

func TestKeepaliveDone(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelKeepalive)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelKeepalive)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		done, err := server.ServeOne(ctx)
		require.NoError(t, err)
		assert.True(t, done)
	}()

	require.NoError(t, client.SendDone(ctx))
	assert.Equal(t, StateDone, client.State())

	<-serverDone
}
