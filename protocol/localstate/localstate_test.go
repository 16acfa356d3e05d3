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

package localstate

import (
	"context"
	"net"
	"testing"
	"time"

	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/ouroboros/bearer"
	ourcbor "github.com/packetd/ouroboros/cbor"
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

func mustOpaque(t *testing.T, v string) Query {
	t.Helper()
	raw, err := ourcbor.Marshal(v)
	require.NoError(t, err)
	return Query{Value: fxcbor.RawMessage(raw), Raw: raw}
}

// TestAcquireQueryReAcquireRelease reproduces spec scenario 3: the
// client acquires the origin, issues a query, re-acquires a specific
// point, and releases, walking through every LocalStateQuery state.
func TestAcquireQueryReAcquireRelease(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelLocalState)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelLocalState)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := mustOpaque(t, "get-stake-pools")
	result := mustOpaque(t, "stake-pools-result")
	reAcquirePoint := protocol.NewPoint(1337, []byte{1, 2, 3})

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)

		idleReq, err := server.RecvWhileIdle(ctx)
		require.NoError(t, err)
		require.Equal(t, IdleRequestAcquire, idleReq.Kind)
		require.NotNil(t, idleReq.Point)
		assert.True(t, idleReq.Point.IsOrigin())
		require.NoError(t, server.SendAcquired(ctx))
		assert.Equal(t, StateAcquired, server.State())

		acqReq, err := server.RecvWhileAcquired(ctx)
		require.NoError(t, err)
		require.Equal(t, AcquiredRequestQuery, acqReq.Kind)
		assert.Equal(t, query.Raw, acqReq.Query.Raw)
		require.NoError(t, server.SendResult(ctx, result))
		assert.Equal(t, StateAcquired, server.State())

		acqReq, err = server.RecvWhileAcquired(ctx)
		require.NoError(t, err)
		require.Equal(t, AcquiredRequestReAcquire, acqReq.Kind)
		require.NotNil(t, acqReq.Point)
		assert.Equal(t, reAcquirePoint.Slot, acqReq.Point.Slot)
		require.NoError(t, server.SendAcquired(ctx))

		acqReq, err = server.RecvWhileAcquired(ctx)
		require.NoError(t, err)
		assert.Equal(t, AcquiredRequestRelease, acqReq.Kind)

		idleReq, err = server.RecvWhileIdle(ctx)
		require.NoError(t, err)
		assert.Equal(t, IdleRequestDone, idleReq.Kind)
		assert.Equal(t, StateDone, server.State())
	}()

	origin := protocol.OriginPoint()
	require.NoError(t, client.SendAcquire(ctx, &origin))
	require.NoError(t, client.RecvWhileAcquiring(ctx))
	assert.Equal(t, StateAcquired, client.State())

	require.NoError(t, client.SendQuery(ctx, query))
	got, err := client.RecvWhileQuerying(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.Raw, got.Raw)
	assert.Equal(t, StateAcquired, client.State())

	require.NoError(t, client.SendReAcquire(ctx, &reAcquirePoint))
	require.NoError(t, client.RecvWhileAcquiring(ctx))
	assert.Equal(t, StateAcquired, client.State())

	require.NoError(t, client.SendRelease(ctx))
	assert.Equal(t, StateIdle, client.State())

	require.NoError(t, client.SendDone(ctx))
	assert.Equal(t, StateDone, client.State())

	<-serverDone
}

// TestAcquireFailure covers the Acquiring -> Idle failure path.
func TestAcquireFailure(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelLocalState)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelLocalState)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		_, err := server.RecvWhileIdle(ctx)
		require.NoError(t, err)
		require.NoError(t, server.SendFailure(ctx, FailurePointTooOld))
	}()

	point := protocol.NewPoint(1, []byte("h"))
	require.NoError(t, client.SendAcquire(ctx, &point))
	err := client.RecvWhileAcquiring(ctx)
	assert.Equal(t, AcquireFailed{Reason: FailurePointTooOld}, err)
	assert.Equal(t, StateIdle, client.State())

	<-serverDone
}

// TestAcquireNilRequestsTip asserts a nil point round-trips as a CBOR
// null rather than a malformed Point.
func TestAcquireNilRequestsTip(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelLocalState)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelLocalState)

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
		assert.Nil(t, req.Point)
	}()

	require.NoError(t, client.SendAcquire(ctx, nil))
	<-serverDone
}
