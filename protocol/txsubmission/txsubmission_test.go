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

package txsubmission

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

// TestPullIdsThenBodies walks through Init -> request non-blocking ids
// -> reply -> request bodies by id -> reply -> Done.
func TestPullIdsThenBodies(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelTxSubmission)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelTxSubmission)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	txID := []byte("tx-1")
	body := []byte("tx-body-1")

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		require.NoError(t, client.SendInit(ctx))

		req, err := client.RecvRequest(ctx)
		require.NoError(t, err)
		require.Equal(t, RequestTxIds, req.Kind)
		assert.False(t, req.Blocking)
		assert.Equal(t, uint16(1), req.Req)

		require.NoError(t, client.SendReplyTxIds(ctx, []TxIDAndSize{{ID: txID, Size: uint32(len(body))}}))

		req, err = client.RecvRequest(ctx)
		require.NoError(t, err)
		require.Equal(t, RequestTxs, req.Kind)
		require.Len(t, req.Wanted, 1)
		assert.Equal(t, txID, req.Wanted[0])

		require.NoError(t, client.SendReplyTxs(ctx, [][]byte{body}))

		req, err = client.RecvRequest(ctx)
		require.NoError(t, err)
		assert.Equal(t, RequestDone, req.Kind)
	}()

	require.NoError(t, server.RecvInit(ctx))
	assert.Equal(t, StateIdle, server.State())

	require.NoError(t, server.SendRequestTxIds(ctx, false, 0, 1))
	reply, err := server.RecvReply(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplyTxIds, reply.Kind)
	require.Len(t, reply.Ids, 1)
	assert.Equal(t, txID, reply.Ids[0].ID)

	require.NoError(t, server.SendRequestTxs(ctx, [][]byte{txID}))
	reply, err = server.RecvReply(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplyTxs, reply.Kind)
	assert.Equal(t, [][]byte{body}, reply.Bodies)

	require.NoError(t, server.SendDone(ctx))
	assert.Equal(t, StateDone, server.State())

	<-clientDone
}

// TestBlockingReplyRejectsEmpty asserts the client cannot answer a
// blocking RequestTxIds with zero ids.
func TestBlockingReplyRejectsEmpty(t *testing.T) {
	clientPlexer, serverPlexer := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelTxSubmission)
	serverCh := serverPlexer.SubscribeServer(protocol.ChannelTxSubmission)

	go clientPlexer.Run()
	go serverPlexer.Run()

	client := NewClient(clientCh)
	server := NewServer(serverCh, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		require.NoError(t, server.RecvInit(ctx))
		require.NoError(t, server.SendRequestTxIds(ctx, true, 0, 1))
	}()

	require.NoError(t, client.SendInit(ctx))
	req, err := client.RecvRequest(ctx)
	require.NoError(t, err)
	assert.True(t, req.Blocking)
	assert.Equal(t, StateTxIdsBlocking, client.State())

	err = client.SendReplyTxIds(ctx, nil)
	assert.Equal(t, ErrBlockingReplyEmpty, err)

	<-serverDone
}

// TestWindowExceeded asserts the server refuses to request more ids
// than its advertised capacity allows outstanding at once.
func TestWindowExceeded(t *testing.T) {
	w := NewWindow(3)
	require.NoError(t, w.reserve(0, 3))
	err := w.reserve(0, 1)
	assert.Equal(t, ErrWindowExceeded, err)
	require.NoError(t, w.reserve(2, 1))
}

// TestDuplicateIDRejected asserts a single reply cannot list the same
// transaction id twice.
func TestDuplicateIDRejected(t *testing.T) {
	clientPlexer, _ := newPlexerPair(t)
	clientCh := clientPlexer.SubscribeClient(protocol.ChannelTxSubmission)
	go clientPlexer.Run()

	client := NewClient(clientCh)
	ctx := context.Background()
	require.NoError(t, client.SendInit(ctx))
	client.state = StateTxIdsNonBlocking

	err := client.SendReplyTxIds(ctx, []TxIDAndSize{{ID: []byte("a")}, {ID: []byte("a")}})
	assert.Equal(t, ErrDuplicateID, err)
}
