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

package facade

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/ouroboros/bearer"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
	"github.com/packetd/ouroboros/protocol/handshake"
)

// TestPeerClientHandshake drives a full PeerClient against a bare
// Plexer/handshake.Server stand-in for a node, covering the N2N
// connect -> handshake path end to end. The stand-in subscribes the
// chainsync channel but exchanges no chainsync messages.
func TestPeerClientHandshake(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		b, _, err := bearer.AcceptTCP(listener)
		require.NoError(t, err)

		px := plexer.New(b)
		hsCh := px.SubscribeServer(protocol.ChannelHandshake)
		csCh := px.SubscribeServer(protocol.ChannelChainSync)
		px.SubscribeServer(protocol.ChannelBlockFetch)
		px.SubscribeServer(protocol.ChannelTxSubmission)
		px.SubscribeServer(protocol.ChannelKeepalive)

		go px.Run()

		hs := handshake.NewServer[handshake.N2NVersionData](hsCh)
		_, err = hs.ReceiveProposedVersions(context.Background())
		require.NoError(t, err)
		require.NoError(t, hs.AcceptVersion(context.Background(), 10, handshake.NewN2NVersionData(764824073, false)))

		_ = csCh
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := Connect(ctx, listener.Addr().String(), 764824073, 9, 10)
	require.NoError(t, err)
	defer peer.Close()

	assert.NotNil(t, peer.ChainSync())
	assert.NotNil(t, peer.BlockFetch())
	assert.NotNil(t, peer.TxSubmission())
	assert.NotNil(t, peer.Keepalive())

	<-serverDone
}

// TestNodeClientRefusal asserts a refused handshake surfaces as
// ErrRefused rather than leaving the caller with a half-built client.
func TestNodeClientRefusal(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "node.socket")

	listener, err := bearer.ListenUnix(socketPath)
	require.NoError(t, err)
	defer listener.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		b, _, err := bearer.AcceptUnix(listener)
		require.NoError(t, err)

		px := plexer.New(b)
		hsCh := px.SubscribeServer(protocol.ChannelHandshake)
		px.SubscribeServer(protocol.ChannelChainSync)
		px.SubscribeServer(protocol.ChannelLocalState)

		go px.Run()

		hs := handshake.NewServer[handshake.N2CVersionData](hsCh)
		_, err = hs.ReceiveProposedVersions(context.Background())
		require.NoError(t, err)
		require.NoError(t, hs.Refuse(context.Background(), handshake.RefuseReason{
			Kind:              handshake.RefuseVersionMismatch,
			SupportedVersions: []uint64{11},
		}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = ConnectNode(ctx, socketPath, 764824073, 9, 10)
	require.Error(t, err)
	var refused ErrRefused
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, handshake.RefuseVersionMismatch, refused.Reason.Kind)

	<-serverDone
}
