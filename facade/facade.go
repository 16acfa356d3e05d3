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

// Package facade wires together the Bearer, Plexer, and Handshake layers
// into the two connection types spec §6's public API surface names:
// PeerClient for node-to-node peers and NodeClient for node-to-client
// connections to a local node. Both subscribe every mini-protocol
// channel before starting the Plexer's pumps — the egress pump only
// ever sees the subscriber snapshot taken at Run time (spec §2's "both
// sides subscribe, then run") — and run the handshake immediately after.
package facade

import (
	"context"

	"github.com/pkg/errors"

	"github.com/packetd/ouroboros/bearer"
	"github.com/packetd/ouroboros/internal/tracekit"
	"github.com/packetd/ouroboros/logger"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
	"github.com/packetd/ouroboros/protocol/blockfetch"
	"github.com/packetd/ouroboros/protocol/chainsync"
	"github.com/packetd/ouroboros/protocol/handshake"
	"github.com/packetd/ouroboros/protocol/keepalive"
	"github.com/packetd/ouroboros/protocol/localstate"
	"github.com/packetd/ouroboros/protocol/txsubmission"
)

// ErrRefused is returned by Connect/ConnectNode when the peer refused
// every proposed handshake version.
type ErrRefused struct {
	Reason handshake.RefuseReason
}

func (e ErrRefused) Error() string {
	return errors.Errorf("facade: handshake refused: %v", e.Reason.Kind).Error()
}

func runHandshake[V any](ctx context.Context, hs *handshake.Client[V], proposals map[uint64]V) error {
	if err := hs.ProposeVersions(ctx, proposals); err != nil {
		return err
	}
	outcome, err := hs.ReceiveDecision(ctx)
	if err != nil {
		return err
	}
	if !outcome.Accepted {
		return ErrRefused{Reason: outcome.Refusal}
	}
	return nil
}

// PeerClient is a node-to-node connection: TCP transport, the N2N
// version-data shape, and the chainsync/blockfetch/txsubmission/keepalive
// mini-protocols.
type PeerClient struct {
	plexer *plexer.Plexer

	chainsync    *chainsync.Client
	blockfetch   *blockfetch.Client
	txsubmission *txsubmission.Client
	keepalive    *keepalive.Client
}

// Connect dials addr over TCP, runs the N2N handshake proposing every
// version in [minVersion, maxVersion], and returns a ready PeerClient.
func Connect(ctx context.Context, addr string, networkMagic uint32, minVersion, maxVersion uint64) (*PeerClient, error) {
	b, err := bearer.ConnectTCP(addr)
	if err != nil {
		return nil, err
	}
	return newPeerClient(ctx, b, networkMagic, minVersion, maxVersion)
}

func newPeerClient(ctx context.Context, b *bearer.Bearer, networkMagic uint32, minVersion, maxVersion uint64) (*PeerClient, error) {
	traceID := tracekit.RandomTraceID()
	logger.Infof("facade[%s]: connecting peer client, magic=%d versions=[%d,%d]", traceID, networkMagic, minVersion, maxVersion)

	px := plexer.New(b)

	hsCh := px.SubscribeClient(protocol.ChannelHandshake)
	p := &PeerClient{
		plexer:       px,
		chainsync:    chainsync.NewClient(px.SubscribeClient(protocol.ChannelChainSync)),
		blockfetch:   blockfetch.NewClient(px.SubscribeClient(protocol.ChannelBlockFetch)),
		txsubmission: txsubmission.NewClient(px.SubscribeClient(protocol.ChannelTxSubmission)),
		keepalive:    keepalive.NewClient(px.SubscribeClient(protocol.ChannelKeepalive)),
	}

	go px.Run()

	proposals := make(map[uint64]handshake.N2NVersionData, maxVersion-minVersion+1)
	for v := minVersion; v <= maxVersion; v++ {
		proposals[v] = handshake.NewN2NVersionData(networkMagic, false)
	}
	if err := runHandshake(ctx, handshake.NewClient[handshake.N2NVersionData](hsCh), proposals); err != nil {
		logger.Warnf("facade[%s]: peer handshake failed: %v", traceID, err)
		_ = px.Close()
		return nil, err
	}

	logger.Infof("facade[%s]: peer handshake accepted", traceID)
	return p, nil
}

// ChainSync returns the chainsync client.
func (p *PeerClient) ChainSync() *chainsync.Client { return p.chainsync }

// BlockFetch returns the blockfetch client.
func (p *PeerClient) BlockFetch() *blockfetch.Client { return p.blockfetch }

// TxSubmission returns the txsubmission client.
func (p *PeerClient) TxSubmission() *txsubmission.Client { return p.txsubmission }

// Keepalive returns the keepalive client.
func (p *PeerClient) Keepalive() *keepalive.Client { return p.keepalive }

// Close shuts down the underlying Plexer and its Bearer.
func (p *PeerClient) Close() error {
	return p.plexer.Close()
}

// NodeClient is a node-to-client connection: a local Unix domain socket,
// the N2C version-data shape, and the chainsync/localstate
// mini-protocols a client application uses to follow and query a local
// node.
type NodeClient struct {
	plexer *plexer.Plexer

	chainsync  *chainsync.Client
	statequery *localstate.Client
}

// ConnectNode dials the Unix domain socket at path, runs the N2C
// handshake proposing every version in [minVersion, maxVersion], and
// returns a ready NodeClient.
func ConnectNode(ctx context.Context, path string, networkMagic uint32, minVersion, maxVersion uint64) (*NodeClient, error) {
	b, err := bearer.ConnectUnix(path)
	if err != nil {
		return nil, err
	}
	return newNodeClient(ctx, b, networkMagic, minVersion, maxVersion)
}

func newNodeClient(ctx context.Context, b *bearer.Bearer, networkMagic uint32, minVersion, maxVersion uint64) (*NodeClient, error) {
	traceID := tracekit.RandomTraceID()
	logger.Infof("facade[%s]: connecting node client, magic=%d versions=[%d,%d]", traceID, networkMagic, minVersion, maxVersion)

	px := plexer.New(b)

	hsCh := px.SubscribeClient(protocol.ChannelHandshake)
	n := &NodeClient{
		plexer:     px,
		chainsync:  chainsync.NewClient(px.SubscribeClient(protocol.ChannelChainSync)),
		statequery: localstate.NewClient(px.SubscribeClient(protocol.ChannelLocalState)),
	}

	go px.Run()

	proposals := make(map[uint64]handshake.N2CVersionData, maxVersion-minVersion+1)
	for v := minVersion; v <= maxVersion; v++ {
		proposals[v] = handshake.NewN2CVersionData(networkMagic, nil)
	}
	if err := runHandshake(ctx, handshake.NewClient[handshake.N2CVersionData](hsCh), proposals); err != nil {
		logger.Warnf("facade[%s]: node handshake failed: %v", traceID, err)
		_ = px.Close()
		return nil, err
	}

	logger.Infof("facade[%s]: node handshake accepted", traceID)
	return n, nil
}

// ChainSync returns the chainsync client.
func (n *NodeClient) ChainSync() *chainsync.Client { return n.chainsync }

// StateQuery returns the localstate client.
func (n *NodeClient) StateQuery() *localstate.Client { return n.statequery }

// Close shuts down the underlying Plexer and its Bearer.
func (n *NodeClient) Close() error {
	return n.plexer.Close()
}
