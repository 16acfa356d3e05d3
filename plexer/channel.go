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

package plexer

import (
	"context"

	"github.com/packetd/ouroboros/internal/queue"
	"github.com/packetd/ouroboros/segment"
)

// channelKey identifies one (protocol id, local role) pair. A Plexer holds
// at most one AgentChannel per key; subscribing the same key twice is a
// programmer error (spec §3).
type channelKey struct {
	id   uint16
	mode segment.Mode
}

// AgentChannel is a thin endpoint bound to one protocol id and one local
// role (Initiator or Responder). Mini-protocol state machines are built on
// top of it; it knows nothing about message framing or agency.
type AgentChannel struct {
	id      uint16
	mode    segment.Mode
	egress  *queue.Queue
	ingress *queue.Queue

	recvBuf []byte
}

func newAgentChannel(id uint16, mode segment.Mode, queueSize int) *AgentChannel {
	return &AgentChannel{
		id:      id,
		mode:    mode,
		egress:  queue.New(queueSize),
		ingress: queue.New(queueSize),
	}
}

// ID is the protocol id this channel was subscribed on.
func (c *AgentChannel) ID() uint16 { return c.id }

// Mode reports which role (Initiator/Responder) this endpoint plays.
func (c *AgentChannel) Mode() segment.Mode { return c.mode }

// Enqueue appends payload to the channel's egress queue, blocking while the
// queue is full (spec §4.3 backpressure). It returns BearerClosed once the
// Plexer has shut down.
func (c *AgentChannel) Enqueue(ctx context.Context, payload []byte) error {
	if err := c.egress.Push(ctx, payload); err != nil {
		if _, ok := err.(queue.Closed); ok {
			return BearerClosed{}
		}
		return err
	}
	return nil
}

// Dequeue yields one segment's worth of inbound payload. Callers that want
// a fully reassembled CBOR message should use RecvFullMsg instead.
func (c *AgentChannel) Dequeue(ctx context.Context) ([]byte, error) {
	payload, err := c.ingress.Pop(ctx)
	if err != nil {
		if _, ok := err.(queue.Closed); ok {
			return nil, EndOfStream{}
		}
		return nil, err
	}
	return payload, nil
}

// TryDecode attempts to parse one complete item from buf. It returns the
// number of leading bytes consumed and true on success; on false it must
// leave buf untouched (more bytes are needed before a retry). An error is
// fatal to the calling mini-protocol.
type TryDecode func(buf []byte) (consumed int, ok bool, err error)

// RecvFullMsg reads segments off the channel's ingress queue, appending
// each to an internal buffer, and repeatedly asks decode to parse one
// complete message out of the accumulated bytes. Any bytes left over after
// a successful decode (the start of the next message) are kept for the
// following call, since a segment may carry a prefix of more than one
// message (spec §4.2/§4.4).
func (c *AgentChannel) RecvFullMsg(ctx context.Context, decode TryDecode) ([]byte, error) {
	for {
		if len(c.recvBuf) > 0 {
			consumed, ok, err := decode(c.recvBuf)
			if err != nil {
				return nil, err
			}
			if ok {
				msg := c.recvBuf[:consumed]
				c.recvBuf = c.recvBuf[consumed:]
				out := make([]byte, len(msg))
				copy(out, msg)
				return out, nil
			}
		}

		chunk, err := c.Dequeue(ctx)
		if err != nil {
			return nil, err
		}
		c.recvBuf = append(c.recvBuf, chunk...)
	}
}
