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

// Package blockfetch implements the bulk block-download mini-protocol on
// channel 3: the client requests a contiguous range of blocks by point
// and the server streams them back or reports it cannot (spec §4.5.3).
package blockfetch

import (
	"context"

	fxcbor "github.com/fxamacker/cbor/v2"

	ourcbor "github.com/packetd/ouroboros/cbor"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
)

// State is BlockFetch's four-state automaton.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBusy:
		return "Busy"
	case StateStreaming:
		return "Streaming"
	default:
		return "Done"
	}
}

func (s State) Agency() protocol.Agency {
	switch s {
	case StateIdle:
		return protocol.AgencyClient
	case StateDone:
		return protocol.AgencyNobody
	default:
		return protocol.AgencyServer
	}
}

type messageTag uint8

const (
	tagRequestRange messageTag = iota
	tagClientDone
	tagStartBatch
	tagNoBlocks
	tagBlock
	tagBatchDone
)

type message struct {
	Tag   messageTag
	From  protocol.Point
	To    protocol.Point
	Body  []byte
}

func encodeMessage(m message) ([]byte, error) {
	switch m.Tag {
	case tagRequestRange:
		return ourcbor.Marshal([]any{m.Tag, m.From, m.To})
	case tagClientDone, tagStartBatch, tagNoBlocks, tagBatchDone:
		return ourcbor.Marshal([]any{m.Tag})
	case tagBlock:
		return ourcbor.Marshal([]any{m.Tag, m.Body})
	default:
		return nil, protocol.InvalidMessage{Reason: "unknown blockfetch message tag"}
	}
}

func tryDecodeEnvelope(buf []byte) (consumed int, ok bool, err error) {
	var elems []fxcbor.RawMessage
	consumed, err = ourcbor.DecodeOne(buf, &elems)
	if err != nil {
		if _, short := err.(ourcbor.DecodeShort); short {
			return 0, false, nil
		}
		return 0, false, err
	}
	return consumed, true, nil
}

func decodeMessage(raw []byte) (message, error) {
	var elems []fxcbor.RawMessage
	if err := ourcbor.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		return message{}, protocol.InvalidMessage{Reason: "malformed blockfetch message"}
	}

	var tag messageTag
	if err := ourcbor.Unmarshal(elems[0], &tag); err != nil {
		return message{}, protocol.InvalidMessage{Reason: "malformed blockfetch tag"}
	}

	switch tag {
	case tagClientDone, tagStartBatch, tagNoBlocks, tagBatchDone:
		return message{Tag: tag}, nil
	case tagRequestRange:
		if len(elems) < 3 {
			return message{}, protocol.InvalidMessage{Reason: "request-range missing points"}
		}
		var from, to protocol.Point
		if err := ourcbor.Unmarshal(elems[1], &from); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed range start"}
		}
		if err := ourcbor.Unmarshal(elems[2], &to); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed range end"}
		}
		return message{Tag: tag, From: from, To: to}, nil
	case tagBlock:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "block missing body"}
		}
		var body []byte
		if err := ourcbor.Unmarshal(elems[1], &body); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed block body"}
		}
		return message{Tag: tag, Body: body}, nil
	default:
		return message{}, protocol.InvalidMessage{Reason: "unknown blockfetch message tag"}
	}
}

// Client drives BlockFetch's client side.
type Client struct {
	ch    *plexer.AgentChannel
	state State
}

// NewClient builds a BlockFetch client bound to ch (from
// Plexer.SubscribeClient(protocol.ChannelBlockFetch)).
func NewClient(ch *plexer.AgentChannel) *Client {
	return &Client{ch: ch, state: StateIdle}
}

func (c *Client) State() State    { return c.state }
func (c *Client) HasAgency() bool { return protocol.HasAgency(c.state.Agency(), protocol.RoleClient) }

func (c *Client) send(ctx context.Context, m message, next State) error {
	if !protocol.HasAgency(c.state.Agency(), protocol.RoleClient) {
		return protocol.AgencyIsTheirs{State: c.state.String()}
	}
	b, err := encodeMessage(m)
	if err != nil {
		return err
	}
	if err := c.ch.Enqueue(ctx, b); err != nil {
		return err
	}
	c.state = next
	return nil
}

func (c *Client) recv(ctx context.Context) (message, error) {
	if protocol.HasAgency(c.state.Agency(), protocol.RoleClient) {
		return message{}, protocol.AgencyIsOurs{State: c.state.String()}
	}
	raw, err := c.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return message{}, err
	}
	return decodeMessage(raw)
}

// RequestRange asks the server for the inclusive block range [from, to],
// transitioning Idle -> Busy. Call NextBlock in a loop to stream the
// result; it reports io.EOF-like completion via done=true.
func (c *Client) RequestRange(ctx context.Context, from, to protocol.Point) error {
	if err := c.send(ctx, message{Tag: tagRequestRange, From: from, To: to}, StateBusy); err != nil {
		return err
	}

	msg, err := c.recv(ctx)
	if err != nil {
		return err
	}
	switch msg.Tag {
	case tagStartBatch:
		c.state = StateStreaming
		return nil
	case tagNoBlocks:
		c.state = StateIdle
		return ErrNoBlocks{}
	default:
		return protocol.IllegalTransition{State: c.state.String(), Message: "unexpected reply to request-range"}
	}
}

// ErrNoBlocks is returned by RequestRange when the server holds none of
// the requested range.
type ErrNoBlocks struct{}

func (ErrNoBlocks) Error() string { return "blockfetch: server has none of the requested range" }

// NextBlock returns the next block body in the current streaming batch.
// done is true once BatchDone has been observed, at which point the
// client is back in Idle and body is empty.
func (c *Client) NextBlock(ctx context.Context) (body []byte, done bool, err error) {
	msg, err := c.recv(ctx)
	if err != nil {
		return nil, false, err
	}
	switch msg.Tag {
	case tagBlock:
		return msg.Body, false, nil
	case tagBatchDone:
		c.state = StateIdle
		return nil, true, nil
	default:
		return nil, false, protocol.IllegalTransition{State: c.state.String(), Message: "unexpected message while streaming"}
	}
}

// SendClientDone transitions Idle -> Done.
func (c *Client) SendClientDone(ctx context.Context) error {
	return c.send(ctx, message{Tag: tagClientDone}, StateDone)
}

// RequestKind discriminates what the client asked for while Idle.
type RequestKind uint8

const (
	RequestRange RequestKind = iota
	RequestClientDone
)

// Request is what the server observes from RecvWhileIdle.
type Request struct {
	Kind RequestKind
	From protocol.Point
	To   protocol.Point
}

// Server drives BlockFetch's server side.
type Server struct {
	ch    *plexer.AgentChannel
	state State
}

// NewServer builds a BlockFetch server bound to ch (from
// Plexer.SubscribeServer(protocol.ChannelBlockFetch)).
func NewServer(ch *plexer.AgentChannel) *Server {
	return &Server{ch: ch, state: StateIdle}
}

func (s *Server) State() State    { return s.state }
func (s *Server) HasAgency() bool { return protocol.HasAgency(s.state.Agency(), protocol.RoleServer) }

// serverDelta reports whether tag is deliverable from state, disambiguating
// the states that share AgencyServer: StartBatch/NoBlocks only answer a
// pending Busy request, Block/BatchDone only belong to an open Streaming
// batch, so a message valid in one must not silently succeed in the other.
func serverDelta(state State, tag messageTag) bool {
	switch state {
	case StateBusy:
		return tag == tagNoBlocks || tag == tagStartBatch
	case StateStreaming:
		return tag == tagBlock || tag == tagBatchDone
	default:
		return false
	}
}

func (s *Server) send(ctx context.Context, m message, next State) error {
	if !protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return protocol.AgencyIsTheirs{State: s.state.String()}
	}
	if !serverDelta(s.state, m.Tag) {
		return protocol.IllegalTransition{State: s.state.String(), Message: "message not valid from this state"}
	}
	b, err := encodeMessage(m)
	if err != nil {
		return err
	}
	if err := s.ch.Enqueue(ctx, b); err != nil {
		return err
	}
	s.state = next
	return nil
}

// RecvWhileIdle awaits the client's next request.
func (s *Server) RecvWhileIdle(ctx context.Context) (Request, error) {
	if protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return Request{}, protocol.AgencyIsOurs{State: s.state.String()}
	}
	raw, err := s.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return Request{}, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return Request{}, err
	}

	switch msg.Tag {
	case tagRequestRange:
		s.state = StateBusy
		return Request{Kind: RequestRange, From: msg.From, To: msg.To}, nil
	case tagClientDone:
		s.state = StateDone
		return Request{Kind: RequestClientDone}, nil
	default:
		return Request{}, protocol.IllegalTransition{State: s.state.String(), Message: "unexpected message while idle"}
	}
}

// SendNoBlocks answers a pending range request when none of it is held,
// transitioning Busy -> Idle.
func (s *Server) SendNoBlocks(ctx context.Context) error {
	return s.send(ctx, message{Tag: tagNoBlocks}, StateIdle)
}

// SendStartBatch begins streaming the requested range, transitioning
// Busy -> Streaming.
func (s *Server) SendStartBatch(ctx context.Context) error {
	return s.send(ctx, message{Tag: tagStartBatch}, StateStreaming)
}

// SendBlock streams one block body while in Streaming.
func (s *Server) SendBlock(ctx context.Context, body []byte) error {
	return s.send(ctx, message{Tag: tagBlock, Body: body}, StateStreaming)
}

// SendBatchDone ends the current batch, transitioning Streaming -> Idle.
func (s *Server) SendBatchDone(ctx context.Context) error {
	return s.send(ctx, message{Tag: tagBatchDone}, StateIdle)
}

// SendBlockRange is a convenience mirroring the teacher's demo-client
// idiom: it runs the full StartBatch/Block.../BatchDone sequence for an
// in-memory slice of block bodies.
func (s *Server) SendBlockRange(ctx context.Context, bodies [][]byte) error {
	if err := s.SendStartBatch(ctx); err != nil {
		return err
	}
	for _, body := range bodies {
		if err := s.SendBlock(ctx, body); err != nil {
			return err
		}
	}
	return s.SendBatchDone(ctx)
}
