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

// Package keepalive implements the optional Ping/Pong mini-protocol on
// channel 5 (spec §6's well-known channel table lists it "optional").
// It is not part of the distilled core protocol set but every long-lived
// peer connection needs a liveness check, so it is carried here the same
// way the rest of the mini-protocols are: a tiny three-state automaton over
// an AgentChannel.
package keepalive

import (
	"context"
	"time"

	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/ouroboros/common"
	ourcbor "github.com/packetd/ouroboros/cbor"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
)

var roundTripSeconds = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: common.App,
	Subsystem: "keepalive",
	Name:      "round_trip_seconds",
	Help:      "Most recently observed keepalive ping/pong round-trip latency.",
})

// State is Keepalive's three-state automaton.
type State int

const (
	StateClient State = iota // client holds agency, may Ping or Done
	StateServer               // server holds agency, must Pong
	StateDone
)

func (s State) String() string {
	switch s {
	case StateClient:
		return "Client"
	case StateServer:
		return "Server"
	default:
		return "Done"
	}
}

func (s State) Agency() protocol.Agency {
	switch s {
	case StateClient:
		return protocol.AgencyClient
	case StateServer:
		return protocol.AgencyServer
	default:
		return protocol.AgencyNobody
	}
}

type messageTag uint8

const (
	tagPing messageTag = iota
	tagPong
	tagDone
)

type message struct {
	Tag    messageTag
	Cookie uint16
}

func encodeMessage(m message) ([]byte, error) {
	switch m.Tag {
	case tagDone:
		return ourcbor.Marshal([]any{m.Tag})
	default:
		return ourcbor.Marshal([]any{m.Tag, m.Cookie})
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
		return message{}, protocol.InvalidMessage{Reason: "malformed keepalive message"}
	}

	var tag messageTag
	if err := ourcbor.Unmarshal(elems[0], &tag); err != nil {
		return message{}, protocol.InvalidMessage{Reason: "malformed keepalive tag"}
	}

	switch tag {
	case tagDone:
		return message{Tag: tag}, nil
	case tagPing, tagPong:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "keepalive message missing cookie"}
		}
		var cookie uint16
		if err := ourcbor.Unmarshal(elems[1], &cookie); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed keepalive cookie"}
		}
		return message{Tag: tag, Cookie: cookie}, nil
	default:
		return message{}, protocol.InvalidMessage{Reason: "unknown keepalive message tag"}
	}
}

// Client sends Ping and awaits Pong.
type Client struct {
	ch    *plexer.AgentChannel
	state State
}

// NewClient builds a Keepalive client bound to ch (from
// Plexer.SubscribeClient(protocol.ChannelKeepalive)).
func NewClient(ch *plexer.AgentChannel) *Client {
	return &Client{ch: ch, state: StateClient}
}

func (c *Client) State() State { return c.state }

// Ping sends a Ping carrying cookie, awaits the matching Pong, and
// records the round-trip latency.
func (c *Client) Ping(ctx context.Context, cookie uint16) (time.Duration, error) {
	if !protocol.HasAgency(c.state.Agency(), protocol.RoleClient) {
		return 0, protocol.AgencyIsTheirs{State: c.state.String()}
	}

	sent := time.Now()
	b, err := encodeMessage(message{Tag: tagPing, Cookie: cookie})
	if err != nil {
		return 0, err
	}
	if err := c.ch.Enqueue(ctx, b); err != nil {
		return 0, err
	}
	c.state = StateServer

	raw, err := c.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return 0, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return 0, err
	}
	if msg.Tag != tagPong || msg.Cookie != cookie {
		return 0, protocol.IllegalTransition{State: c.state.String(), Message: "pong cookie mismatch"}
	}
	c.state = StateClient

	rtt := time.Since(sent)
	roundTripSeconds.Set(rtt.Seconds())
	return rtt, nil
}

// SendDone transitions Client -> Done.
func (c *Client) SendDone(ctx context.Context) error {
	if !protocol.HasAgency(c.state.Agency(), protocol.RoleClient) {
		return protocol.AgencyIsTheirs{State: c.state.String()}
	}
	b, err := encodeMessage(message{Tag: tagDone})
	if err != nil {
		return err
	}
	if err := c.ch.Enqueue(ctx, b); err != nil {
		return err
	}
	c.state = StateDone
	return nil
}

// Server awaits Ping and replies Pong.
type Server struct {
	ch    *plexer.AgentChannel
	state State
}

// NewServer builds a Keepalive server bound to ch (from
// Plexer.SubscribeServer(protocol.ChannelKeepalive)).
func NewServer(ch *plexer.AgentChannel) *Server {
	return &Server{ch: ch, state: StateClient}
}

func (s *Server) State() State { return s.state }

// ServeOne awaits one Ping or Done from the client. If a Ping arrived it
// replies Pong immediately and reports done=false; if Done arrived it
// reports done=true.
func (s *Server) ServeOne(ctx context.Context) (done bool, err error) {
	if protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return false, protocol.AgencyIsOurs{State: s.state.String()}
	}
	raw, err := s.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return false, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return false, err
	}

	switch msg.Tag {
	case tagPing:
		s.state = StateServer
		b, err := encodeMessage(message{Tag: tagPong, Cookie: msg.Cookie})
		if err != nil {
			return false, err
		}
		if err := s.ch.Enqueue(ctx, b); err != nil {
			return false, err
		}
		s.state = StateClient
		return false, nil
	case tagDone:
		s.state = StateDone
		return true, nil
	default:
		return false, protocol.IllegalTransition{State: s.state.String(), Message: "unexpected message"}
	}
}
