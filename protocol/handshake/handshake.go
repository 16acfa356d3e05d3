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

// Package handshake implements the version-negotiation mini-protocol that
// runs first, on channel 0, before any other protocol may send (spec
// §4.5.1). The version-data type is a Go type parameter, so N2N's
// {network_magic, initiator_only_diffusion_mode} and N2C's
// {network_magic, query} each plug in without the protocol itself knowing
// their shape (spec §9 "Parametric message sets").
package handshake

import (
	"context"

	fxcbor "github.com/fxamacker/cbor/v2"

	ourcbor "github.com/packetd/ouroboros/cbor"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
)

// State is the handshake's three-state automaton: Propose (client agency,
// initial), Confirm (server agency), Done (terminal).
type State int

const (
	StatePropose State = iota
	StateConfirm
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePropose:
		return "Propose"
	case StateConfirm:
		return "Confirm"
	default:
		return "Done"
	}
}

func (s State) Agency() protocol.Agency {
	switch s {
	case StatePropose:
		return protocol.AgencyClient
	case StateConfirm:
		return protocol.AgencyServer
	default:
		return protocol.AgencyNobody
	}
}

type messageTag uint8

const (
	tagProposeVersions messageTag = 0
	tagAcceptVersion   messageTag = 1
	tagRefuse          messageTag = 2
)

// RefuseKind names the three reasons a server may decline a proposal.
type RefuseKind uint8

const (
	RefuseVersionMismatch      RefuseKind = 0
	RefuseHandshakeDecodeError RefuseKind = 1
	RefuseRefused              RefuseKind = 2
)

// RefuseReason is the payload of a Refuse message; which fields are
// meaningful depends on Kind.
type RefuseReason struct {
	Kind               RefuseKind
	SupportedVersions  []uint64 // VersionMismatch
	Version            uint64   // HandshakeDecodeError, Refused
	Text               string   // HandshakeDecodeError, Refused
}

// acceptVersion carries the fields of an AcceptVersion message.
type acceptVersion[V any] struct {
	Version uint64
	Data    V
}

func encodeRefuseReason(r RefuseReason) (fxcbor.RawMessage, error) {
	var elems []any
	switch r.Kind {
	case RefuseVersionMismatch:
		elems = []any{r.Kind, r.SupportedVersions}
	case RefuseHandshakeDecodeError, RefuseRefused:
		elems = []any{r.Kind, r.Version, r.Text}
	default:
		return nil, protocol.InvalidMessage{Reason: "unknown refuse kind"}
	}
	b, err := ourcbor.Marshal(elems)
	if err != nil {
		return nil, err
	}
	return fxcbor.RawMessage(b), nil
}

func decodeRefuseReason(raw fxcbor.RawMessage) (RefuseReason, error) {
	var elems []fxcbor.RawMessage
	if err := ourcbor.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		return RefuseReason{}, protocol.InvalidMessage{Reason: "malformed refuse reason"}
	}
	var kind RefuseKind
	if err := ourcbor.Unmarshal(elems[0], &kind); err != nil {
		return RefuseReason{}, protocol.InvalidMessage{Reason: "malformed refuse kind"}
	}

	switch kind {
	case RefuseVersionMismatch:
		if len(elems) < 2 {
			return RefuseReason{}, protocol.InvalidMessage{Reason: "version mismatch missing versions"}
		}
		var versions []uint64
		if err := ourcbor.Unmarshal(elems[1], &versions); err != nil {
			return RefuseReason{}, protocol.InvalidMessage{Reason: "malformed supported versions"}
		}
		return RefuseReason{Kind: kind, SupportedVersions: versions}, nil
	case RefuseHandshakeDecodeError, RefuseRefused:
		if len(elems) < 3 {
			return RefuseReason{}, protocol.InvalidMessage{Reason: "refuse reason missing version/text"}
		}
		var version uint64
		var text string
		if err := ourcbor.Unmarshal(elems[1], &version); err != nil {
			return RefuseReason{}, protocol.InvalidMessage{Reason: "malformed refuse version"}
		}
		if err := ourcbor.Unmarshal(elems[2], &text); err != nil {
			return RefuseReason{}, protocol.InvalidMessage{Reason: "malformed refuse text"}
		}
		return RefuseReason{Kind: kind, Version: version, Text: text}, nil
	default:
		return RefuseReason{}, protocol.InvalidMessage{Reason: "unknown refuse kind"}
	}
}

// message is the decoded envelope for either peer; at most one of the
// variant fields is meaningful, selected by Tag.
type message[V any] struct {
	Tag             messageTag
	ProposeVersions map[uint64]V
	AcceptVersion   acceptVersion[V]
	Refuse          RefuseReason
}

func encodeMessage[V any](m message[V]) ([]byte, error) {
	switch m.Tag {
	case tagProposeVersions:
		return ourcbor.Marshal([]any{m.Tag, m.ProposeVersions})
	case tagAcceptVersion:
		return ourcbor.Marshal([]any{m.Tag, m.AcceptVersion.Version, m.AcceptVersion.Data})
	case tagRefuse:
		reason, err := encodeRefuseReason(m.Refuse)
		if err != nil {
			return nil, err
		}
		return ourcbor.Marshal([]any{m.Tag, reason})
	default:
		return nil, protocol.InvalidMessage{Reason: "unknown handshake message tag"}
	}
}

// tryDecodeEnvelope peeks at buf for one complete top-level message array
// without interpreting its elements, matching plexer.TryDecode's retry-on-
// incomplete contract.
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

func decodeMessage[V any](raw []byte) (message[V], error) {
	var elems []fxcbor.RawMessage
	if err := ourcbor.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		return message[V]{}, protocol.InvalidMessage{Reason: "malformed handshake message"}
	}

	var tag messageTag
	if err := ourcbor.Unmarshal(elems[0], &tag); err != nil {
		return message[V]{}, protocol.InvalidMessage{Reason: "malformed handshake tag"}
	}

	switch tag {
	case tagProposeVersions:
		if len(elems) < 2 {
			return message[V]{}, protocol.InvalidMessage{Reason: "propose-versions missing map"}
		}
		var versions map[uint64]V
		if err := ourcbor.Unmarshal(elems[1], &versions); err != nil {
			return message[V]{}, protocol.InvalidMessage{Reason: "malformed version map"}
		}
		return message[V]{Tag: tag, ProposeVersions: versions}, nil
	case tagAcceptVersion:
		if len(elems) < 3 {
			return message[V]{}, protocol.InvalidMessage{Reason: "accept-version missing fields"}
		}
		var version uint64
		var data V
		if err := ourcbor.Unmarshal(elems[1], &version); err != nil {
			return message[V]{}, protocol.InvalidMessage{Reason: "malformed accepted version"}
		}
		if err := ourcbor.Unmarshal(elems[2], &data); err != nil {
			return message[V]{}, protocol.InvalidMessage{Reason: "malformed version data"}
		}
		return message[V]{Tag: tag, AcceptVersion: acceptVersion[V]{Version: version, Data: data}}, nil
	case tagRefuse:
		if len(elems) < 2 {
			return message[V]{}, protocol.InvalidMessage{Reason: "refuse missing reason"}
		}
		reason, err := decodeRefuseReason(elems[1])
		if err != nil {
			return message[V]{}, err
		}
		return message[V]{Tag: tag, Refuse: reason}, nil
	default:
		return message[V]{}, protocol.InvalidMessage{Reason: "unknown handshake message tag"}
	}
}

// Client drives the handshake's client (Propose) side: it proposes
// versions and awaits the server's decision.
type Client[V any] struct {
	ch    *plexer.AgentChannel
	state State
}

// NewClient builds a handshake client bound to ch, which must have been
// obtained from Plexer.SubscribeClient(protocol.ChannelHandshake).
func NewClient[V any](ch *plexer.AgentChannel) *Client[V] {
	return &Client[V]{ch: ch, state: StatePropose}
}

func (c *Client[V]) State() State   { return c.state }
func (c *Client[V]) HasAgency() bool { return protocol.HasAgency(c.state.Agency(), protocol.RoleClient) }

// ProposeVersions sends the client's supported version table and
// transitions Propose -> Confirm.
func (c *Client[V]) ProposeVersions(ctx context.Context, versions map[uint64]V) error {
	if !c.HasAgency() {
		return protocol.AgencyIsTheirs{State: c.state.String()}
	}
	b, err := encodeMessage(message[V]{Tag: tagProposeVersions, ProposeVersions: versions})
	if err != nil {
		return err
	}
	if err := c.ch.Enqueue(ctx, b); err != nil {
		return err
	}
	c.state = StateConfirm
	return nil
}

// Outcome is the result of awaiting the server's decision: either the
// negotiated version was accepted, or the reason it was refused.
type Outcome[V any] struct {
	Accepted bool
	Version  uint64
	Data     V
	Refusal  RefuseReason
}

// ReceiveDecision awaits AcceptVersion or Refuse and transitions
// Confirm -> Done either way (refusal is a terminal outcome, not an
// error, per spec §7).
func (c *Client[V]) ReceiveDecision(ctx context.Context) (Outcome[V], error) {
	if c.HasAgency() {
		return Outcome[V]{}, protocol.AgencyIsOurs{State: c.state.String()}
	}
	raw, err := c.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return Outcome[V]{}, err
	}
	msg, err := decodeMessage[V](raw)
	if err != nil {
		return Outcome[V]{}, err
	}

	switch msg.Tag {
	case tagAcceptVersion:
		c.state = StateDone
		return Outcome[V]{Accepted: true, Version: msg.AcceptVersion.Version, Data: msg.AcceptVersion.Data}, nil
	case tagRefuse:
		c.state = StateDone
		return Outcome[V]{Accepted: false, Refusal: msg.Refuse}, nil
	default:
		return Outcome[V]{}, protocol.IllegalTransition{State: c.state.String(), Message: "unexpected handshake message"}
	}
}

// Server drives the handshake's server (Confirm) side: it receives the
// client's proposal and decides whether to accept or refuse.
type Server[V any] struct {
	ch    *plexer.AgentChannel
	state State
}

// NewServer builds a handshake server bound to ch, which must have been
// obtained from Plexer.SubscribeServer(protocol.ChannelHandshake).
func NewServer[V any](ch *plexer.AgentChannel) *Server[V] {
	return &Server[V]{ch: ch, state: StatePropose}
}

func (s *Server[V]) State() State    { return s.state }
func (s *Server[V]) HasAgency() bool { return protocol.HasAgency(s.state.Agency(), protocol.RoleServer) }

// ReceiveProposedVersions awaits the client's proposal and transitions
// Propose -> Confirm.
func (s *Server[V]) ReceiveProposedVersions(ctx context.Context) (map[uint64]V, error) {
	if s.HasAgency() {
		return nil, protocol.AgencyIsOurs{State: s.state.String()}
	}
	raw, err := s.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return nil, err
	}
	msg, err := decodeMessage[V](raw)
	if err != nil {
		return nil, err
	}
	if msg.Tag != tagProposeVersions {
		return nil, protocol.IllegalTransition{State: s.state.String(), Message: "expected propose-versions"}
	}
	s.state = StateConfirm
	return msg.ProposeVersions, nil
}

// AcceptVersion sends the negotiated version and transitions Confirm -> Done.
func (s *Server[V]) AcceptVersion(ctx context.Context, version uint64, data V) error {
	if !s.HasAgency() {
		return protocol.AgencyIsTheirs{State: s.state.String()}
	}
	b, err := encodeMessage(message[V]{Tag: tagAcceptVersion, AcceptVersion: acceptVersion[V]{Version: version, Data: data}})
	if err != nil {
		return err
	}
	if err := s.ch.Enqueue(ctx, b); err != nil {
		return err
	}
	s.state = StateDone
	return nil
}

// Refuse declines the client's proposal and transitions Confirm -> Done.
// This is a terminal protocol outcome, not an error: the caller is
// expected to tear the whole Plexer down afterwards (spec §4.5.1).
func (s *Server[V]) Refuse(ctx context.Context, reason RefuseReason) error {
	if !s.HasAgency() {
		return protocol.AgencyIsTheirs{State: s.state.String()}
	}
	b, err := encodeMessage(message[V]{Tag: tagRefuse, Refuse: reason})
	if err != nil {
		return err
	}
	if err := s.ch.Enqueue(ctx, b); err != nil {
		return err
	}
	s.state = StateDone
	return nil
}
