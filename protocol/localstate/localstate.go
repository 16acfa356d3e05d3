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

// Package localstate implements the local-state-query mini-protocol on
// channel 7: a client acquires a point in the chain's history and issues
// opaque ledger queries against the state as of that point (spec §4.5.4).
// The ledger query catalogue itself is out of scope (spec §2 Non-goals);
// Query and Result carry whatever CBOR the two sides agree to exchange,
// byte-exact, the same way chainsync.Header carries an opaque block
// header.
package localstate

import (
	"context"

	fxcbor "github.com/fxamacker/cbor/v2"

	ourcbor "github.com/packetd/ouroboros/cbor"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
)

// Query is an opaque, byte-exact ledger query payload.
type Query = ourcbor.Original[fxcbor.RawMessage]

// Result is an opaque, byte-exact ledger query result payload.
type Result = ourcbor.Original[fxcbor.RawMessage]

// State is LocalStateQuery's five-state automaton.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateAcquired
	StateQuerying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAcquiring:
		return "Acquiring"
	case StateAcquired:
		return "Acquired"
	case StateQuerying:
		return "Querying"
	default:
		return "Done"
	}
}

func (s State) Agency() protocol.Agency {
	switch s {
	case StateIdle, StateAcquired:
		return protocol.AgencyClient
	case StateDone:
		return protocol.AgencyNobody
	default:
		return protocol.AgencyServer
	}
}

type messageTag uint8

const (
	tagAcquire messageTag = iota
	tagFailure
	tagAcquired
	tagQuery
	tagResult
	tagRelease
	tagReAcquire
	tagDone
)

// FailureReason mirrors the handful of acquire-failure kinds Ouroboros
// defines: the requested point is either too old (already pruned) or not
// yet known to the server.
type FailureReason uint8

const (
	FailurePointTooOld FailureReason = iota
	FailurePointNotOnChain
)

type message struct {
	Tag     messageTag
	Point   *protocol.Point
	Reason  FailureReason
	Query   Query
	Result  Result
}

func encodePoint(p *protocol.Point) any {
	if p == nil {
		return nil
	}
	return *p
}

func encodeMessage(m message) ([]byte, error) {
	switch m.Tag {
	case tagAcquire, tagReAcquire:
		return ourcbor.Marshal([]any{m.Tag, encodePoint(m.Point)})
	case tagFailure:
		return ourcbor.Marshal([]any{m.Tag, m.Reason})
	case tagAcquired, tagRelease, tagDone:
		return ourcbor.Marshal([]any{m.Tag})
	case tagQuery:
		return ourcbor.Marshal([]any{m.Tag, m.Query})
	case tagResult:
		return ourcbor.Marshal([]any{m.Tag, m.Result})
	default:
		return nil, protocol.InvalidMessage{Reason: "unknown localstate message tag"}
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
		return message{}, protocol.InvalidMessage{Reason: "malformed localstate message"}
	}

	var tag messageTag
	if err := ourcbor.Unmarshal(elems[0], &tag); err != nil {
		return message{}, protocol.InvalidMessage{Reason: "malformed localstate tag"}
	}

	switch tag {
	case tagAcquired, tagRelease, tagDone:
		return message{Tag: tag}, nil
	case tagAcquire, tagReAcquire:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "acquire missing point slot"}
		}
		var raw fxcbor.RawMessage
		if err := ourcbor.Unmarshal(elems[1], &raw); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed acquire point"}
		}
		if string(raw) == "\xf6" { // CBOR null
			return message{Tag: tag, Point: nil}, nil
		}
		var point protocol.Point
		if err := ourcbor.Unmarshal(raw, &point); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed acquire point"}
		}
		return message{Tag: tag, Point: &point}, nil
	case tagFailure:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "failure missing reason"}
		}
		var reason FailureReason
		if err := ourcbor.Unmarshal(elems[1], &reason); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed failure reason"}
		}
		return message{Tag: tag, Reason: reason}, nil
	case tagQuery:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "query missing payload"}
		}
		var q Query
		if err := ourcbor.Unmarshal(elems[1], &q); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed query"}
		}
		return message{Tag: tag, Query: q}, nil
	case tagResult:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "result missing payload"}
		}
		var r Result
		if err := ourcbor.Unmarshal(elems[1], &r); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed result"}
		}
		return message{Tag: tag, Result: r}, nil
	default:
		return message{}, protocol.InvalidMessage{Reason: "unknown localstate message tag"}
	}
}

// Client drives LocalStateQuery's client side.
type Client struct {
	ch    *plexer.AgentChannel
	state State
}

// NewClient builds a LocalStateQuery client bound to ch (from
// Plexer.SubscribeClient(protocol.ChannelLocalState)).
func NewClient(ch *plexer.AgentChannel) *Client {
	return &Client{ch: ch, state: StateIdle}
}

func (c *Client) State() State    { return c.state }
func (c *Client) HasAgency() bool { return protocol.HasAgency(c.state.Agency(), protocol.RoleClient) }

// clientDelta reports whether tag is deliverable from state, disambiguating
// the two states that share AgencyClient: Idle only starts a fresh
// acquire or ends the session, Acquired only operates on an already-pinned
// point.
func clientDelta(state State, tag messageTag) bool {
	switch state {
	case StateIdle:
		return tag == tagAcquire || tag == tagDone
	case StateAcquired:
		return tag == tagQuery || tag == tagReAcquire || tag == tagRelease
	default:
		return false
	}
}

func (c *Client) send(ctx context.Context, m message, next State) error {
	if !protocol.HasAgency(c.state.Agency(), protocol.RoleClient) {
		return protocol.AgencyIsTheirs{State: c.state.String()}
	}
	if !clientDelta(c.state, m.Tag) {
		return protocol.IllegalTransition{State: c.state.String(), Message: "message not valid from this state"}
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

// SendAcquire asks the server to pin its view of the ledger state at
// point (nil requests the current tip), transitioning Idle -> Acquiring.
func (c *Client) SendAcquire(ctx context.Context, point *protocol.Point) error {
	return c.send(ctx, message{Tag: tagAcquire, Point: point}, StateAcquiring)
}

// RecvWhileAcquiring awaits the server's Acquired/Failure answer.
func (c *Client) RecvWhileAcquiring(ctx context.Context) error {
	msg, err := c.recv(ctx)
	if err != nil {
		return err
	}
	switch msg.Tag {
	case tagAcquired:
		c.state = StateAcquired
		return nil
	case tagFailure:
		c.state = StateIdle
		return AcquireFailed{Reason: msg.Reason}
	default:
		return protocol.IllegalTransition{State: c.state.String(), Message: "unexpected message while acquiring"}
	}
}

// AcquireFailed is returned by RecvWhileAcquiring when the server could
// not pin the requested point.
type AcquireFailed struct{ Reason FailureReason }

func (e AcquireFailed) Error() string {
	if e.Reason == FailurePointTooOld {
		return "localstate: acquire failed: point too old"
	}
	return "localstate: acquire failed: point not on chain"
}

// SendQuery issues a ledger query while Acquired, transitioning to
// Querying.
func (c *Client) SendQuery(ctx context.Context, q Query) error {
	return c.send(ctx, message{Tag: tagQuery, Query: q}, StateQuerying)
}

// RecvWhileQuerying awaits the server's Result, transitioning back to
// Acquired.
func (c *Client) RecvWhileQuerying(ctx context.Context) (Result, error) {
	msg, err := c.recv(ctx)
	if err != nil {
		return Result{}, err
	}
	if msg.Tag != tagResult {
		return Result{}, protocol.IllegalTransition{State: c.state.String(), Message: "unexpected message while querying"}
	}
	c.state = StateAcquired
	return msg.Result, nil
}

// SendReAcquire moves the pinned point while Acquired, transitioning to
// Acquiring.
func (c *Client) SendReAcquire(ctx context.Context, point *protocol.Point) error {
	return c.send(ctx, message{Tag: tagReAcquire, Point: point}, StateAcquiring)
}

// SendRelease drops the pinned state while Acquired, transitioning to
// Idle.
func (c *Client) SendRelease(ctx context.Context) error {
	return c.send(ctx, message{Tag: tagRelease}, StateIdle)
}

// SendDone transitions Idle -> Done.
func (c *Client) SendDone(ctx context.Context) error {
	return c.send(ctx, message{Tag: tagDone}, StateDone)
}

// IdleRequestKind discriminates what the client asked for while Idle.
type IdleRequestKind uint8

const (
	IdleRequestAcquire IdleRequestKind = iota
	IdleRequestDone
)

// IdleRequest is what the server observes from RecvWhileIdle.
type IdleRequest struct {
	Kind  IdleRequestKind
	Point *protocol.Point
}

// AcquiredRequestKind discriminates what the client asked for while
// Acquired.
type AcquiredRequestKind uint8

const (
	AcquiredRequestQuery AcquiredRequestKind = iota
	AcquiredRequestReAcquire
	AcquiredRequestRelease
)

// AcquiredRequest is what the server observes from RecvWhileAcquired.
type AcquiredRequest struct {
	Kind  AcquiredRequestKind
	Query Query
	Point *protocol.Point
}

// Server drives LocalStateQuery's server side.
type Server struct {
	ch    *plexer.AgentChannel
	state State
}

// NewServer builds a LocalStateQuery server bound to ch (from
// Plexer.SubscribeServer(protocol.ChannelLocalState)).
func NewServer(ch *plexer.AgentChannel) *Server {
	return &Server{ch: ch, state: StateIdle}
}

func (s *Server) State() State    { return s.state }
func (s *Server) HasAgency() bool { return protocol.HasAgency(s.state.Agency(), protocol.RoleServer) }

// serverDelta reports whether tag is deliverable from state, disambiguating
// the two states that share AgencyServer: only Acquiring may answer
// Acquired/Failure, only Querying may answer Result.
func serverDelta(state State, tag messageTag) bool {
	switch state {
	case StateAcquiring:
		return tag == tagAcquired || tag == tagFailure
	case StateQuerying:
		return tag == tagResult
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

// RecvWhileIdle awaits an Acquire or Done from the client.
func (s *Server) RecvWhileIdle(ctx context.Context) (IdleRequest, error) {
	if protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return IdleRequest{}, protocol.AgencyIsOurs{State: s.state.String()}
	}
	raw, err := s.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return IdleRequest{}, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return IdleRequest{}, err
	}

	switch msg.Tag {
	case tagAcquire:
		s.state = StateAcquiring
		return IdleRequest{Kind: IdleRequestAcquire, Point: msg.Point}, nil
	case tagDone:
		s.state = StateDone
		return IdleRequest{Kind: IdleRequestDone}, nil
	default:
		return IdleRequest{}, protocol.IllegalTransition{State: s.state.String(), Message: "unexpected message while idle"}
	}
}

// RecvWhileAcquired awaits a Query, ReAcquire or Release from the client.
func (s *Server) RecvWhileAcquired(ctx context.Context) (AcquiredRequest, error) {
	if protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return AcquiredRequest{}, protocol.AgencyIsOurs{State: s.state.String()}
	}
	raw, err := s.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return AcquiredRequest{}, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return AcquiredRequest{}, err
	}

	switch msg.Tag {
	case tagQuery:
		s.state = StateQuerying
		return AcquiredRequest{Kind: AcquiredRequestQuery, Query: msg.Query}, nil
	case tagReAcquire:
		s.state = StateAcquiring
		return AcquiredRequest{Kind: AcquiredRequestReAcquire, Point: msg.Point}, nil
	case tagRelease:
		s.state = StateIdle
		return AcquiredRequest{Kind: AcquiredRequestRelease}, nil
	default:
		return AcquiredRequest{}, protocol.IllegalTransition{State: s.state.String(), Message: "unexpected message while acquired"}
	}
}

// SendAcquired answers a pending Acquire/ReAcquire, transitioning
// Acquiring -> Acquired.
func (s *Server) SendAcquired(ctx context.Context) error {
	return s.send(ctx, message{Tag: tagAcquired}, StateAcquired)
}

// SendFailure answers a pending Acquire/ReAcquire with a failure,
// transitioning Acquiring -> Idle.
func (s *Server) SendFailure(ctx context.Context, reason FailureReason) error {
	return s.send(ctx, message{Tag: tagFailure, Reason: reason}, StateIdle)
}

// SendResult answers a pending Query, transitioning Querying ->
// Acquired.
func (s *Server) SendResult(ctx context.Context, r Result) error {
	return s.send(ctx, message{Tag: tagResult, Result: r}, StateAcquired)
}
