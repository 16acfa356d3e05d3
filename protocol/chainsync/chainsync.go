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

// Package chainsync implements the chain-following mini-protocol on
// channel 2: the client negotiates an intersection point and then walks
// the chain forward/backward from it (spec §4.5.2).
package chainsync

import (
	"context"

	fxcbor "github.com/fxamacker/cbor/v2"

	ourcbor "github.com/packetd/ouroboros/cbor"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
)

// Header preserves the exact bytes of a block header as received: the
// core never decodes ledger header fields, but downstream hashing needs
// the byte-exact span (spec §4.6, §9).
type Header = ourcbor.Original[fxcbor.RawMessage]

// State is ChainSync's five-state automaton.
type State int

const (
	StateIdle State = iota
	StateCanAwait
	StateMustReply
	StateIntersect
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCanAwait:
		return "CanAwait"
	case StateMustReply:
		return "MustReply"
	case StateIntersect:
		return "Intersect"
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
	tagRequestNext messageTag = iota
	tagAwaitReply
	tagRollForward
	tagRollBackward
	tagFindIntersect
	tagIntersectFound
	tagIntersectNotFound
	tagDone
)

type message struct {
	Tag        messageTag
	Header     Header
	Point      protocol.Point
	Tip        protocol.Tip
	Points     []protocol.Point
}

func encodeMessage(m message) ([]byte, error) {
	switch m.Tag {
	case tagRequestNext, tagAwaitReply, tagDone:
		return ourcbor.Marshal([]any{m.Tag})
	case tagRollForward:
		return ourcbor.Marshal([]any{m.Tag, m.Header, m.Tip})
	case tagRollBackward:
		return ourcbor.Marshal([]any{m.Tag, m.Point, m.Tip})
	case tagFindIntersect:
		return ourcbor.Marshal([]any{m.Tag, m.Points})
	case tagIntersectFound:
		return ourcbor.Marshal([]any{m.Tag, m.Point, m.Tip})
	case tagIntersectNotFound:
		return ourcbor.Marshal([]any{m.Tag, m.Tip})
	default:
		return nil, protocol.InvalidMessage{Reason: "unknown chainsync message tag"}
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
		return message{}, protocol.InvalidMessage{Reason: "malformed chainsync message"}
	}

	var tag messageTag
	if err := ourcbor.Unmarshal(elems[0], &tag); err != nil {
		return message{}, protocol.InvalidMessage{Reason: "malformed chainsync tag"}
	}

	switch tag {
	case tagRequestNext, tagAwaitReply, tagDone:
		return message{Tag: tag}, nil
	case tagRollForward:
		if len(elems) < 3 {
			return message{}, protocol.InvalidMessage{Reason: "roll-forward missing fields"}
		}
		var hdr Header
		if err := ourcbor.Unmarshal(elems[1], &hdr); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed header"}
		}
		var tip protocol.Tip
		if err := ourcbor.Unmarshal(elems[2], &tip); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed tip"}
		}
		return message{Tag: tag, Header: hdr, Tip: tip}, nil
	case tagRollBackward:
		if len(elems) < 3 {
			return message{}, protocol.InvalidMessage{Reason: "roll-backward missing fields"}
		}
		var point protocol.Point
		if err := ourcbor.Unmarshal(elems[1], &point); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed point"}
		}
		var tip protocol.Tip
		if err := ourcbor.Unmarshal(elems[2], &tip); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed tip"}
		}
		return message{Tag: tag, Point: point, Tip: tip}, nil
	case tagFindIntersect:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "find-intersect missing points"}
		}
		var points []protocol.Point
		if err := ourcbor.Unmarshal(elems[1], &points); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed points"}
		}
		return message{Tag: tag, Points: points}, nil
	case tagIntersectFound:
		if len(elems) < 3 {
			return message{}, protocol.InvalidMessage{Reason: "intersect-found missing fields"}
		}
		var point protocol.Point
		if err := ourcbor.Unmarshal(elems[1], &point); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed point"}
		}
		var tip protocol.Tip
		if err := ourcbor.Unmarshal(elems[2], &tip); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed tip"}
		}
		return message{Tag: tag, Point: point, Tip: tip}, nil
	case tagIntersectNotFound:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "intersect-not-found missing tip"}
		}
		var tip protocol.Tip
		if err := ourcbor.Unmarshal(elems[1], &tip); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed tip"}
		}
		return message{Tag: tag, Tip: tip}, nil
	default:
		return message{}, protocol.InvalidMessage{Reason: "unknown chainsync message tag"}
	}
}

// NextKind discriminates the three things RequestNext/RecvWhileMustReply
// may yield.
type NextKind uint8

const (
	NextRollForward NextKind = iota
	NextRollBackward
	NextAwait
)

// NextResponse is what the client observes after RequestNext or
// RecvWhileMustReply.
type NextResponse struct {
	Kind   NextKind
	Header Header
	Point  protocol.Point
	Tip    protocol.Tip
}

// Client drives ChainSync's client side.
type Client struct {
	ch    *plexer.AgentChannel
	state State
}

// NewClient builds a ChainSync client bound to ch (from
// Plexer.SubscribeClient(protocol.ChannelChainSync)).
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

// FindIntersect sends a list of candidate points (latest first) and
// returns the server's best common point, or nil if none matched.
func (c *Client) FindIntersect(ctx context.Context, points []protocol.Point) (*protocol.Point, protocol.Tip, error) {
	if err := c.send(ctx, message{Tag: tagFindIntersect, Points: points}, StateIntersect); err != nil {
		return nil, protocol.Tip{}, err
	}

	msg, err := c.recv(ctx)
	if err != nil {
		return nil, protocol.Tip{}, err
	}

	switch msg.Tag {
	case tagIntersectFound:
		c.state = StateIdle
		point := msg.Point
		return &point, msg.Tip, nil
	case tagIntersectNotFound:
		c.state = StateIdle
		return nil, msg.Tip, nil
	default:
		return nil, protocol.Tip{}, protocol.IllegalTransition{State: c.state.String(), Message: "unexpected reply to find-intersect"}
	}
}

// IntersectTip is a convenience matching the teacher's demo-CLI-facing
// idiom: it asks the server to intersect at the origin, which any server
// can always satisfy, establishing a known-good starting point.
func (c *Client) IntersectTip(ctx context.Context) error {
	_, _, err := c.FindIntersect(ctx, []protocol.Point{protocol.OriginPoint()})
	return err
}

// RequestNext sends RequestNext and immediately awaits the server's reply.
// If the server could not answer immediately it instead sent AwaitReply;
// callers then observe !HasAgency() and must call RecvWhileMustReply to
// get the eventual roll event (spec §4.5.2's tie-break: an immediate
// reply is always preferred over AwaitReply when one is available).
func (c *Client) RequestNext(ctx context.Context) (NextResponse, error) {
	if err := c.send(ctx, message{Tag: tagRequestNext}, StateCanAwait); err != nil {
		return NextResponse{}, err
	}

	msg, err := c.recv(ctx)
	if err != nil {
		return NextResponse{}, err
	}

	switch msg.Tag {
	case tagRollForward:
		c.state = StateIdle
		return NextResponse{Kind: NextRollForward, Header: msg.Header, Tip: msg.Tip}, nil
	case tagRollBackward:
		c.state = StateIdle
		return NextResponse{Kind: NextRollBackward, Point: msg.Point, Tip: msg.Tip}, nil
	case tagAwaitReply:
		c.state = StateMustReply
		return NextResponse{Kind: NextAwait}, nil
	default:
		return NextResponse{}, protocol.IllegalTransition{State: c.state.String(), Message: "unexpected reply to request-next"}
	}
}

// RecvWhileMustReply awaits the roll event the server promised after an
// AwaitReply, transitioning MustReply -> Idle.
func (c *Client) RecvWhileMustReply(ctx context.Context) (NextResponse, error) {
	msg, err := c.recv(ctx)
	if err != nil {
		return NextResponse{}, err
	}

	switch msg.Tag {
	case tagRollForward:
		c.state = StateIdle
		return NextResponse{Kind: NextRollForward, Header: msg.Header, Tip: msg.Tip}, nil
	case tagRollBackward:
		c.state = StateIdle
		return NextResponse{Kind: NextRollBackward, Point: msg.Point, Tip: msg.Tip}, nil
	default:
		return NextResponse{}, protocol.IllegalTransition{State: c.state.String(), Message: "unexpected message while must-reply"}
	}
}

// SendDone transitions Idle -> Done.
func (c *Client) SendDone(ctx context.Context) error {
	return c.send(ctx, message{Tag: tagDone}, StateDone)
}

// ClientRequestKind discriminates what the client asked for while Idle.
type ClientRequestKind uint8

const (
	ClientRequestNext ClientRequestKind = iota
	ClientRequestFindIntersect
	ClientRequestDone
)

// ClientRequest is what the server observes from RecvWhileIdle.
type ClientRequest struct {
	Kind   ClientRequestKind
	Points []protocol.Point
}

// Server drives ChainSync's server side.
type Server struct {
	ch    *plexer.AgentChannel
	state State
}

// NewServer builds a ChainSync server bound to ch (from
// Plexer.SubscribeServer(protocol.ChannelChainSync)).
func NewServer(ch *plexer.AgentChannel) *Server {
	return &Server{ch: ch, state: StateIdle}
}

func (s *Server) State() State    { return s.state }
func (s *Server) HasAgency() bool { return protocol.HasAgency(s.state.Agency(), protocol.RoleServer) }

// serverDelta reports whether tag is deliverable from state, disambiguating
// the three states that share AgencyServer: MustReply may not re-send
// AwaitReply (it already did, once), and Intersect only answers
// FindIntersect, never a roll event.
func serverDelta(state State, tag messageTag) bool {
	switch state {
	case StateCanAwait:
		return tag == tagRollForward || tag == tagRollBackward || tag == tagAwaitReply
	case StateMustReply:
		return tag == tagRollForward || tag == tagRollBackward
	case StateIntersect:
		return tag == tagIntersectFound || tag == tagIntersectNotFound
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
func (s *Server) RecvWhileIdle(ctx context.Context) (ClientRequest, error) {
	if protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return ClientRequest{}, protocol.AgencyIsOurs{State: s.state.String()}
	}
	raw, err := s.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return ClientRequest{}, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return ClientRequest{}, err
	}

	switch msg.Tag {
	case tagRequestNext:
		s.state = StateCanAwait
		return ClientRequest{Kind: ClientRequestNext}, nil
	case tagFindIntersect:
		s.state = StateIntersect
		return ClientRequest{Kind: ClientRequestFindIntersect, Points: msg.Points}, nil
	case tagDone:
		s.state = StateDone
		return ClientRequest{Kind: ClientRequestDone}, nil
	default:
		return ClientRequest{}, protocol.IllegalTransition{State: s.state.String(), Message: "unexpected message while idle"}
	}
}

// SendRollForward answers a pending request with a new header, from
// either CanAwait or MustReply, transitioning to Idle.
func (s *Server) SendRollForward(ctx context.Context, header Header, tip protocol.Tip) error {
	return s.send(ctx, message{Tag: tagRollForward, Header: header, Tip: tip}, StateIdle)
}

// SendRollBackward answers a pending request with a rollback point, from
// either CanAwait or MustReply, transitioning to Idle.
func (s *Server) SendRollBackward(ctx context.Context, point protocol.Point, tip protocol.Tip) error {
	return s.send(ctx, message{Tag: tagRollBackward, Point: point, Tip: tip}, StateIdle)
}

// SendAwaitReply tells the client no next event is available yet,
// transitioning CanAwait -> MustReply. Per spec §4.5.2's tie-break, a
// server implementation must prefer an immediate roll reply over this
// whenever one is available.
func (s *Server) SendAwaitReply(ctx context.Context) error {
	return s.send(ctx, message{Tag: tagAwaitReply}, StateMustReply)
}

// SendIntersectFound answers a FindIntersect with the best common point,
// transitioning Intersect -> Idle.
func (s *Server) SendIntersectFound(ctx context.Context, point protocol.Point, tip protocol.Tip) error {
	return s.send(ctx, message{Tag: tagIntersectFound, Point: point, Tip: tip}, StateIdle)
}

// SendIntersectNotFound answers a FindIntersect with no match,
// transitioning Intersect -> Idle.
func (s *Server) SendIntersectNotFound(ctx context.Context, tip protocol.Tip) error {
	return s.send(ctx, message{Tag: tagIntersectNotFound, Tip: tip}, StateIdle)
}
