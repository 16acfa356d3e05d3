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

// Package txsubmission implements the peer-pull transaction submission
// mini-protocol on channel 4: the server (the peer pulling transactions
// into its mempool) requests batches of transaction ids from the client
// (the peer holding them), then requests the bodies it wants by id
// (spec §4.5.5).
package txsubmission

import (
	"context"

	"github.com/cespare/xxhash/v2"
	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	ourcbor "github.com/packetd/ouroboros/cbor"
	"github.com/packetd/ouroboros/plexer"
	"github.com/packetd/ouroboros/protocol"
)

// State is TxSubmission's six-state automaton.
type State int

const (
	StateInit State = iota
	StateIdle
	StateTxIdsBlocking
	StateTxIdsNonBlocking
	StateTxsReq
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateIdle:
		return "Idle"
	case StateTxIdsBlocking:
		return "TxIdsBlocking"
	case StateTxIdsNonBlocking:
		return "TxIdsNonBlocking"
	case StateTxsReq:
		return "TxsReq"
	default:
		return "Done"
	}
}

func (s State) Agency() protocol.Agency {
	switch s {
	case StateInit:
		return protocol.AgencyClient
	case StateIdle:
		return protocol.AgencyServer
	case StateDone:
		return protocol.AgencyNobody
	default:
		return protocol.AgencyClient
	}
}

type messageTag uint8

const (
	tagInit messageTag = iota
	tagRequestTxIds
	tagReplyTxIds
	tagRequestTxs
	tagReplyTxs
	tagDone
)

// TxIDAndSize pairs a transaction id (its hash) with its body size in
// bytes, as advertised in a ReplyTxIds before the body itself is pulled.
type TxIDAndSize struct {
	_    struct{} `cbor:",toarray"`
	ID   []byte
	Size uint32
}

type message struct {
	Tag      messageTag
	Blocking bool
	Ack      uint16
	Req      uint16
	Ids      []TxIDAndSize
	Wanted   [][]byte
	Bodies   [][]byte
}

func encodeMessage(m message) ([]byte, error) {
	switch m.Tag {
	case tagInit, tagDone:
		return ourcbor.Marshal([]any{m.Tag})
	case tagRequestTxIds:
		return ourcbor.Marshal([]any{m.Tag, m.Blocking, m.Ack, m.Req})
	case tagReplyTxIds:
		return ourcbor.Marshal([]any{m.Tag, m.Ids})
	case tagRequestTxs:
		return ourcbor.Marshal([]any{m.Tag, m.Wanted})
	case tagReplyTxs:
		return ourcbor.Marshal([]any{m.Tag, m.Bodies})
	default:
		return nil, protocol.InvalidMessage{Reason: "unknown txsubmission message tag"}
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
		return message{}, protocol.InvalidMessage{Reason: "malformed txsubmission message"}
	}

	var tag messageTag
	if err := ourcbor.Unmarshal(elems[0], &tag); err != nil {
		return message{}, protocol.InvalidMessage{Reason: "malformed txsubmission tag"}
	}

	switch tag {
	case tagInit, tagDone:
		return message{Tag: tag}, nil
	case tagRequestTxIds:
		if len(elems) < 4 {
			return message{}, protocol.InvalidMessage{Reason: "request-tx-ids missing fields"}
		}
		var blocking bool
		var ack, req uint16
		if err := ourcbor.Unmarshal(elems[1], &blocking); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed blocking flag"}
		}
		if err := ourcbor.Unmarshal(elems[2], &ack); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed ack count"}
		}
		if err := ourcbor.Unmarshal(elems[3], &req); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed req count"}
		}
		return message{Tag: tag, Blocking: blocking, Ack: ack, Req: req}, nil
	case tagReplyTxIds:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "reply-tx-ids missing ids"}
		}
		var ids []TxIDAndSize
		if err := ourcbor.Unmarshal(elems[1], &ids); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed tx ids"}
		}
		return message{Tag: tag, Ids: ids}, nil
	case tagRequestTxs:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "request-txs missing ids"}
		}
		var wanted [][]byte
		if err := ourcbor.Unmarshal(elems[1], &wanted); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed wanted ids"}
		}
		return message{Tag: tag, Wanted: wanted}, nil
	case tagReplyTxs:
		if len(elems) < 2 {
			return message{}, protocol.InvalidMessage{Reason: "reply-txs missing bodies"}
		}
		var bodies [][]byte
		if err := ourcbor.Unmarshal(elems[1], &bodies); err != nil {
			return message{}, protocol.InvalidMessage{Reason: "malformed tx bodies"}
		}
		return message{Tag: tag, Bodies: bodies}, nil
	default:
		return message{}, protocol.InvalidMessage{Reason: "unknown txsubmission message tag"}
	}
}

// ErrBlockingReplyEmpty is returned when the client tries to answer a
// blocking RequestTxIds with zero ids; the protocol requires it to wait
// until at least one is available (spec §4.5.5).
var ErrBlockingReplyEmpty = errors.New("txsubmission: blocking reply must offer at least one id")

// ErrDuplicateID is returned when a single ReplyTxIds call lists the
// same transaction id twice.
var ErrDuplicateID = errors.New("txsubmission: duplicate transaction id in reply")

func dedupeIDs(ids []TxIDAndSize) error {
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		h := xxhash.Sum64(id.ID)
		if _, ok := seen[h]; ok {
			return ErrDuplicateID
		}
		seen[h] = struct{}{}
	}
	return nil
}

// Client drives TxSubmission's client side: the peer that holds
// transactions and answers the server's pulls.
type Client struct {
	ch    *plexer.AgentChannel
	state State
}

// NewClient builds a TxSubmission client bound to ch (from
// Plexer.SubscribeClient(protocol.ChannelTxSubmission)).
func NewClient(ch *plexer.AgentChannel) *Client {
	return &Client{ch: ch, state: StateInit}
}

func (c *Client) State() State    { return c.state }
func (c *Client) HasAgency() bool { return protocol.HasAgency(c.state.Agency(), protocol.RoleClient) }

// clientDelta reports whether tag is deliverable from state, disambiguating
// the four states that share AgencyClient: Init only opens the session,
// TxIdsBlocking/TxIdsNonBlocking only answer a pending id pull, TxsReq only
// answers a pending body pull.
func clientDelta(state State, tag messageTag) bool {
	switch state {
	case StateInit:
		return tag == tagInit
	case StateTxIdsBlocking, StateTxIdsNonBlocking:
		return tag == tagReplyTxIds
	case StateTxsReq:
		return tag == tagReplyTxs
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

// SendInit kicks off the session, transitioning Init -> Idle and handing
// agency to the server.
func (c *Client) SendInit(ctx context.Context) error {
	return c.send(ctx, message{Tag: tagInit}, StateIdle)
}

// RequestKind discriminates what the server pulled while Idle.
type RequestKind uint8

const (
	RequestTxIds RequestKind = iota
	RequestTxs
	RequestDone
)

// Request is what the client observes from RecvRequest.
type Request struct {
	Kind     RequestKind
	Blocking bool
	Ack      uint16
	Req      uint16
	Wanted   [][]byte
}

// RecvRequest awaits the server's next pull while Idle.
func (c *Client) RecvRequest(ctx context.Context) (Request, error) {
	msg, err := c.recv(ctx)
	if err != nil {
		return Request{}, err
	}

	switch msg.Tag {
	case tagRequestTxIds:
		if msg.Blocking {
			c.state = StateTxIdsBlocking
		} else {
			c.state = StateTxIdsNonBlocking
		}
		return Request{Kind: RequestTxIds, Blocking: msg.Blocking, Ack: msg.Ack, Req: msg.Req}, nil
	case tagRequestTxs:
		c.state = StateTxsReq
		return Request{Kind: RequestTxs, Wanted: msg.Wanted}, nil
	case tagDone:
		c.state = StateDone
		return Request{Kind: RequestDone}, nil
	default:
		return Request{}, protocol.IllegalTransition{State: c.state.String(), Message: "unexpected message while idle"}
	}
}

// SendReplyTxIds answers a pending RequestTxIds. A blocking request must
// be answered with at least one id; a non-blocking one may be answered
// with none.
func (c *Client) SendReplyTxIds(ctx context.Context, ids []TxIDAndSize) error {
	if c.state == StateTxIdsBlocking && len(ids) == 0 {
		return ErrBlockingReplyEmpty
	}
	if err := dedupeIDs(ids); err != nil {
		return err
	}
	return c.send(ctx, message{Tag: tagReplyTxIds, Ids: ids}, StateIdle)
}

// SendReplyTxs answers a pending RequestTxs with the requested bodies,
// in the same order as the ids were requested.
func (c *Client) SendReplyTxs(ctx context.Context, bodies [][]byte) error {
	return c.send(ctx, message{Tag: tagReplyTxs, Bodies: bodies}, StateIdle)
}

// Window tracks a server's view of its in-flight tx-id accounting per
// peer: ids requested but not yet acknowledged must never exceed the
// advertised capacity (spec §4.5.5).
type Window struct {
	capacity   uint16
	outstanding uint16
}

// NewWindow builds a Window with the given advertised capacity.
func NewWindow(capacity uint16) *Window {
	return &Window{capacity: capacity}
}

// ErrWindowExceeded is returned when a requested ack/request pair would
// violate the advertised window.
var ErrWindowExceeded = errors.New("txsubmission: request exceeds advertised window")

func (w *Window) reserve(ack, req uint16) error {
	if ack > w.outstanding {
		return ErrWindowExceeded
	}
	remaining := w.outstanding - ack
	if uint32(remaining)+uint32(req) > uint32(w.capacity) {
		return ErrWindowExceeded
	}
	w.outstanding = remaining + req
	return nil
}

// Server drives TxSubmission's server side: the peer pulling
// transactions into its mempool.
type Server struct {
	ch     *plexer.AgentChannel
	state  State
	window *Window
}

// NewServer builds a TxSubmission server bound to ch (from
// Plexer.SubscribeServer(protocol.ChannelTxSubmission)) with the given
// advertised in-flight-id window capacity.
func NewServer(ch *plexer.AgentChannel, windowCapacity uint16) *Server {
	return &Server{ch: ch, state: StateInit, window: NewWindow(windowCapacity)}
}

func (s *Server) State() State    { return s.state }
func (s *Server) HasAgency() bool { return protocol.HasAgency(s.state.Agency(), protocol.RoleServer) }

func (s *Server) send(ctx context.Context, m message, next State) error {
	if !protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return protocol.AgencyIsTheirs{State: s.state.String()}
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

func (s *Server) recv(ctx context.Context) (message, error) {
	if protocol.HasAgency(s.state.Agency(), protocol.RoleServer) {
		return message{}, protocol.AgencyIsOurs{State: s.state.String()}
	}
	raw, err := s.ch.RecvFullMsg(ctx, tryDecodeEnvelope)
	if err != nil {
		return message{}, err
	}
	return decodeMessage(raw)
}

// RecvInit awaits the client's opening Init, transitioning Init -> Idle.
func (s *Server) RecvInit(ctx context.Context) error {
	msg, err := s.recv(ctx)
	if err != nil {
		return err
	}
	if msg.Tag != tagInit {
		return protocol.IllegalTransition{State: s.state.String(), Message: "expected init"}
	}
	s.state = StateIdle
	return nil
}

// SendRequestTxIds pulls up to req new ids, acknowledging ack
// previously-delivered ones, transitioning Idle -> TxIdsBlocking or
// TxIdsNonBlocking. It fails with ErrWindowExceeded rather than send a
// request that would violate the advertised window.
func (s *Server) SendRequestTxIds(ctx context.Context, blocking bool, ack, req uint16) error {
	if err := s.window.reserve(ack, req); err != nil {
		return err
	}
	next := StateTxIdsNonBlocking
	if blocking {
		next = StateTxIdsBlocking
	}
	return s.send(ctx, message{Tag: tagRequestTxIds, Blocking: blocking, Ack: ack, Req: req}, next)
}

// SendRequestTxs pulls bodies for the given ids, transitioning Idle ->
// TxsReq.
func (s *Server) SendRequestTxs(ctx context.Context, ids [][]byte) error {
	return s.send(ctx, message{Tag: tagRequestTxs, Wanted: ids}, StateTxsReq)
}

// SendDone ends the session, transitioning Idle -> Done.
func (s *Server) SendDone(ctx context.Context) error {
	return s.send(ctx, message{Tag: tagDone}, StateDone)
}

// ReplyKind discriminates what the client sent back while not Idle.
type ReplyKind uint8

const (
	ReplyTxIds ReplyKind = iota
	ReplyTxs
)

// Reply is what the server observes from RecvReply.
type Reply struct {
	Kind   ReplyKind
	Ids    []TxIDAndSize
	Bodies [][]byte
}

// RecvReply awaits the client's answer to a pending TxIdsBlocking,
// TxIdsNonBlocking or TxsReq request.
func (s *Server) RecvReply(ctx context.Context) (Reply, error) {
	msg, err := s.recv(ctx)
	if err != nil {
		return Reply{}, err
	}

	switch s.state {
	case StateTxIdsBlocking, StateTxIdsNonBlocking:
		if msg.Tag != tagReplyTxIds {
			return Reply{}, protocol.IllegalTransition{State: s.state.String(), Message: "expected reply-tx-ids"}
		}
		s.state = StateIdle
		return Reply{Kind: ReplyTxIds, Ids: msg.Ids}, nil
	case StateTxsReq:
		if msg.Tag != tagReplyTxs {
			return Reply{}, protocol.IllegalTransition{State: s.state.String(), Message: "expected reply-txs"}
		}
		s.state = StateIdle
		return Reply{Kind: ReplyTxs, Bodies: msg.Bodies}, nil
	default:
		return Reply{}, protocol.IllegalTransition{State: s.state.String(), Message: "unexpected reply"}
	}
}
