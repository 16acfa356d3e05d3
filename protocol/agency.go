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

// Package protocol holds the pieces shared by every mini-protocol state
// machine (Handshake, ChainSync, BlockFetch, LocalStateQuery,
// TxSubmission, and the supplemented Keepalive): the Agency type, the
// well-known channel id table, and the error taxonomy of spec §7.
package protocol

import "github.com/pkg/errors"

// Agency names which role may send in a given protocol state. Nobody marks
// a terminal state: neither side may send.
type Agency int

const (
	AgencyNobody Agency = iota
	AgencyClient
	AgencyServer
)

func (a Agency) String() string {
	switch a {
	case AgencyClient:
		return "Client"
	case AgencyServer:
		return "Server"
	default:
		return "Nobody"
	}
}

// Role identifies which side of a protocol a state machine instance plays.
// It is fixed for the lifetime of an instance, unlike Agency, which moves
// between Client/Server/Nobody as the state machine progresses.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) agency() Agency {
	if r == RoleClient {
		return AgencyClient
	}
	return AgencyServer
}

// HasAgency reports whether role may send while the current state's agency
// is cur.
func HasAgency(cur Agency, role Role) bool {
	return cur == role.agency()
}

// AgencyIsTheirs is returned by a send_* call when the current state's
// agency does not belong to the caller's role.
type AgencyIsTheirs struct{ State string }

func (e AgencyIsTheirs) Error() string {
	return errors.Errorf("protocol: agency is theirs in state %s", e.State).Error()
}

// AgencyIsOurs is returned by a recv_* call when the current state's
// agency belongs to the caller's own role (there is nothing to receive,
// the caller should be sending instead).
type AgencyIsOurs struct{ State string }

func (e AgencyIsOurs) Error() string {
	return errors.Errorf("protocol: agency is ours in state %s", e.State).Error()
}

// IllegalTransition is returned when a message is not a legal transition
// out of the current state.
type IllegalTransition struct {
	State   string
	Message string
}

func (e IllegalTransition) Error() string {
	return errors.Errorf("protocol: illegal transition: %s does not accept %s", e.State, e.Message).Error()
}

// InvalidMessage is returned when a received message fails validation that
// is not itself a state-transition error (e.g. a structurally-impossible
// combination of fields).
type InvalidMessage struct{ Reason string }

func (e InvalidMessage) Error() string {
	return "protocol: invalid message: " + e.Reason
}
