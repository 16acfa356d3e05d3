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

package protocol

// Well-known channel ids, spec §3/§6.
const (
	ChannelHandshake    uint16 = 0
	ChannelChainSync    uint16 = 2
	ChannelBlockFetch   uint16 = 3
	ChannelTxSubmission uint16 = 4
	ChannelKeepalive    uint16 = 5
	ChannelLocalState   uint16 = 7
)

// Name returns the conventional name of a well-known channel id, or ""
// for an id this registry doesn't recognize (peers may negotiate protocol
// ids this module never brings up; the Plexer tolerates those by design).
func Name(channelID uint16) string {
	switch channelID {
	case ChannelHandshake:
		return "handshake"
	case ChannelChainSync:
		return "chainsync"
	case ChannelBlockFetch:
		return "blockfetch"
	case ChannelTxSubmission:
		return "txsubmission"
	case ChannelKeepalive:
		return "keepalive"
	case ChannelLocalState:
		return "localstate"
	default:
		return ""
	}
}
