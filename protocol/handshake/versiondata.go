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

package handshake

// N2NVersionData is the version-data payload for node-to-node handshakes
// (spec §6).
type N2NVersionData struct {
	_                          struct{} `cbor:",toarray"`
	NetworkMagic               uint32
	InitiatorOnlyDiffusionMode bool
}

// NewN2NVersionData builds an N2NVersionData value.
func NewN2NVersionData(networkMagic uint32, initiatorOnlyDiffusionMode bool) N2NVersionData {
	return N2NVersionData{NetworkMagic: networkMagic, InitiatorOnlyDiffusionMode: initiatorOnlyDiffusionMode}
}

// N2CVersionData is the version-data payload for node-to-client
// handshakes. Query is nil when the peer did not express an opinion,
// matching the `query: bool?` optionality in spec §6.
type N2CVersionData struct {
	_            struct{} `cbor:",toarray"`
	NetworkMagic uint32
	Query        *bool
}

// NewN2CVersionData builds an N2CVersionData value.
func NewN2CVersionData(networkMagic uint32, query *bool) N2CVersionData {
	return N2CVersionData{NetworkMagic: networkMagic, Query: query}
}
