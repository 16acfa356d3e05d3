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

package cbor

import "github.com/fxamacker/cbor/v2"

// Original wraps a decoded value together with the exact byte slice it was
// parsed from. Ledger bodies the core transports but does not interpret
// (headers, tx bodies, witness sets, auxiliary data, Plutus data) must
// preserve their original encoding because downstream hashing needs to
// match on-chain hashes bit-for-bit — a re-encode is not guaranteed to
// reproduce byte-identical CBOR (spec §4.6, §9 "Original-bytes
// preservation").
type Original[T any] struct {
	Value T
	Raw   []byte
}

// UnmarshalCBOR records a copy of the raw span before decoding into Value:
// fxamacker/cbor hands UnmarshalCBOR the exact bytes of the one item it
// matched, so capturing Raw costs no extra parsing pass.
func (o *Original[T]) UnmarshalCBOR(data []byte) error {
	o.Raw = append([]byte(nil), data...)
	return Unmarshal(data, &o.Value)
}

// MarshalCBOR re-emits the originally captured bytes verbatim when present,
// so that values round-tripped through Original never drift from what was
// received on the wire. A zero-value Original (constructed locally, never
// decoded) falls back to encoding Value normally.
func (o Original[T]) MarshalCBOR() ([]byte, error) {
	if len(o.Raw) > 0 {
		return o.Raw, nil
	}
	return Marshal(o.Value)
}

var (
	_ cbor.Unmarshaler = (*Original[struct{}])(nil)
	_ cbor.Marshaler   = Original[struct{}]{}
)
