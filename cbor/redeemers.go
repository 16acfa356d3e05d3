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

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// RedeemerTag names which part of a transaction a redeemer applies to.
type RedeemerTag uint8

const (
	RedeemerTagSpend RedeemerTag = iota
	RedeemerTagMint
	RedeemerTagCert
	RedeemerTagReward
	RedeemerTagVoting
	RedeemerTagProposing
)

// ExUnits is the Plutus execution budget attached to a redeemer.
type ExUnits struct {
	Mem   uint64
	Steps uint64
}

// Redeemer is one opaque Plutus redeemer entry. Data is carried as a raw
// CBOR item rather than decoded into a Plutus data tree: ledger/script
// data types are out of scope for this module (spec §1); the core only
// needs to move the bytes through intact.
type Redeemer struct {
	Tag     RedeemerTag
	Index   uint32
	Data    cbor.RawMessage
	ExUnits ExUnits
}

type redeemerArrayEntry struct {
	_       struct{} `cbor:",toarray"`
	Tag     RedeemerTag
	Index   uint32
	Data    cbor.RawMessage
	ExUnits ExUnits
}

type redeemerMapKey struct {
	_     struct{} `cbor:",toarray"`
	Tag   RedeemerTag
	Index uint32
}

type redeemerMapValue struct {
	_       struct{} `cbor:",toarray"`
	Data    cbor.RawMessage
	ExUnits ExUnits
}

// Redeemers canonicalises the two historic wire shapes named in spec §4.6:
// a CBOR array of 4-tuples (the original Alonzo-era layout) and a CBOR map
// keyed by (tag, index) (later eras). Both decode into the same ordered
// slice here; the shape is probed from the outer major type before parsing.
type Redeemers []Redeemer

var errEmptyRedeemers = errors.New("cbor: empty redeemers input")

func (r *Redeemers) UnmarshalCBOR(data []byte) error {
	if len(data) == 0 {
		return DecodeInvalid{Reason: "redeemers", Err: errEmptyRedeemers}
	}

	// CBOR major type occupies the top 3 bits of the first byte; 5 is map
	// (covers both definite 0xA0-0xBB and indefinite 0xBF).
	if data[0]>>5 == 5 {
		return r.unmarshalMap(data)
	}
	return r.unmarshalArray(data)
}

func (r *Redeemers) unmarshalArray(data []byte) error {
	var entries []redeemerArrayEntry
	if err := Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(Redeemers, len(entries))
	for i, e := range entries {
		out[i] = Redeemer{Tag: e.Tag, Index: e.Index, Data: e.Data, ExUnits: e.ExUnits}
	}
	*r = out
	return nil
}

func (r *Redeemers) unmarshalMap(data []byte) error {
	var m map[redeemerMapKey]redeemerMapValue
	if err := Unmarshal(data, &m); err != nil {
		return err
	}

	out := make(Redeemers, 0, len(m))
	for k, v := range m {
		out = append(out, Redeemer{Tag: k.Tag, Index: k.Index, Data: v.Data, ExUnits: v.ExUnits})
	}
	// Go map iteration order is randomized; sort so decode is deterministic
	// regardless of wire shape, matching the array shape's natural order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Index < out[j].Index
	})
	*r = out
	return nil
}

// MarshalCBOR always emits the array-of-tuples shape; canonicalisation on
// decode means a later map-shaped peer can still read it back, but this
// module only needs decode(encode(v)) == v per spec §8, not preservation
// of whichever shape a value happened to arrive in.
func (r Redeemers) MarshalCBOR() ([]byte, error) {
	entries := make([]redeemerArrayEntry, len(r))
	for i, red := range r {
		entries[i] = redeemerArrayEntry{Tag: red.Tag, Index: red.Index, Data: red.Data, ExUnits: red.ExUnits}
	}
	return Marshal(entries)
}

var (
	_ cbor.Unmarshaler = (*Redeemers)(nil)
	_ cbor.Marshaler   = Redeemers(nil)
)
