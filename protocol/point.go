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

import (
	ourcbor "github.com/packetd/ouroboros/cbor"
)

// PointKind discriminates the two Point variants.
type PointKind uint8

const (
	PointKindOrigin PointKind = iota
	PointKindSpecific
)

// Point is a chain position: either Origin (genesis) or a specific
// (slot, hash) pair. It is shared by ChainSync, BlockFetch and
// LocalStateQuery (GLOSSARY).
type Point struct {
	Kind PointKind
	Slot uint64
	Hash []byte
}

// OriginPoint returns the genesis Point.
func OriginPoint() Point { return Point{Kind: PointKindOrigin} }

// NewPoint returns a Point at a specific slot and block hash.
func NewPoint(slot uint64, hash []byte) Point {
	return Point{Kind: PointKindSpecific, Slot: slot, Hash: hash}
}

func (p Point) IsOrigin() bool { return p.Kind == PointKindOrigin }

// MarshalCBOR encodes Origin as a 1-element array [0] and Specific as a
// 3-element array [1, slot, hash].
func (p Point) MarshalCBOR() ([]byte, error) {
	if p.IsOrigin() {
		return ourcbor.Marshal([]any{PointKindOrigin})
	}
	return ourcbor.Marshal([]any{PointKindSpecific, p.Slot, p.Hash})
}

func (p *Point) UnmarshalCBOR(data []byte) error {
	var elems []any
	if err := ourcbor.Unmarshal(data, &elems); err != nil || len(elems) == 0 {
		return InvalidMessage{Reason: "malformed point"}
	}

	kind, err := coerceUint8(elems[0])
	if err != nil {
		return InvalidMessage{Reason: "malformed point kind"}
	}

	switch PointKind(kind) {
	case PointKindOrigin:
		*p = OriginPoint()
		return nil
	case PointKindSpecific:
		if len(elems) < 3 {
			return InvalidMessage{Reason: "specific point missing slot/hash"}
		}
		// Re-round-trip through the codec to get concrete types rather
		// than any's default decode shapes (uint64/[]byte).
		raw, err := ourcbor.Marshal(elems[1])
		if err != nil {
			return err
		}
		var slot uint64
		if err := ourcbor.Unmarshal(raw, &slot); err != nil {
			return InvalidMessage{Reason: "malformed point slot"}
		}
		hashRaw, err := ourcbor.Marshal(elems[2])
		if err != nil {
			return err
		}
		var hash []byte
		if err := ourcbor.Unmarshal(hashRaw, &hash); err != nil {
			return InvalidMessage{Reason: "malformed point hash"}
		}
		*p = NewPoint(slot, hash)
		return nil
	default:
		return InvalidMessage{Reason: "unknown point kind"}
	}
}

func coerceUint8(v any) (uint8, error) {
	switch n := v.(type) {
	case uint64:
		return uint8(n), nil
	case int64:
		return uint8(n), nil
	case uint8:
		return n, nil
	default:
		return 0, InvalidMessage{Reason: "point kind is not an integer"}
	}
}

// Tip is the best point a server currently knows about, plus its block
// number (GLOSSARY).
type Tip struct {
	_       struct{} `cbor:",toarray"`
	Point   Point
	BlockNo uint64
}

// NewTip builds a Tip value.
func NewTip(point Point, blockNo uint64) Tip {
	return Tip{Point: point, BlockNo: blockNo}
}
