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
	"math/big"
	"testing"

	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	_    struct{} `cbor:",toarray"`
	Slot uint64
	Hash []byte
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := point{Slot: 1337, Hash: []byte{0xde, 0xad}}
	b, err := Marshal(in)
	require.NoError(t, err)

	var out point
	require.NoError(t, Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestDecodeOneReportsConsumedPrefix(t *testing.T) {
	a, err := Marshal(point{Slot: 1, Hash: []byte{1}})
	require.NoError(t, err)
	bb, err := Marshal(point{Slot: 2, Hash: []byte{2}})
	require.NoError(t, err)

	buf := append(append([]byte{}, a...), bb...)

	var first point
	n, err := DecodeOne(buf, &first)
	require.NoError(t, err)
	assert.Equal(t, len(a), n)
	assert.Equal(t, uint64(1), first.Slot)

	var second point
	n2, err := DecodeOne(buf[n:], &second)
	require.NoError(t, err)
	assert.Equal(t, len(bb), n2)
	assert.Equal(t, uint64(2), second.Slot)
}

func TestDecodeOneShortReturnsDecodeShort(t *testing.T) {
	full, err := Marshal(point{Slot: 9, Hash: []byte{9, 9, 9}})
	require.NoError(t, err)

	var out point
	_, err = DecodeOne(full[:len(full)-1], &out)
	require.Error(t, err)
	var short DecodeShort
	assert.ErrorAs(t, err, &short)
}

func TestOriginalPreservesRawBytes(t *testing.T) {
	inner := point{Slot: 55, Hash: []byte{0xaa, 0xbb}}
	raw, err := Marshal(inner)
	require.NoError(t, err)

	var o Original[point]
	require.NoError(t, o.UnmarshalCBOR(raw))
	assert.Equal(t, inner, o.Value)
	assert.Equal(t, raw, o.Raw)

	reEncoded, err := o.MarshalCBOR()
	require.NoError(t, err)
	assert.Equal(t, raw, reEncoded)
}

func TestRedeemersArrayShape(t *testing.T) {
	entries := []redeemerArrayEntry{
		{Tag: RedeemerTagSpend, Index: 0, Data: fxcbor.RawMessage{0x01}, ExUnits: ExUnits{Mem: 10, Steps: 20}},
		{Tag: RedeemerTagMint, Index: 1, Data: fxcbor.RawMessage{0x02}, ExUnits: ExUnits{Mem: 30, Steps: 40}},
	}
	raw, err := Marshal(entries)
	require.NoError(t, err)

	var got Redeemers
	require.NoError(t, got.UnmarshalCBOR(raw))
	require.Len(t, got, 2)
	assert.Equal(t, RedeemerTagSpend, got[0].Tag)
	assert.Equal(t, RedeemerTagMint, got[1].Tag)
}

func TestRedeemersMapShape(t *testing.T) {
	m := map[redeemerMapKey]redeemerMapValue{
		{Tag: RedeemerTagCert, Index: 2}: {Data: fxcbor.RawMessage{0x03}, ExUnits: ExUnits{Mem: 1, Steps: 2}},
		{Tag: RedeemerTagSpend, Index: 0}: {Data: fxcbor.RawMessage{0x04}, ExUnits: ExUnits{Mem: 3, Steps: 4}},
	}
	raw, err := Marshal(m)
	require.NoError(t, err)

	var got Redeemers
	require.NoError(t, got.UnmarshalCBOR(raw))
	require.Len(t, got, 2)
	// sorted by (tag, index): Spend(0) before Cert(2)
	assert.Equal(t, RedeemerTagSpend, got[0].Tag)
	assert.Equal(t, RedeemerTagCert, got[1].Tag)
}

func TestRedeemersRoundTripThroughEncoder(t *testing.T) {
	in := Redeemers{
		{Tag: RedeemerTagSpend, Index: 0, Data: fxcbor.RawMessage{0x01}, ExUnits: ExUnits{Mem: 1, Steps: 2}},
	}
	raw, err := in.MarshalCBOR()
	require.NoError(t, err)

	var out Redeemers
	require.NoError(t, out.UnmarshalCBOR(raw))
	assert.Equal(t, in, out)
}

func TestBigIntValueRejectsOutOfRange(t *testing.T) {
	tooLarge := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err := BigIntValue(2, tooLarge)
	assert.Error(t, err)
}

func TestBigIntValueAcceptsInRange(t *testing.T) {
	v, err := BigIntValue(2, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}
