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

// Package cbor wraps github.com/fxamacker/cbor/v2 with the structural
// fidelity spec §4.6 asks for: tolerance of definite and indefinite-length
// arrays/maps, tagged-bignum decoding, and original-byte-slice preservation
// for fields that feed downstream hashing.
package cbor

import (
	"bytes"
	"io"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// OutOfRange is returned when a tagged bignum (CBOR tags 2/3) does not fit
// the requested native integer type.
type OutOfRange struct{ Tag uint64 }

func (e OutOfRange) Error() string {
	return errors.Errorf("cbor: bignum tag %d out of range", e.Tag).Error()
}

// DecodeShort is returned when the input ends before a complete item could
// be parsed; callers of DecodeOne treat it as "need more bytes",
// not as a fatal error.
type DecodeShort struct{ Err error }

func (e DecodeShort) Error() string { return "cbor: short read: " + e.Err.Error() }
func (e DecodeShort) Unwrap() error { return e.Err }

// DecodeInvalid wraps any other decode failure.
type DecodeInvalid struct {
	Reason string
	Err    error
}

func (e DecodeInvalid) Error() string {
	return "cbor: decode invalid (" + e.Reason + "): " + e.Err.Error()
}
func (e DecodeInvalid) Unwrap() error { return e.Err }

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeUnix
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

var decMode = func() cbor.DecMode {
	opts := cbor.DecOptions{
		// Accept both definite and indefinite-length arrays/maps
		// interchangeably, per spec §4.6.
		IndefLength: cbor.IndefLengthAllowed,
		BigIntDec:   cbor.BigIntDecodeValue,
		// Ouroboros messages nest a few levels of array-of-array; the
		// default depth is plenty but being explicit documents the ceiling.
		MaxNestedLevels: 32,
	}
	mode, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Marshal encodes v using deterministic (canonical) CBOR, matching the
// "values produced by the encoder round-trip" contract of spec §4.6 and
// §8 — the encoder never needs two ways to say the same value.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "cbor: marshal")
	}
	return b, nil
}

// Unmarshal decodes the complete CBOR item in b into v.
func Unmarshal(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return DecodeInvalid{Reason: "unmarshal", Err: err}
	}
	return nil
}

// DecodeOne decodes a single CBOR item prefix of buf into v and reports how
// many leading bytes it consumed. It returns DecodeShort (not a hard
// failure) only when buf genuinely ends before a complete item does —
// io.EOF/io.ErrUnexpectedEOF from the underlying reader — matching
// AgentChannel.RecvFullMsg's retry-on-false contract: the caller should
// buffer more bytes and try again in that case. Any other decode failure
// (malformed syntax, an unassigned simple value, invalid UTF-8, ...) is a
// genuine protocol violation and is returned as DecodeInvalid so callers
// stop retrying and abort the affected mini-protocol instead of hanging or
// resynchronising on a corrupt prefix.
func DecodeOne(buf []byte, v any) (consumed int, err error) {
	r := bytes.NewReader(buf)
	dec := decMode.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, DecodeShort{Err: err}
		}
		return 0, DecodeInvalid{Reason: "decode-one", Err: err}
	}
	return len(buf) - r.Len(), nil
}

// BigIntValue converts a decoded tag-2/3 bignum into a native int64 when it
// fits, rejecting values that don't with OutOfRange — spec §4.6's "decode
// into native wide integers where the value fits, else reject".
func BigIntValue(tag uint64, v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, OutOfRange{Tag: tag}
	}
	return v.Int64(), nil
}
