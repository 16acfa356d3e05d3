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

// Package segment frames bytes into Ouroboros Network segments: an 8-byte
// header (timestamp, mode+channel, length) followed by payload. A segment
// carries a prefix of one or more messages, or a continuation of a partial
// one; message boundaries are recovered above this layer.
package segment

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/packetd/ouroboros/bearer"
)

// HeaderLength is the fixed 8-byte segment header: u32 timestamp, u16
// mode+channel, u16 payload length.
const HeaderLength = 8

// MaxPayload is the largest payload a single segment may carry: the u16
// length field can address 2^16-1 bytes, minus the header itself per
// spec §2's accounting so a maximally sized segment still fits one u16
// length. Concretely this is the CDDL-mandated ceiling: 2^16-1-8.
const MaxPayload = 1<<16 - 1 - HeaderLength

const modeBit = uint16(1) << 15

// Mode records which role the segment's sender believes itself to be for
// the protocol named by Channel: Initiator if it thinks it is the client
// of that mini-protocol, Responder otherwise.
type Mode bool

const (
	Responder Mode = false
	Initiator Mode = true
)

func newError(format string, args ...any) error {
	return errors.Errorf("segment: "+format, args...)
}

// Corrupt is returned by Decode when reading the header fails for a reason
// other than the peer closing, or when the stream ends mid-payload. A
// stream that ends before or inside a header is reported as bearer.Closed.
// Framing is trust-based: a Corrupt segment is terminal for the Plexer.
type Corrupt struct{ Reason string }

func (c Corrupt) Error() string { return "segment: corrupt: " + c.Reason }

// Segment is one framed unit on the wire.
type Segment struct {
	TimestampUs uint32
	Channel     uint16
	Mode        Mode
	Payload     []byte
}

// Encode appends the wire representation of s to a pooled buffer and
// returns that buffer. Release must be called on the returned
// *bytebufferpool.ByteBuffer once its bytes have been written to the Bearer.
func Encode(s Segment) *bytebufferpool.ByteBuffer {
	if len(s.Payload) > MaxPayload {
		panic("segment: payload exceeds MaxPayload; caller must chunk before encoding")
	}

	buf := bytebufferpool.Get()
	var hdr [HeaderLength]byte
	binary.BigEndian.PutUint32(hdr[0:4], s.TimestampUs)

	modeChannel := s.Channel
	if s.Mode == Initiator {
		modeChannel |= modeBit
	}
	binary.BigEndian.PutUint16(hdr[4:6], modeChannel)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(s.Payload)))

	buf.Write(hdr[:])
	buf.Write(s.Payload)
	return buf
}

// Release returns a buffer obtained from Encode to the pool.
func Release(buf *bytebufferpool.ByteBuffer) {
	bytebufferpool.Put(buf)
}

// Decode reads one full segment (header + payload) off b.
func Decode(b *bearer.Bearer) (Segment, error) {
	var hdr [HeaderLength]byte
	if err := b.ReadExact(hdr[:]); err != nil {
		if _, ok := err.(bearer.Closed); ok {
			return Segment{}, err
		}
		return Segment{}, Corrupt{Reason: err.Error()}
	}

	timestamp := binary.BigEndian.Uint32(hdr[0:4])
	modeChannel := binary.BigEndian.Uint16(hdr[4:6])
	length := binary.BigEndian.Uint16(hdr[6:8])

	mode := Responder
	if modeChannel&modeBit != 0 {
		mode = Initiator
	}
	channel := modeChannel &^ modeBit

	payload := make([]byte, length)
	if length > 0 {
		if err := b.ReadExact(payload); err != nil {
			if _, ok := err.(bearer.Closed); ok {
				return Segment{}, Corrupt{Reason: "short read after header: " + err.Error()}
			}
			return Segment{}, newError("decode payload: %v", err)
		}
	}

	return Segment{
		TimestampUs: timestamp,
		Channel:     channel,
		Mode:        mode,
		Payload:     payload,
	}, nil
}

// Chunk splits payload into segments of at most MaxPayload bytes each,
// every one carrying the same channel, mode and timestamp. The Plexer
// stamps a single timestamp per chunk batch dequeued from one channel,
// matching spec §4.3's "for each chunk, stamp current microseconds"
// wording loosely enough to keep chunking a pure function here and let
// the egress pump own the clock.
func Chunk(channel uint16, mode Mode, timestampUs uint32, payload []byte) []Segment {
	if len(payload) == 0 {
		return []Segment{{TimestampUs: timestampUs, Channel: channel, Mode: mode, Payload: nil}}
	}

	n := (len(payload) + MaxPayload - 1) / MaxPayload
	segments := make([]Segment, 0, n)
	for len(payload) > 0 {
		size := MaxPayload
		if size > len(payload) {
			size = len(payload)
		}
		segments = append(segments, Segment{
			TimestampUs: timestampUs,
			Channel:     channel,
			Mode:        mode,
			Payload:     payload[:size],
		})
		payload = payload[size:]
	}
	return segments
}
