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

package segment

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/ouroboros/bearer"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverCh := make(chan *bearer.Bearer, 1)
	go func() {
		b, _, err := bearer.AcceptTCP(listener)
		require.NoError(t, err)
		serverCh <- b
	}()

	client, err := bearer.ConnectTCP(listener.Addr().String())
	require.NoError(t, err)
	server := <-serverCh

	payload := []byte("hello ouroboros")
	seg := Segment{TimestampUs: 42, Channel: 2, Mode: Initiator, Payload: payload}
	buf := Encode(seg)
	defer Release(buf)

	require.NoError(t, client.WriteAll(buf.Bytes()))

	got, err := Decode(server)
	require.NoError(t, err)
	assert.Equal(t, seg.TimestampUs, got.TimestampUs)
	assert.Equal(t, seg.Channel, got.Channel)
	assert.Equal(t, seg.Mode, got.Mode)
	assert.Equal(t, payload, got.Payload)
}

func TestHeaderLayout(t *testing.T) {
	seg := Segment{TimestampUs: 0x01020304, Channel: 3, Mode: Responder, Payload: []byte{0xAA}}
	buf := Encode(seg)
	defer Release(buf)

	b := buf.Bytes()
	require.Len(t, b, HeaderLength+1)
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(b[4:6]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(b[6:8]))
}

func TestModeBitInChannelWord(t *testing.T) {
	seg := Segment{TimestampUs: 0, Channel: 3, Mode: Initiator, Payload: nil}
	buf := Encode(seg)
	defer Release(buf)

	modeChannel := binary.BigEndian.Uint16(buf.Bytes()[4:6])
	assert.NotEqual(t, uint16(0), modeChannel&modeBit)
	assert.Equal(t, uint16(3), modeChannel&^modeBit)
}

func TestChunkExactBoundary(t *testing.T) {
	payload := make([]byte, 200000)
	for i := range payload {
		payload[i] = byte(i)
	}

	segments := Chunk(3, Initiator, 0, payload)
	wantCount := (len(payload) + MaxPayload - 1) / MaxPayload
	require.Len(t, segments, wantCount)

	var reassembled []byte
	for _, s := range segments {
		assert.LessOrEqual(t, len(s.Payload), MaxPayload)
		assert.Equal(t, uint16(3), s.Channel)
		reassembled = append(reassembled, s.Payload...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestChunkEmptyPayload(t *testing.T) {
	segments := Chunk(0, Responder, 7, nil)
	require.Len(t, segments, 1)
	assert.Empty(t, segments[0].Payload)
}

func TestDecodeShortHeaderFails(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverCh := make(chan *bearer.Bearer, 1)
	go func() {
		b, _, err := bearer.AcceptTCP(listener)
		require.NoError(t, err)
		serverCh <- b
	}()

	client, err := bearer.ConnectTCP(listener.Addr().String())
	require.NoError(t, err)
	server := <-serverCh

	require.NoError(t, client.WriteAll([]byte{1, 2, 3}))
	require.NoError(t, client.Close())

	_, err = Decode(server)
	assert.Error(t, err)
}
