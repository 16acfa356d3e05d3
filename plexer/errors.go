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

package plexer

import "github.com/pkg/errors"

func newError(format string, args ...any) error {
	return errors.Errorf("plexer: "+format, args...)
}

// BearerClosed is returned by AgentChannel.Enqueue once the Plexer has shut
// down; any payload in flight is discarded.
type BearerClosed struct{}

func (BearerClosed) Error() string { return "plexer: bearer closed" }

// EndOfStream is returned by AgentChannel.Dequeue/RecvFullMsg once the
// Plexer has shut down and the channel's ingress queue has been drained.
type EndOfStream struct{}

func (EndOfStream) Error() string { return "plexer: end of stream" }

// ChannelGone describes a reference to a channel id/mode pair that was never
// subscribed on this Plexer. No function in this package returns it: the
// ingress pump drops segments addressed to an unsubscribed channel.
type ChannelGone struct{ ID uint16 }

func (c ChannelGone) Error() string {
	return errors.Errorf("plexer: no subscriber for channel %d", c.ID).Error()
}

// Corrupt wraps a framing error observed on the wire; it is always
// terminal for the Plexer.
type Corrupt struct{ Err error }

func (c Corrupt) Error() string { return "plexer: corrupt segment: " + c.Err.Error() }
func (c Corrupt) Unwrap() error { return c.Err }
