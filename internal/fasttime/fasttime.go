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

// Package fasttime provides the monotonic microsecond clock a Plexer
// stamps its segment headers with. A Clock is anchored at its own creation,
// matching the wire format's per-connection relative timestamp.
package fasttime

import (
	"time"
)

// Clock is a monotonic microsecond counter anchored at creation time.
type Clock struct {
	start time.Time
}

// NewClock anchors a Clock at the current instant.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Microseconds returns elapsed microseconds since the Clock was created,
// truncated to the wire format's u32 (it wraps at 2^32, as the spec allows).
func (c *Clock) Microseconds() uint32 {
	return uint32(time.Since(c.start) / time.Microsecond)
}
