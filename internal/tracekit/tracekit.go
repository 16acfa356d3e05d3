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

// Package tracekit mints correlation ids for logging. A Plexer connection
// has no HTTP request to carry a traceparent header, so unlike the
// teacher's tracekit there is nothing to parse here — only RandomTraceID
// survives, used to tag one connection's log lines across its handshake
// and protocol clients.
package tracekit

import (
	"crypto/rand"

	"go.opentelemetry.io/otel/trace"
)

// RandomTraceID mints a random trace id for a single connection's logs.
func RandomTraceID() trace.TraceID {
	var id trace.TraceID
	_, _ = rand.Read(id[:])
	return id
}
