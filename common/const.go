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

package common

const (
	// App is the program name used in metrics namespaces and log prefixes.
	App = "ouroboros"

	// Version is the library's version string.
	Version = "v0.0.1"

	// DefaultQueueSize is the capacity the Plexer gives every channel's
	// egress and ingress queue.
	DefaultQueueSize = 16
)
