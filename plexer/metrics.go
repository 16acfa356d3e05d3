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

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/ouroboros/common"
)

var (
	segmentsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "plexer",
		Name:      "segments_sent_total",
		Help:      "segments written to the bearer, by channel id",
	}, []string{"channel"})

	segmentsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "plexer",
		Name:      "segments_received_total",
		Help:      "segments read off the bearer, by channel id",
	}, []string{"channel"})

	bytesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "plexer",
		Name:      "bytes_sent_total",
		Help:      "payload bytes written to the bearer, by channel id",
	}, []string{"channel"})

	bytesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "plexer",
		Name:      "bytes_received_total",
		Help:      "payload bytes read off the bearer, by channel id",
	}, []string{"channel"})

	ingressDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "plexer",
		Name:      "ingress_dropped_total",
		Help:      "segments dropped because no subscriber existed for their channel",
	}, []string{"channel"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: common.App,
		Subsystem: "plexer",
		Name:      "queue_depth",
		Help:      "current depth of a channel queue",
	}, []string{"channel", "direction"})
)
