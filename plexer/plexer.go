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

// Package plexer implements the Ouroboros multiplexer: it owns a single
// bearer.Bearer exclusively, runs an egress pump and an ingress pump over
// it, and exposes per-protocol AgentChannel endpoints to the mini-protocol
// state machines built on top.
package plexer

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/packetd/ouroboros/bearer"
	"github.com/packetd/ouroboros/common"
	"github.com/packetd/ouroboros/internal/fasttime"
	"github.com/packetd/ouroboros/internal/rescue"
	"github.com/packetd/ouroboros/logger"
	"github.com/packetd/ouroboros/segment"
)

// Plexer multiplexes many logical protocol channels over one Bearer. Channel
// subscriptions must happen before Run is called; the egress pump takes a
// fixed snapshot of subscribers at startup (spec §2's control flow: both
// sides subscribe, then run). An AgentChannel, and the protocol Client or
// Server built on it, is not safe for concurrent use: callers serialise
// access so that each one is driven from a single goroutine at a time.
type Plexer struct {
	bearer *bearer.Bearer
	clock  *fasttime.Clock

	queueSize int

	mu       sync.Mutex
	channels map[channelKey]*AgentChannel

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps b in a Plexer. b becomes exclusively owned by the Plexer from
// this point on; callers must not read from or write to it directly.
func New(b *bearer.Bearer) *Plexer {
	return &Plexer{
		bearer:    b,
		clock:     fasttime.NewClock(),
		queueSize: common.DefaultQueueSize,
		channels:  make(map[channelKey]*AgentChannel),
		done:      make(chan struct{}),
	}
}

// SubscribeClient allocates an AgentChannel for channelID where this
// endpoint is the protocol's initiator.
func (p *Plexer) SubscribeClient(channelID uint16) *AgentChannel {
	return p.subscribe(channelID, segment.Initiator)
}

// SubscribeServer allocates an AgentChannel for channelID where this
// endpoint is the protocol's responder.
func (p *Plexer) SubscribeServer(channelID uint16) *AgentChannel {
	return p.subscribe(channelID, segment.Responder)
}

func (p *Plexer) subscribe(channelID uint16, mode segment.Mode) *AgentChannel {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := channelKey{id: channelID, mode: mode}
	if _, exists := p.channels[key]; exists {
		panic(fmt.Sprintf("plexer: channel %d already subscribed for mode %v", channelID, mode))
	}

	ch := newAgentChannel(channelID, mode, p.queueSize)
	p.channels[key] = ch
	return ch
}

func oppositeMode(m segment.Mode) segment.Mode {
	if m == segment.Initiator {
		return segment.Responder
	}
	return segment.Initiator
}

// Run drives both pumps until the Bearer closes or an unrecoverable error
// occurs. It returns once both pumps have exited; all channel queues are
// closed by the time it returns.
func (p *Plexer) Run() error {
	defer rescue.HandleCrash()

	var egressErr, ingressErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer rescue.HandleCrash()
		egressErr = p.runEgress()
		p.stop()
	}()

	go func() {
		defer wg.Done()
		defer rescue.HandleCrash()
		ingressErr = p.runIngress()
		p.stop()
	}()

	wg.Wait()
	p.shutdownChannels()

	var result *multierror.Error
	if egressErr != nil {
		result = multierror.Append(result, errors.Wrap(egressErr, "egress pump"))
	}
	if ingressErr != nil {
		result = multierror.Append(result, errors.Wrap(ingressErr, "ingress pump"))
	}
	return result.ErrorOrNil()
}

// Close shuts the Plexer down from the outside: it unblocks Run the same
// way a Bearer failure would, so pending sends/receives fail with
// BearerClosed/EndOfStream rather than hang.
func (p *Plexer) Close() error {
	p.stop()
	return nil
}

// stop closes done and the bearer exactly once, unblocking whichever pump
// is still running: the egress pump via its done select case, the ingress
// pump via its now-failing Bearer read.
func (p *Plexer) stop() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.bearer.Close()
	})
}

func (p *Plexer) shutdownChannels() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		ch.egress.Close()
		ch.ingress.Close()
	}
}

// runEgress implements spec §4.3's egress pump: pick a ready channel's
// egress queue (uniform-random among ready cases, which in the face of
// reflect.Select's semantics ensures no channel starves indefinitely),
// chunk its payload at MAX_SEGMENT_PAYLOAD, stamp each chunk and write it.
func (p *Plexer) runEgress() error {
	p.mu.Lock()
	channels := make([]*AgentChannel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	p.mu.Unlock()

	sort.Slice(channels, func(i, j int) bool {
		if channels[i].id != channels[j].id {
			return channels[i].id < channels[j].id
		}
		return channels[i].mode == segment.Responder
	})

	if len(channels) == 0 {
		<-p.done
		return nil
	}

	cases := make([]reflect.SelectCase, len(channels)+1)
	for i, ch := range channels {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch.egress.C())}
	}
	doneIdx := len(channels)
	cases[doneIdx] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.done)}

	for {
		chosen, recv, _ := reflect.Select(cases)
		if chosen == doneIdx {
			return nil
		}

		ch := channels[chosen]
		payload, _ := recv.Interface().([]byte)
		ts := p.clock.Microseconds()

		label := strconv.Itoa(int(ch.id))
		for _, seg := range segment.Chunk(ch.id, ch.mode, ts, payload) {
			buf := segment.Encode(seg)
			err := p.bearer.WriteAll(buf.Bytes())
			n := len(buf.Bytes())
			segment.Release(buf)
			if err != nil {
				return err
			}
			segmentsOut.WithLabelValues(label).Inc()
			bytesOut.WithLabelValues(label).Add(float64(n))
		}
	}
}

// runIngress implements spec §4.3's ingress pump: decode one segment at a
// time and deliver its payload to the subscriber on the opposite mode.
// Segments for an id nobody subscribed to are dropped, tolerating peers
// that negotiated protocols this side did not bring up.
func (p *Plexer) runIngress() error {
	for {
		seg, err := segment.Decode(p.bearer)
		if err != nil {
			if _, ok := err.(bearer.Closed); ok {
				return nil
			}
			if corrupt, ok := err.(segment.Corrupt); ok {
				return Corrupt{Err: corrupt}
			}
			return err
		}

		label := strconv.Itoa(int(seg.Channel))
		segmentsIn.WithLabelValues(label).Inc()
		bytesIn.WithLabelValues(label).Add(float64(len(seg.Payload)))

		key := channelKey{id: seg.Channel, mode: oppositeMode(seg.Mode)}
		p.mu.Lock()
		ch, ok := p.channels[key]
		p.mu.Unlock()
		if !ok {
			ingressDropped.WithLabelValues(label).Inc()
			logger.Debugf("plexer: dropping segment for unsubscribed channel %d", seg.Channel)
			continue
		}

		if err := ch.ingress.Push(context.Background(), seg.Payload); err != nil {
			continue
		}
		queueDepth.WithLabelValues(label, "ingress").Set(float64(ch.ingress.Len()))
	}
}
