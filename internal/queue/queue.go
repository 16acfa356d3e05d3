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

// Package queue implements the bounded single-producer/single-consumer
// queue used to carry bytes between the Plexer's pumps and an AgentChannel.
//
// Unlike a fan-out pubsub queue, Push here blocks when the queue is full so
// that a slow consumer transitively backpressures its producer, and a
// closed queue fails fast on both ends instead of silently dropping data.
package queue

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Closed is returned by Push/Pop once the queue has been closed.
type Closed struct{}

func (Closed) Error() string { return "queue: closed" }

// Queue is a bounded byte-slice pipe with blocking push/pop.
type Queue struct {
	id     string
	ch     chan []byte
	closed atomic.Bool
	done   chan struct{}
}

// New creates a Queue with the given capacity. size <= 0 is treated as 1.
func New(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		id:   uuid.New().String(),
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// ID returns the queue's unique identifier, useful for log correlation.
func (q *Queue) ID() string {
	return q.id
}

// Push enqueues payload, blocking while the queue is full. It returns
// Closed if the queue is closed before or during the push.
func (q *Queue) Push(ctx context.Context, payload []byte) error {
	if q.closed.Load() {
		return Closed{}
	}
	select {
	case q.ch <- payload:
		return nil
	case <-q.done:
		return Closed{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues one payload, blocking while the queue is empty. It returns
// Closed once the queue has been drained and closed.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-q.ch:
		return payload, nil
	case <-q.done:
		// Close may have raced a concurrent Push; drain whatever made it
		// into the buffer before reporting Closed.
		select {
		case payload := <-q.ch:
			return payload, nil
		default:
			return nil, Closed{}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the underlying channel for use in a reflect.Select or plain
// select alongside other queues, e.g. the Plexer's fair egress pump. It is
// never closed directly (see Close); only a value send marks it ready.
func (q *Queue) C() <-chan []byte {
	return q.ch
}

// Len reports the number of payloads currently buffered, for metrics.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close marks the queue closed. Pending Pop calls drain whatever remains
// buffered before observing Closed; pending and future Push calls observe
// Closed immediately. The underlying channel is never closed itself, which
// would race a concurrent Push; done does the broadcasting instead.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// IsClosed reports whether Close has been called.
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}
