// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package eventbus is the in-process topic pub/sub layer,
// fanning job and approval events out to SSE clients. The broker
// structure (map of subscribers behind a mutex, buffered per-subscriber
// channel, a drop-oldest-on-overflow policy) generalizes a
// bounded commitQueue idiom to many independent topics and many
// subscribers per topic.
package eventbus

import (
	"sync"
	"time"
)

// DefaultBufferSize is the default bound on a subscriber's event
// channel before the oldest buffered event is dropped.
const DefaultBufferSize = 1000

// ApprovalsTopic is the fixed topic name for approval-lifecycle events.
const ApprovalsTopic = "approvals"

// JobTopic returns the topic name for a single job's events.
func JobTopic(jobID string) string { return "job:" + jobID }

// Event is one published message; Type is a short dot-separated name
// (e.g. "approval.approved", "task.status") and Payload is whatever the
// publisher chooses to attach (already JSON-marshalable).
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is a live subscriber's inbound channel plus its drop
// counter and an Unsubscribe to release it.
type Subscription struct {
	Events       <-chan Event
	DroppedCount func() uint64
	Unsubscribe  func()
}

type subscriber struct {
	ch      chan Event
	dropped uint64
	mu      sync.Mutex
}

// Bus is a topic-keyed, in-process pub/sub broker.
type Bus struct {
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

// New constructs a Bus with the given per-subscriber buffer size (0
// selects DefaultBufferSize).
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize:  bufferSize,
		subscribers: map[string]map[*subscriber]struct{}{},
	}
}

// Subscribe registers a new subscriber on topic; the returned
// Subscription's Unsubscribe must be called (typically on connection
// close) to release it.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	set, ok := b.subscribers[topic]
	if !ok {
		set = map[*subscriber]struct{}{}
		b.subscribers[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subscribers[topic]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.subscribers, topic)
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	return &Subscription{
		Events: sub.ch,
		DroppedCount: func() uint64 {
			sub.mu.Lock()
			defer sub.mu.Unlock()
			return sub.dropped
		},
		Unsubscribe: unsub,
	}
}

// Publish delivers event to every subscriber currently on topic.
// Delivery is best-effort: a full subscriber buffer drops its oldest
// queued event to make room, incrementing that subscriber's dropped
// counter, rather than blocking the publisher.
func (b *Bus) Publish(topic string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[topic]))
	for s := range b.subscribers[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s, event)
	}
}

func deliver(s *subscriber, event Event) {
	select {
	case s.ch <- event:
		return
	default:
	}
	// Buffer full: drop the oldest queued event and retry once.
	select {
	case <-s.ch:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}
