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

package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(10)
	sub := b.Subscribe(JobTopic("job-1"))
	defer sub.Unsubscribe()

	b.Publish(JobTopic("job-1"), Event{Type: "task.status", Payload: "running"})

	select {
	case e := <-sub.Events:
		if e.Type != "task.status" {
			t.Fatalf("unexpected event type %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotDeliverToOtherTopics(t *testing.T) {
	b := New(10)
	sub := b.Subscribe(JobTopic("job-1"))
	defer sub.Unsubscribe()

	b.Publish(JobTopic("job-2"), Event{Type: "task.status"})

	select {
	case <-sub.Events:
		t.Fatal("should not have received event for a different topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldestAndIncrementsCounter(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(ApprovalsTopic)
	defer sub.Unsubscribe()

	b.Publish(ApprovalsTopic, Event{Type: "1"})
	b.Publish(ApprovalsTopic, Event{Type: "2"})
	b.Publish(ApprovalsTopic, Event{Type: "3"})

	if sub.DroppedCount() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", sub.DroppedCount())
	}

	first := <-sub.Events
	if first.Type != "2" {
		t.Fatalf("expected oldest remaining event to be %q, got %q", "2", first.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(10)
	sub := b.Subscribe(ApprovalsTopic)
	sub.Unsubscribe()

	_, ok := <-sub.Events
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
