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

package broker

import "testing"

func TestDirectedRoutingKey(t *testing.T) {
	got := DirectedRoutingKey("node", "runner-a")
	want := "build.node.runner-a"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRunnerQueueNameSanitizesDashes(t *testing.T) {
	got := RunnerQueueName("ops", "runner-a-1")
	want := "ops.runner_a_1.queue"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestQueuePatternMatchesDirectedRoutingKey(t *testing.T) {
	// The binding pattern must match the routing key the scheduler
	// emits for this runner, and only this runner.
	pattern := QueuePattern("runner-b")
	rkForB := DirectedRoutingKey("rust", "runner-b")
	rkForA := DirectedRoutingKey("rust", "runner-a")

	if !amqpTopicMatch(pattern, rkForB) {
		t.Fatalf("pattern %q should match %q", pattern, rkForB)
	}
	if amqpTopicMatch(pattern, rkForA) {
		t.Fatalf("pattern %q should not match %q", pattern, rkForA)
	}
}

func TestDeadLetterAndRetryQueueNames(t *testing.T) {
	queue := RunnerQueueName("ops", "runner-a")
	if DeadLetterQueueName(queue) != queue+".dlq" {
		t.Fatal("unexpected dlq name")
	}
	if RetryQueueName(queue) != queue+".retry" {
		t.Fatal("unexpected retry queue name")
	}
}

// amqpTopicMatch is a minimal reimplementation of AMQP topic-exchange
// matching (single "*" wildcard segments) used only to verify the
// routing-key/pattern contract in tests, without a live broker.
func amqpTopicMatch(pattern, key string) bool {
	ps := splitDots(pattern)
	ks := splitDots(key)
	if len(ps) != len(ks) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ks[i] {
			return false
		}
	}
	return true
}

func splitDots(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
