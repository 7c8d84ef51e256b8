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

// Package broker is the AMQP publish/consume layer,
// built directly on the streadway/amqp dependency. Where the
// teacher dialed a fresh connection per publish/consume against the
// default exchange (agent/message_queue.go), this package maintains a
// long-lived connection, topic exchanges, a confirmed publisher pool,
// and per-Runner directed queues.
package broker

import "strings"

// Exchange names.
const (
	ExchangeBuild  = "build"
	ExchangeRunner = "runner"
)

// Routing keys, normative literal strings. RKBuildTask is
// templated per-Runner at dispatch time via DirectedRoutingKey.
const (
	RKBuildTask       = "build.task"
	RKBuildStatus     = "build.status"
	RKBuildLog        = "build.log"
	RKRunnerRegister  = "runner.register"
	RKRunnerHeartbeat = "runner.heartbeat"
	RKRunnerControl   = "runner.control"
	RKRunnerConfig    = "runner.config"
)

// DirectedRoutingKey returns the routing key used to dispatch a task to
// exactly one Runner: "build.<buildType>.<runnerName>".
func DirectedRoutingKey(buildType, runnerName string) string {
	return "build." + buildType + "." + runnerName
}

// ControlRoutingKey returns the routing key used to deliver an
// out-of-band ControlMessage (e.g. cancellation) to exactly one
// Runner: "runner.control.<runnerName>".
func ControlRoutingKey(runnerName string) string {
	return RKRunnerControl + "." + runnerName
}

// ControlQueueName returns the durable per-Runner control queue name.
func ControlQueueName(queuePrefix, runnerName string) string {
	return queuePrefix + "." + sanitizeRunnerName(runnerName) + ".control"
}

// ConfigRoutingKey returns the routing key used to deliver a
// HeartbeatResponse to exactly one Runner: "runner.config.<runnerName>".
func ConfigRoutingKey(runnerName string) string {
	return RKRunnerConfig + "." + runnerName
}

// ConfigQueueName returns the durable per-Runner Docker-config queue
// name.
func ConfigQueueName(queuePrefix, runnerName string) string {
	return queuePrefix + "." + sanitizeRunnerName(runnerName) + ".config"
}

// QueuePattern returns the binding pattern a Runner's per-Runner queue
// uses to receive only the tasks directed at it: "build.*.<runnerName>".
func QueuePattern(runnerName string) string {
	return "build.*." + runnerName
}

// sanitizeRunnerName converts dashes to underscores, as required for
// the per-Runner queue name.
func sanitizeRunnerName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// ControlPlaneBuildEventsQueueName returns the durable, single queue
// name the control plane consumes build.status/build.log from.
func ControlPlaneBuildEventsQueueName(queuePrefix string) string {
	return queuePrefix + ".controlplane.build"
}

// ControlPlaneRunnerEventsQueueName returns the durable, single queue
// name the control plane consumes runner.register/runner.heartbeat
// from.
func ControlPlaneRunnerEventsQueueName(queuePrefix string) string {
	return queuePrefix + ".controlplane.runner"
}

// RunnerQueueName returns the durable, per-Runner queue name:
// "{queue_prefix}.{runner_name_with_dashes_to_underscores}.queue".
func RunnerQueueName(queuePrefix, runnerName string) string {
	return queuePrefix + "." + sanitizeRunnerName(runnerName) + ".queue"
}

// DeadLetterQueueName returns the paired dead-letter queue name for a
// main queue.
func DeadLetterQueueName(queue string) string { return queue + ".dlq" }

// RetryQueueName returns the paired retry queue name for a main queue.
func RetryQueueName(queue string) string { return queue + ".retry" }
