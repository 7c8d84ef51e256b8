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

// Wire message shapes exchanged over AMQP between the control plane and
// Runner agents. Field names are snake_case and timestamps are RFC 3339
// UTC; every type round-trips through JSON unchanged.
package models

import "time"

// BuildStepKind distinguishes how a step should be executed.
type BuildStepKind string

const (
	StepCommand BuildStepKind = "command"
	StepScript  BuildStepKind = "script"
	StepBuild   BuildStepKind = "build"
)

// BuildStep is one unit of work within a BuildTask.
type BuildStep struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Kind              BuildStepKind `json:"kind"`
	Image             string        `json:"image,omitempty"`
	Command           string        `json:"command"`
	WorkingDir        string        `json:"working_dir,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	TimeoutSecs       int           `json:"timeout_secs,omitempty"`
	ContinueOnFailure bool          `json:"continue_on_failure,omitempty"`
}

// HostTarget carries what a Runner needs to execute a step over SSH
// against one managed Host. Unlike models.Host, Credential travels in
// the clear here: this message never leaves the control plane/Runner
// trust boundary, whereas Host.SSHCredential is redacted from every
// HTTP response.
type HostTarget struct {
	HostID        string        `json:"host_id"`
	Address       string        `json:"address"`
	SSHUser       string        `json:"ssh_user,omitempty"`
	Credential    string        `json:"credential,omitempty"`
	HostKeyPolicy HostKeyPolicy `json:"host_key_policy"`
}

// BuildTask is published build.task: control plane -> Runner. Steps
// run once per entry in TargetHosts over SSH when TargetHosts is
// non-empty, else once in a Docker container on the Runner itself.
type BuildTask struct {
	TaskID       string       `json:"task_id"`
	JobID        string       `json:"job_id"`
	BuildType    string       `json:"build_type"`
	RunnerName   string       `json:"runner_name"`
	Steps        []BuildStep  `json:"steps"`
	TargetHosts  []HostTarget `json:"target_hosts,omitempty"`
	Repository   string       `json:"repository,omitempty"`
	Ref          string       `json:"ref,omitempty"`
	DispatchedAt time.Time    `json:"dispatched_at"`
}

// TaskExecStatus mirrors models.TaskStatus on the wire, decoupled so the
// AMQP contract does not change shape if the control-plane enum grows.
type TaskExecStatus string

const (
	ExecReceived  TaskExecStatus = "received"
	ExecPreparing TaskExecStatus = "preparing"
	ExecRunning   TaskExecStatus = "running"
	ExecSucceeded TaskExecStatus = "succeeded"
	ExecFailed    TaskExecStatus = "failed"
	ExecTimeout   TaskExecStatus = "timeout"
	ExecCancelled TaskExecStatus = "cancelled"
)

// BuildStatus is published build.status: Runner -> control plane. For
// each of a BuildTask's target hosts the Runner publishes a running
// status and then one status per executed step, each naming its host
// in HostID; a Runner-only (Docker) task leaves HostID empty.
type BuildStatus struct {
	TaskID    string         `json:"task_id"`
	JobID     string         `json:"job_id"`
	RunnerID  string         `json:"runner_id"`
	HostID    string         `json:"host_id,omitempty"`
	Status    TaskExecStatus `json:"status"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Artifact  *Artifact      `json:"artifact,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// BuildLog is published build.log: Runner -> control plane, streaming a
// chunk of step output. HostID disambiguates concurrent per-host
// streams within the same task; empty for a Runner-only (Docker) task.
type BuildLog struct {
	TaskID  string `json:"task_id"`
	JobID   string `json:"job_id"`
	HostID  string `json:"host_id,omitempty"`
	StepID  string `json:"step_id"`
	Stream  string `json:"stream"` // "stdout" | "stderr"
	Offset  int64  `json:"offset"`
	Data    string `json:"data"`
	IsFinal bool   `json:"is_final"`
}

// SystemInfo describes the Runner's host for registration/heartbeat.
type SystemInfo struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips,omitempty"`
	OS       string   `json:"os"`
	Arch     string   `json:"arch"`
}

// RunnerRegistration is published runner.register: Runner -> control
// plane, on startup.
type RunnerRegistration struct {
	Name              string     `json:"name"`
	Capabilities      []string   `json:"capabilities"`
	MaxConcurrentJobs int        `json:"max_concurrent_jobs"`
	System            SystemInfo `json:"system_info"`
	RegisteredAt      time.Time  `json:"registered_at"`
}

// RunnerHeartbeat is published runner.heartbeat: Runner -> control
// plane, periodically.
type RunnerHeartbeat struct {
	Name        string     `json:"name"`
	Status      RunnerStatus `json:"status"`
	CurrentJobs int        `json:"current_jobs"`
	System      SystemInfo `json:"system_info"`
	SentAt      time.Time  `json:"sent_at"`
}

// HeartbeatResponse is delivered back to a Runner out-of-band (via its
// runner-keyed queue) in reply to a heartbeat, carrying the latest
// resolved Docker configuration.
type HeartbeatResponse struct {
	Config DockerConfig `json:"config"`
}

// ControlMessageKind distinguishes control-plane -> Runner directives
// outside the normal task stream (e.g. cancellation).
type ControlMessageKind string

const (
	ControlCancel ControlMessageKind = "cancel"
)

// ControlMessage is a directed, out-of-band instruction to a single
// Runner for an in-flight task.
type ControlMessage struct {
	Kind   ControlMessageKind `json:"kind"`
	TaskID string             `json:"task_id"`
	Reason string             `json:"reason,omitempty"`
}
