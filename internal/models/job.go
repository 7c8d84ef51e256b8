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

package models

import "time"

import "github.com/google/uuid"

// JobKind is the kind of work a Job represents.
type JobKind string

const (
	JobCommand  JobKind = "command"
	JobScript   JobKind = "script"
	JobBuild    JobKind = "build"
	JobTemplate JobKind = "template"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending          JobStatus = "pending"
	JobAwaitingApproval JobStatus = "awaiting_approval"
	JobRunning          JobStatus = "running"
	JobSucceeded        JobStatus = "succeeded"
	JobFailed           JobStatus = "failed"
	JobCancelled        JobStatus = "cancelled"
)

// JobStatistics is the pure, recomputable task-count summary of a Job.
type JobStatistics struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Timeout     int     `json:"timeout"`
	Cancelled   int     `json:"cancelled"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	SuccessRate float64 `json:"success_rate"`
	IsCompleted bool    `json:"is_completed"`
}

// ComputeJobStatistics derives JobStatistics from a set of TaskStatus
// values. It is a pure function: same input always yields the same output.
func ComputeJobStatistics(statuses []TaskStatus) JobStatistics {
	var s JobStatistics
	for _, st := range statuses {
		s.Total++
		switch st {
		case TaskSucceeded:
			s.Succeeded++
		case TaskFailed:
			s.Failed++
		case TaskTimeout:
			s.Timeout++
		case TaskCancelled:
			s.Cancelled++
		case TaskPending:
			s.Pending++
		case TaskRunning:
			s.Running++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	s.IsCompleted = s.Pending == 0 && s.Running == 0
	return s
}

// Job is a user-submitted unit of intent that expands into one or more
// Tasks.
type Job struct {
	ID            uuid.UUID     `json:"id"`
	Kind          JobKind       `json:"kind"`
	TargetHosts   []uuid.UUID   `json:"target_hosts,omitempty"`
	TargetGroups  []uuid.UUID   `json:"target_groups,omitempty"`
	CreatedBy     uuid.UUID     `json:"created_by"`
	Status        JobStatus     `json:"status"`
	Statistics    JobStatistics `json:"statistics"`
	RetryOf       *uuid.UUID    `json:"retry_of,omitempty"`
	ApprovalID    *uuid.UUID    `json:"approval_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
	TaskSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether a task status never transitions further.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimeout, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Task is one unit of execution belonging to a Job: one per target host
// for ssh-exec jobs, one per Runner for build jobs.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	JobID       uuid.UUID  `json:"job_id"`
	HostID      *uuid.UUID `json:"host_id,omitempty"`
	RunnerID    *uuid.UUID `json:"runner_id,omitempty"`
	Status      TaskStatus `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskSummary is the redacted projection returned to callers without
// job.output_detail: no stdout/stderr.
type TaskSummary struct {
	ID         uuid.UUID  `json:"id"`
	Status     TaskStatus `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Summarize strips stdout/stderr from a Task.
func (t Task) Summarize() TaskSummary {
	return TaskSummary{
		ID:         t.ID,
		Status:     t.Status,
		ExitCode:   t.ExitCode,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}

// Artifact is a build output produced by a Task.
type Artifact struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
	Version int    `json:"version"`
}
