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

import (
	"time"

	"github.com/google/uuid"
)

// RunnerStatus is the lifecycle state of a Runner agent as seen by the
// control plane.
type RunnerStatus string

const (
	RunnerOnline      RunnerStatus = "online"
	RunnerActive      RunnerStatus = "active"
	RunnerMaintenance RunnerStatus = "maintenance"
	RunnerOffline     RunnerStatus = "offline"
)

// staleHeartbeat is the maximum age of a heartbeat before a Runner is no
// longer considered reachable.
const staleHeartbeat = 2 * time.Minute

// Runner is a worker agent registered with the control plane.
type Runner struct {
	ID                uuid.UUID    `json:"id"`
	Name              string       `json:"name"`
	Capabilities      []string     `json:"capabilities"`
	Status            RunnerStatus `json:"status"`
	MaxConcurrentJobs int          `json:"max_concurrent_jobs"`
	CurrentJobs       int          `json:"current_jobs"`
	LastHeartbeat     time.Time    `json:"last_heartbeat"`
}

// Schedulable reports whether the Runner may be handed new work:
// online/active, a recent heartbeat, spare capacity, and at least one
// overlapping capability.
func (r *Runner) Schedulable(now time.Time, required []string) bool {
	if r.Status != RunnerOnline && r.Status != RunnerActive {
		return false
	}
	if now.Sub(r.LastHeartbeat) >= staleHeartbeat {
		return false
	}
	if r.CurrentJobs >= r.MaxConcurrentJobs {
		return false
	}
	return capabilitiesOverlap(r.Capabilities, required)
}

func capabilitiesOverlap(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Load is the Runner's current utilization fraction, used by the
// scheduler to rank candidates.
func (r *Runner) Load() float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(r.CurrentJobs) / float64(r.MaxConcurrentJobs)
}
