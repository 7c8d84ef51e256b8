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

// Package scheduler selects a Runner for each build task by capability,
// health and load, then hands the chosen Runner a directed
// routing key so exactly one consumer receives the task. Grounded on the
// teacher's RunnerPool round-robin selection loop (core/pool.go
// ForwardToRunner), generalized from round-robin to the scored,
// deterministic ranking this package requires.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/broker"
	"github.com/opsctl/fleet/internal/models"
)

// RunnerSource supplies the current Runner roster; the control plane's
// repository implements it.
type RunnerSource interface {
	ActiveRunners(ctx context.Context) ([]models.Runner, error)
	// IncrementCurrentJobs atomically bumps a Runner's current_jobs
	// counter; implementations perform this under a row lock.
	IncrementCurrentJobs(ctx context.Context, runnerID string) error
}

// ScheduleResult is returned on a successful schedule.
type ScheduleResult struct {
	RunnerID   string
	RunnerName string
	RoutingKey string
}

// Scheduler picks Runners for incoming build tasks.
type Scheduler struct {
	runners RunnerSource
	now     func() time.Time
}

// New constructs a Scheduler over the given RunnerSource.
func New(runners RunnerSource) *Scheduler {
	return &Scheduler{runners: runners, now: time.Now}
}

// requiredCapabilities enlarges the caller's required set with the
// build type itself and "general", per step 1.
func requiredCapabilities(buildType string, required []string) []string {
	set := map[string]struct{}{buildType: {}, "general": {}}
	for _, r := range required {
		set[r] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// SelectBest deterministically ranks the candidate Runners: smallest
// load wins, ties broken by larger max_concurrent_jobs, then
// lexicographically smaller name.
func SelectBest(candidates []models.Runner) (models.Runner, bool) {
	if len(candidates) == 0 {
		return models.Runner{}, false
	}
	sorted := make([]models.Runner, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := sorted[i].Load(), sorted[j].Load()
		if li != lj {
			return li < lj
		}
		if sorted[i].MaxConcurrentJobs != sorted[j].MaxConcurrentJobs {
			return sorted[i].MaxConcurrentJobs > sorted[j].MaxConcurrentJobs
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted[0], true
}

// Schedule selects a Runner for (buildType, requiredCapabilities),
// atomically increments its current_jobs, and returns the directed
// routing key to publish the task on. Returns apperr.NoRunnerAvailable
// if no candidate qualifies.
func (s *Scheduler) Schedule(ctx context.Context, buildType string, required []string) (ScheduleResult, error) {
	all, err := s.runners.ActiveRunners(ctx)
	if err != nil {
		return ScheduleResult{}, apperr.Wrap(apperr.Database, "listing runners", err)
	}

	want := requiredCapabilities(buildType, required)
	now := s.now()

	var candidates []models.Runner
	for _, r := range all {
		// want already contains "general", so Schedulable's capability
		// overlap check covers both required-capability and general-
		// fallback candidates in one pass (step 3).
		if r.Schedulable(now, want) {
			candidates = append(candidates, r)
		}
	}

	best, ok := SelectBest(candidates)
	if !ok {
		return ScheduleResult{}, apperr.New(apperr.NoRunnerAvailable, "no runner available for build type").WithDetail(buildType)
	}

	if err := s.runners.IncrementCurrentJobs(ctx, best.ID.String()); err != nil {
		return ScheduleResult{}, apperr.Wrap(apperr.Database, "incrementing runner load", err)
	}

	return ScheduleResult{
		RunnerID:   best.ID.String(),
		RunnerName: best.Name,
		RoutingKey: broker.DirectedRoutingKey(buildType, best.Name),
	}, nil
}
