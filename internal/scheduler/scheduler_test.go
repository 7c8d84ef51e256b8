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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/models"
)

type fakeSource struct {
	runners     []models.Runner
	incremented []string
}

func (f *fakeSource) ActiveRunners(ctx context.Context) ([]models.Runner, error) {
	return f.runners, nil
}

func (f *fakeSource) IncrementCurrentJobs(ctx context.Context, runnerID string) error {
	f.incremented = append(f.incremented, runnerID)
	return nil
}

func runner(name string, max, current int, caps ...string) models.Runner {
	return models.Runner{
		ID:                uuid.New(),
		Name:              name,
		Capabilities:      caps,
		Status:            models.RunnerActive,
		MaxConcurrentJobs: max,
		CurrentJobs:       current,
		LastHeartbeat:     time.Now(),
	}
}

func TestScheduleSeedScenarioS1(t *testing.T) {
	a := runner("runner-a", 5, 2, "node")
	b := runner("runner-b", 10, 3, "node")
	src := &fakeSource{runners: []models.Runner{a, b}}
	sched := New(src)

	result, err := sched.Schedule(context.Background(), "node", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if result.RunnerName != "runner-b" {
		t.Fatalf("expected runner-b (load 0.3 < 0.4), got %s", result.RunnerName)
	}
	if result.RoutingKey != "build.node.runner-b" {
		t.Fatalf("unexpected routing key %q", result.RoutingKey)
	}
}

func TestSelectBestDeterministic(t *testing.T) {
	candidates := []models.Runner{
		runner("z-runner", 10, 5, "node"),
		runner("a-runner", 10, 5, "node"),
		runner("m-runner", 20, 10, "node"), // same load 0.5, larger capacity wins
	}
	for i := 0; i < 10; i++ {
		best, ok := SelectBest(candidates)
		if !ok {
			t.Fatal("expected a candidate")
		}
		if best.Name != "m-runner" {
			t.Fatalf("expected deterministic pick of m-runner, got %s", best.Name)
		}
	}
}

func TestSelectBestTiesBrokenByName(t *testing.T) {
	candidates := []models.Runner{
		runner("b-runner", 10, 5, "node"),
		runner("a-runner", 10, 5, "node"),
	}
	best, _ := SelectBest(candidates)
	if best.Name != "a-runner" {
		t.Fatalf("expected a-runner to win lexicographic tiebreak, got %s", best.Name)
	}
}

func TestScheduleNoRunnerAvailable(t *testing.T) {
	src := &fakeSource{runners: nil}
	sched := New(src)
	_, err := sched.Schedule(context.Background(), "rust", nil)
	if err == nil {
		t.Fatal("expected NoRunnerAvailable")
	}
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.NoRunnerAvailable {
		t.Fatalf("expected NoRunnerAvailable, got %v", err)
	}
}

func TestScheduleExcludesStaleHeartbeat(t *testing.T) {
	stale := runner("stale", 10, 0, "node")
	stale.LastHeartbeat = time.Now().Add(-10 * time.Minute)
	src := &fakeSource{runners: []models.Runner{stale}}
	sched := New(src)
	_, err := sched.Schedule(context.Background(), "node", nil)
	if err == nil {
		t.Fatal("expected no candidates due to stale heartbeat")
	}
}

func TestScheduleGeneralCapabilityFallsBack(t *testing.T) {
	gen := runner("generalist", 5, 0, "general")
	src := &fakeSource{runners: []models.Runner{gen}}
	sched := New(src)
	result, err := sched.Schedule(context.Background(), "obscure-lang", nil)
	if err != nil {
		t.Fatalf("expected general-capability runner to be selected: %v", err)
	}
	if result.RunnerName != "generalist" {
		t.Fatalf("unexpected runner selected: %s", result.RunnerName)
	}
}

func TestScheduleIncrementsCurrentJobs(t *testing.T) {
	r := runner("solo", 5, 0, "node")
	src := &fakeSource{runners: []models.Runner{r}}
	sched := New(src)
	if _, err := sched.Schedule(context.Background(), "node", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(src.incremented) != 1 || src.incremented[0] != r.ID.String() {
		t.Fatalf("expected current_jobs increment for %s, got %v", r.ID, src.incremented)
	}
}
