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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/dockerconfig"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/models"
)

type fakeRepo struct {
	mu          sync.Mutex
	runners     map[uuid.UUID]models.Runner
	jobs        map[uuid.UUID]models.Job
	tasks       map[uuid.UUID][]models.Task
	decremented []uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		runners: map[uuid.UUID]models.Runner{},
		jobs:    map[uuid.UUID]models.Job{},
		tasks:   map[uuid.UUID][]models.Task{},
	}
}

func (f *fakeRepo) UpsertRunner(_ context.Context, runner models.Runner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.runners {
		if existing.Name == runner.Name {
			runner.ID = id
			f.runners[id] = runner
			return nil
		}
	}
	if runner.ID == uuid.Nil {
		runner.ID = uuid.New()
	}
	f.runners[runner.ID] = runner
	return nil
}

func (f *fakeRepo) GetRunnerByName(_ context.Context, name string) (models.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runners {
		if r.Name == name {
			return r, nil
		}
	}
	return models.Runner{}, apperr.New(apperr.NotFound, "runner not found")
}

func (f *fakeRepo) DecrementCurrentJobs(_ context.Context, runnerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decremented = append(f.decremented, runnerID)
	return nil
}

func (f *fakeRepo) GetJob(_ context.Context, id uuid.UUID) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, apperr.New(apperr.NotFound, "job not found")
	}
	return job, nil
}

func (f *fakeRepo) UpdateJob(_ context.Context, job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeRepo) TasksForJob(_ context.Context, jobID uuid.UUID) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Task(nil), f.tasks[jobID]...), nil
}

func (f *fakeRepo) UpdateTask(_ context.Context, task models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.tasks[task.JobID]
	for i, t := range rows {
		if t.ID == task.ID {
			rows[i] = task
			return nil
		}
	}
	return apperr.New(apperr.NotFound, "task not found")
}

type fakePermits struct {
	mu       sync.Mutex
	released []uuid.UUID
}

func (f *fakePermits) ReleasePermit(jobID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
}

func newTestDispatcher(repo *fakeRepo, permits *fakePermits) (*Dispatcher, *eventbus.Bus) {
	bus := eventbus.New(16)
	return &Dispatcher{
		repo:    repo,
		publish: nil,
		bus:     bus,
		docker:  nil,
		permits: permits,
	}, bus
}

func TestHandleRegisterThenHeartbeatPreservesCapacity(t *testing.T) {
	repo := newFakeRepo()
	d, _ := newTestDispatcher(repo, &fakePermits{})
	d.publish = noopPublisher{}
	d.docker = dockerconfig.New(models.DockerConfig{})

	ctx := context.Background()
	if err := d.handleRegister(ctx, models.RunnerRegistration{
		Name:              "runner-a",
		Capabilities:      []string{"build"},
		MaxConcurrentJobs: 4,
		RegisteredAt:      time.Now(),
	}); err != nil {
		t.Fatalf("handleRegister: %v", err)
	}

	runner, err := repo.GetRunnerByName(ctx, "runner-a")
	if err != nil {
		t.Fatalf("GetRunnerByName: %v", err)
	}
	if runner.MaxConcurrentJobs != 4 {
		t.Fatalf("expected max jobs 4 after register, got %d", runner.MaxConcurrentJobs)
	}

	if err := d.handleHeartbeat(ctx, models.RunnerHeartbeat{
		Name:   "runner-a",
		Status: models.RunnerActive,
		SentAt: time.Now(),
	}); err != nil {
		t.Fatalf("handleHeartbeat: %v", err)
	}

	runner, err = repo.GetRunnerByName(ctx, "runner-a")
	if err != nil {
		t.Fatalf("GetRunnerByName: %v", err)
	}
	if runner.MaxConcurrentJobs != 4 {
		t.Fatalf("heartbeat clobbered max jobs: got %d, want 4", runner.MaxConcurrentJobs)
	}
	if runner.Status != models.RunnerActive {
		t.Fatalf("expected status active, got %s", runner.Status)
	}
}

func TestHandleBuildStatusUpdatesTaskAndDecrementsRunnerLoad(t *testing.T) {
	repo := newFakeRepo()
	permits := &fakePermits{}
	d, bus := newTestDispatcher(repo, permits)

	jobID := uuid.New()
	hostID := uuid.New()
	runnerID := uuid.New()
	repo.jobs[jobID] = models.Job{ID: jobID, Status: models.JobRunning}
	repo.tasks[jobID] = []models.Task{{
		ID:       uuid.New(),
		JobID:    jobID,
		HostID:   &hostID,
		RunnerID: &runnerID,
		Status:   models.TaskRunning,
	}}

	sub := bus.Subscribe(eventbus.JobTopic(jobID.String()))
	defer sub.Unsubscribe()

	exit := 0
	err := d.handleBuildStatus(context.Background(), models.BuildStatus{
		TaskID:    "wire-task-1",
		JobID:     jobID.String(),
		RunnerID:  "runner-a",
		HostID:    hostID.String(),
		Status:    models.ExecSucceeded,
		ExitCode:  &exit,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("handleBuildStatus: %v", err)
	}

	tasks, _ := repo.TasksForJob(context.Background(), jobID)
	if tasks[0].Status != models.TaskSucceeded {
		t.Fatalf("expected task succeeded, got %s", tasks[0].Status)
	}
	if len(repo.decremented) != 1 || repo.decremented[0] != runnerID {
		t.Fatalf("expected runner load decremented once for %s, got %v", runnerID, repo.decremented)
	}

	job, _ := repo.GetJob(context.Background(), jobID)
	if job.Status != models.JobSucceeded {
		t.Fatalf("expected job succeeded once its only task finished, got %s", job.Status)
	}
	if len(permits.released) != 1 || permits.released[0] != jobID {
		t.Fatalf("expected permit released for job, got %v", permits.released)
	}

	select {
	case evt := <-sub.Events:
		if evt.Type != "task.status" {
			t.Fatalf("expected first event task.status, got %s", evt.Type)
		}
	default:
		t.Fatal("expected a task.status event on the job topic")
	}
}

func TestHandleBuildStatusLeavesJobRunningUntilEveryTaskFinishes(t *testing.T) {
	repo := newFakeRepo()
	permits := &fakePermits{}
	d, _ := newTestDispatcher(repo, permits)

	jobID := uuid.New()
	hostA, hostB := uuid.New(), uuid.New()
	repo.jobs[jobID] = models.Job{ID: jobID, Status: models.JobRunning}
	repo.tasks[jobID] = []models.Task{
		{ID: uuid.New(), JobID: jobID, HostID: &hostA, Status: models.TaskRunning},
		{ID: uuid.New(), JobID: jobID, HostID: &hostB, Status: models.TaskRunning},
	}

	err := d.handleBuildStatus(context.Background(), models.BuildStatus{
		JobID:     jobID.String(),
		HostID:    hostA.String(),
		Status:    models.ExecSucceeded,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("handleBuildStatus: %v", err)
	}

	job, _ := repo.GetJob(context.Background(), jobID)
	if job.Status != models.JobRunning {
		t.Fatalf("expected job still running with one task outstanding, got %s", job.Status)
	}
	if len(permits.released) != 0 {
		t.Fatalf("expected no permit release before every task finishes, got %v", permits.released)
	}
}

func TestHandleBuildLogPublishesOnJobTopic(t *testing.T) {
	repo := newFakeRepo()
	d, bus := newTestDispatcher(repo, &fakePermits{})

	jobID := uuid.New().String()
	sub := bus.Subscribe(eventbus.JobTopic(jobID))
	defer sub.Unsubscribe()

	if err := d.handleBuildLog(context.Background(), models.BuildLog{
		TaskID: "wire-task-1",
		JobID:  jobID,
		Stream: "stdout",
		Data:   "building...",
	}); err != nil {
		t.Fatalf("handleBuildLog: %v", err)
	}

	select {
	case evt := <-sub.Events:
		if evt.Type != "task.log" {
			t.Fatalf("expected task.log event, got %s", evt.Type)
		}
	default:
		t.Fatal("expected an event on the job topic")
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string, any) error { return nil }
