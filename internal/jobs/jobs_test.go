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

package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/approval"
	"github.com/opsctl/fleet/internal/audit"
	"github.com/opsctl/fleet/internal/concurrency"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/models"
	"github.com/opsctl/fleet/internal/scheduler"
)

type fakeJobRepo struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]models.Job
	tasks map[uuid.UUID][]models.Task
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]models.Job{}, tasks: map[uuid.UUID][]models.Task{}}
}

func (f *fakeJobRepo) InsertJob(_ context.Context, job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) GetJob(_ context.Context, id uuid.UUID) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, apperr.New(apperr.NotFound, "job not found")
	}
	return job, nil
}

func (f *fakeJobRepo) UpdateJob(_ context.Context, job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) ListJobs(_ context.Context, _ ListFilter) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobRepo) InsertTasks(_ context.Context, tasks []models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		f.tasks[t.JobID] = append(f.tasks[t.JobID], t)
	}
	return nil
}

func (f *fakeJobRepo) TasksForJob(_ context.Context, jobID uuid.UUID) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[jobID], nil
}

func (f *fakeJobRepo) GetHost(_ context.Context, id uuid.UUID) (models.Host, error) {
	return models.Host{ID: id}, nil
}

func (f *fakeJobRepo) GetRunner(_ context.Context, id uuid.UUID) (models.Runner, error) {
	return models.Runner{ID: id, Name: "runner-a"}, nil
}

func (f *fakeJobRepo) UpdateTask(_ context.Context, task models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.tasks[task.JobID]
	for i, t := range rows {
		if t.ID == task.ID {
			rows[i] = task
		}
	}
	return nil
}

type fakeApprovalRepoForJobs struct {
	mu       sync.Mutex
	requests map[uuid.UUID]models.ApprovalRequest
}

func newFakeApprovalRepoForJobs() *fakeApprovalRepoForJobs {
	return &fakeApprovalRepoForJobs{requests: map[uuid.UUID]models.ApprovalRequest{}}
}

func (f *fakeApprovalRepoForJobs) InsertApprovalRequest(_ context.Context, req models.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ID] = req
	return nil
}

func (f *fakeApprovalRepoForJobs) GetApprovalRequest(_ context.Context, id uuid.UUID) (models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[id], nil
}

func (f *fakeApprovalRepoForJobs) UpdateApprovalRequest(_ context.Context, req models.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ID] = req
	return nil
}

func (f *fakeApprovalRepoForJobs) InsertApprovalRecord(_ context.Context, _ models.ApprovalRecord) error {
	return nil
}

func (f *fakeApprovalRepoForJobs) ApprovalRecordsFor(_ context.Context, _ uuid.UUID) ([]models.ApprovalRecord, error) {
	return nil, nil
}

func (f *fakeApprovalRepoForJobs) ApprovalGroups(_ context.Context) ([]models.ApprovalGroup, error) {
	return nil, nil
}

func (f *fakeApprovalRepoForJobs) PendingApprovalRequests(_ context.Context) ([]models.ApprovalRequest, error) {
	return nil, nil
}

type fakeRunnerSource struct {
	runners []models.Runner
}

func (f *fakeRunnerSource) ActiveRunners(_ context.Context) ([]models.Runner, error) {
	return f.runners, nil
}

func (f *fakeRunnerSource) IncrementCurrentJobs(_ context.Context, _ string) error {
	return nil
}

type fakeAuditRepo struct{}

func (fakeAuditRepo) InsertAuditLogEntry(_ context.Context, _ models.AuditLogEntry) error {
	return nil
}

func (fakeAuditRepo) QueryAuditLog(_ context.Context, _ audit.Filter) ([]models.AuditLogEntry, error) {
	return nil, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(_ context.Context, _, routingKey string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, routingKey)
	return nil
}

func newTestServiceWithBroker(t *testing.T, pub *fakePublisher) (*Service, *fakeJobRepo) {
	t.Helper()
	repo := newFakeJobRepo()
	cc := concurrency.New(concurrency.Config{GlobalLimit: 10, Strategy: concurrency.Reject})
	bus := eventbus.New(10)
	approvals := approval.New(newFakeApprovalRepoForJobs(), bus)
	runnerSrc := &fakeRunnerSource{runners: []models.Runner{{
		ID: uuid.New(), Name: "runner-a", Status: models.RunnerOnline,
		Capabilities: []string{"node"}, MaxConcurrentJobs: 5, CurrentJobs: 0,
		LastHeartbeat: time.Now(),
	}}}
	sched := scheduler.New(runnerSrc)
	auditSink := audit.NewSink(fakeAuditRepo{}, 16)
	svc := New(repo, cc, approvals, sched, pub, auditSink, bus)
	return svc, repo
}

func newTestService(t *testing.T) (*Service, *fakeJobRepo) {
	t.Helper()
	repo := newFakeJobRepo()
	cc := concurrency.New(concurrency.Config{GlobalLimit: 10, Strategy: concurrency.Reject})
	bus := eventbus.New(10)
	approvals := approval.New(newFakeApprovalRepoForJobs(), bus)
	runnerSrc := &fakeRunnerSource{runners: []models.Runner{{
		ID: uuid.New(), Name: "runner-a", Status: models.RunnerOnline,
		Capabilities: []string{"node"}, MaxConcurrentJobs: 5, CurrentJobs: 0,
		LastHeartbeat: time.Now(),
	}}}
	sched := scheduler.New(runnerSrc)
	auditSink := audit.NewSink(fakeAuditRepo{}, 16)
	svc := New(repo, cc, approvals, sched, nil, auditSink, bus)
	return svc, repo
}

func TestCreateRequiresAtLeastOneTarget(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{Kind: models.JobCommand, CreatedBy: uuid.New()})
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.BadRequest {
		t.Fatalf("expected bad_request for untargeted job, got %v", err)
	}
}

func TestCreateParksAwaitingApprovalWhenTriggered(t *testing.T) {
	svc, _ := newTestService(t)
	req := CreateRequest{
		Kind:        models.JobCommand,
		CreatedBy:   uuid.New(),
		TargetHosts: []uuid.UUID{uuid.New()},
		Trigger:     approval.TriggerContext{Environment: "production"},
		TimeoutMins: 30,
	}
	job, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != models.JobAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", job.Status)
	}
	if job.ApprovalID == nil {
		t.Fatal("expected an approval id to be set")
	}
}

func TestCancelOnlyValidFromNonTerminal(t *testing.T) {
	svc, repo := newTestService(t)
	job := models.Job{ID: uuid.New(), Status: models.JobSucceeded, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_ = repo.InsertJob(context.Background(), job)

	_, err := svc.Cancel(context.Background(), job.ID, uuid.New(), "no longer needed")
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.Conflict {
		t.Fatalf("expected conflict cancelling a terminal job, got %v", err)
	}
}

func TestTasksReturnsSummaryWithoutOutputDetail(t *testing.T) {
	svc, repo := newTestService(t)
	jobID := uuid.New()
	exitCode := 1
	_ = repo.InsertTasks(context.Background(), []models.Task{{
		ID: uuid.New(), JobID: jobID, Status: models.TaskFailed, ExitCode: &exitCode,
		Stdout: "secret output", Stderr: "boom", CreatedAt: time.Now(),
	}})

	full, summaries, err := svc.Tasks(context.Background(), jobID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != nil {
		t.Fatal("expected nil full tasks without output detail")
	}
	if len(summaries) != 1 || summaries[0].ExitCode == nil || *summaries[0].ExitCode != 1 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}

func TestCreateTracksPermitForParkedJob(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Create(context.Background(), CreateRequest{
		Kind:        models.JobCommand,
		CreatedBy:   uuid.New(),
		TargetHosts: []uuid.UUID{uuid.New()},
		BuildType:   "node",
		Trigger:     approval.TriggerContext{Environment: "production"},
		TimeoutMins: 30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.mu.Lock()
	_, heldPermit := svc.permits[job.ID]
	_, heldParams := svc.parked[job.ID]
	svc.mu.Unlock()
	if !heldPermit {
		t.Fatal("expected a permit to be tracked for a parked job")
	}
	if !heldParams {
		t.Fatal("expected dispatch params to be cached for a parked job")
	}
}

func TestApprovalApprovedDispatchesParkedJob(t *testing.T) {
	svc, repo := newTestServiceWithBroker(t, &fakePublisher{})
	ctx := context.Background()
	go svc.Run(ctx)

	job, err := svc.Create(ctx, CreateRequest{
		Kind:        models.JobCommand,
		CreatedBy:   uuid.New(),
		TargetHosts: []uuid.UUID{uuid.New()},
		BuildType:   "node",
		Trigger:     approval.TriggerContext{Environment: "production"},
		TimeoutMins: 30,
	})
	if err != nil {
		t.Fatalf("unexpected error creating job: %v", err)
	}
	if job.Status != models.JobAwaitingApproval {
		t.Fatalf("expected job to park awaiting approval, got %s", job.Status)
	}

	approver := uuid.New()
	if _, err := svc.approvals.Decide(ctx, *job.ApprovalID, approver, models.DecisionApprove, ""); err != nil {
		t.Fatalf("unexpected error deciding approval: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		updated, err := repo.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("unexpected error loading job: %v", err)
		}
		if updated.Status == models.JobRunning {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected job to transition to running once its approval was approved")
}

func TestApprovalRejectedReleasesPermitAndFailsJob(t *testing.T) {
	svc, repo := newTestServiceWithBroker(t, &fakePublisher{})
	ctx := context.Background()
	go svc.Run(ctx)

	job, err := svc.Create(ctx, CreateRequest{
		Kind:        models.JobCommand,
		CreatedBy:   uuid.New(),
		TargetHosts: []uuid.UUID{uuid.New()},
		BuildType:   "node",
		Trigger:     approval.TriggerContext{Environment: "production"},
		TimeoutMins: 30,
	})
	if err != nil {
		t.Fatalf("unexpected error creating job: %v", err)
	}

	approver := uuid.New()
	if _, err := svc.approvals.Decide(ctx, *job.ApprovalID, approver, models.DecisionReject, "no"); err != nil {
		t.Fatalf("unexpected error deciding approval: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		updated, err := repo.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("unexpected error loading job: %v", err)
		}
		if updated.Status == models.JobFailed {
			svc.mu.Lock()
			_, held := svc.permits[job.ID]
			svc.mu.Unlock()
			if held {
				t.Fatal("expected the permit to be released once the approval was rejected")
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected job to transition to failed once its approval was rejected")
}

func TestRetryOnlyReRunsFailedTasksByDefault(t *testing.T) {
	svc, repo := newTestService(t)
	original := models.Job{ID: uuid.New(), Status: models.JobFailed, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_ = repo.InsertJob(context.Background(), original)
	_ = repo.InsertTasks(context.Background(), []models.Task{
		{ID: uuid.New(), JobID: original.ID, Status: models.TaskFailed, CreatedAt: time.Now()},
		{ID: uuid.New(), JobID: original.ID, Status: models.TaskSucceeded, CreatedAt: time.Now()},
	})

	retry, err := svc.Retry(context.Background(), original.ID, uuid.New(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retry.RetryOf == nil || *retry.RetryOf != original.ID {
		t.Fatal("expected retry_of to reference the original job")
	}
	if retry.Statistics.Total != 1 {
		t.Fatalf("expected only 1 retried task (the failed one), got %d", retry.Statistics.Total)
	}
}
