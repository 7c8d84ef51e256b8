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

// Package jobs implements the job lifecycle service: job
// creation across command/script/template kinds, approval gating,
// concurrency admission, scheduling and dispatch over AMQP, retrieval
// with the output-detail/summary split, cancellation and retry.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/apperr"
	"github.com/opsctl/fleet/internal/approval"
	"github.com/opsctl/fleet/internal/audit"
	"github.com/opsctl/fleet/internal/broker"
	"github.com/opsctl/fleet/internal/concurrency"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/logging"
	"github.com/opsctl/fleet/internal/models"
	"github.com/opsctl/fleet/internal/scheduler"
)

var log = logging.WithComponent("jobs")

// Repository persists jobs, tasks and artifacts.
type Repository interface {
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job) error
	ListJobs(ctx context.Context, filter ListFilter) ([]models.Job, error)
	InsertTasks(ctx context.Context, tasks []models.Task) error
	TasksForJob(ctx context.Context, jobID uuid.UUID) ([]models.Task, error)
	UpdateTask(ctx context.Context, task models.Task) error
	GetHost(ctx context.Context, id uuid.UUID) (models.Host, error)
	GetRunner(ctx context.Context, id uuid.UUID) (models.Runner, error)
}

// ListFilter narrows ListJobs; zero-value fields are unconstrained.
// AllowedGroups implements the scope filter: a nil slice means
// unrestricted (caller already resolved global access via
// authz.FilterByScope). AllowedEnvironments is carried but not applied
// by either repository backend.
type ListFilter struct {
	CreatedBy           uuid.UUID
	Status              models.JobStatus
	AllowedGroups       []string
	AllowedEnvironments []string
	Limit               int
}

// CreateRequest describes a new command/script/template job.
type CreateRequest struct {
	Kind         models.JobKind
	CreatedBy    uuid.UUID
	TargetHosts  []uuid.UUID
	TargetGroups []uuid.UUID
	BuildType    string
	Steps        []models.BuildStep
	Repository   string
	Ref          string
	Trigger      approval.TriggerContext
	TimeoutMins  int
}

// dispatchParams is the slice of a CreateRequest a gated job needs
// replayed once its approval resolves; everything else a dispatch
// needs is already on the persisted Job.
type dispatchParams struct {
	buildType  string
	steps      []models.BuildStep
	repository string
	ref        string
}

// Publisher is the subset of *broker.Client the job service needs:
// publishing a dispatched build.task and, on cancel, a directed
// ControlMessage. Accepting the interface rather than the concrete
// client lets tests exercise dispatch without a live AMQP connection.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload any) error
}

// Service implements the job lifecycle over its collaborators.
type Service struct {
	repo        Repository
	concurrency *concurrency.Controller
	approvals   *approval.Engine
	scheduler   *scheduler.Scheduler
	broker      Publisher
	audit       *audit.Sink
	bus         *eventbus.Bus
	now         func() time.Time

	mu      sync.Mutex
	permits map[uuid.UUID]*concurrency.Permit
	parked  map[uuid.UUID]dispatchParams
}

// New constructs a Service.
func New(repo Repository, cc *concurrency.Controller, approvals *approval.Engine, sched *scheduler.Scheduler, brokerClient Publisher, auditSink *audit.Sink, bus *eventbus.Bus) *Service {
	return &Service{
		repo:        repo,
		concurrency: cc,
		approvals:   approvals,
		scheduler:   sched,
		broker:      brokerClient,
		audit:       auditSink,
		bus:         bus,
		now:         time.Now,
		permits:     map[uuid.UUID]*concurrency.Permit{},
		parked:      map[uuid.UUID]dispatchParams{},
	}
}

// Run subscribes to the approvals topic and drives the rest of a
// gated job's lifecycle: dispatch on approval.approved, and permit
// release plus a terminal job status on approval.rejected/cancelled/
// timeout. It blocks until ctx is cancelled, so the caller starts it
// on its own goroutine.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.Subscribe(eventbus.ApprovalsTopic)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			req, ok := event.Payload.(models.ApprovalRequest)
			if !ok || req.JobID == nil {
				continue
			}
			s.onApprovalResolved(ctx, req)
		}
	}
}

func (s *Service) onApprovalResolved(ctx context.Context, req models.ApprovalRequest) {
	jobID := *req.JobID
	switch req.Status {
	case models.ApprovalApproved:
		if err := s.OnApproved(ctx, jobID); err != nil {
			log.Error().Err(err).Str("job_id", jobID.String()).Msg("dispatching approved job")
		}
	case models.ApprovalRejected, models.ApprovalCancelled, models.ApprovalTimeout:
		s.releasePermit(jobID)
		if err := s.finalizeUnapproved(ctx, jobID, req.Status); err != nil {
			log.Error().Err(err).Str("job_id", jobID.String()).Msg("finalizing unapproved job")
		}
	}
}

// finalizeUnapproved moves a job stuck in AwaitingApproval to a
// terminal status once its approval request is resolved without
// quorum. A job already past AwaitingApproval (e.g. already cancelled
// directly) is left alone.
func (s *Service) finalizeUnapproved(ctx context.Context, jobID uuid.UUID, approvalStatus models.ApprovalStatus) error {
	s.mu.Lock()
	delete(s.parked, jobID)
	s.mu.Unlock()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "loading job", err)
	}
	if job.Status != models.JobAwaitingApproval {
		return nil
	}

	if approvalStatus == models.ApprovalCancelled {
		job.Status = models.JobCancelled
	} else {
		job.Status = models.JobFailed
	}
	job.UpdatedAt = s.now()
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return apperr.Wrap(apperr.Database, "updating job", err)
	}
	s.bus.Publish(eventbus.JobTopic(jobID.String()), eventbus.Event{Type: "job." + string(job.Status), Payload: job})
	return nil
}

// ReleasePermit gives back jobID's concurrency permit. Exported for the
// control-plane's build.status consumer, which finalizes a job's
// terminal status once every task has reported in and must free the
// slot Create acquired for it.
func (s *Service) ReleasePermit(jobID uuid.UUID) {
	s.releasePermit(jobID)
}

// releasePermit gives back jobID's concurrency permit, if one is still
// outstanding. Safe to call more than once; later calls are no-ops.
func (s *Service) releasePermit(jobID uuid.UUID) {
	s.mu.Lock()
	permit, ok := s.permits[jobID]
	if ok {
		delete(s.permits, jobID)
	}
	s.mu.Unlock()
	if ok {
		permit.Release()
	}
}

// Create validates targets, evaluates approval triggers, acquires a
// concurrency permit, persists the job and its tasks as Pending, and
// either dispatches immediately or parks the job in AwaitingApproval.
// Covers CreateCommand/CreateScript/CreateFromTemplate: the three
// differ only in how the caller populates req.Steps before calling in.
func (s *Service) Create(ctx context.Context, req CreateRequest) (models.Job, error) {
	if len(req.TargetHosts) == 0 && len(req.TargetGroups) == 0 {
		return models.Job{}, apperr.New(apperr.BadRequest, "job must target at least one host or group")
	}

	triggers := approval.Evaluate(req.Trigger)

	permit, err := s.concurrency.Acquire(ctx, firstOrEmpty(req.TargetGroups), req.Trigger.Environment)
	if err != nil {
		return models.Job{}, err
	}

	now := s.now()
	job := models.Job{
		ID:           uuid.New(),
		Kind:         req.Kind,
		TargetHosts:  req.TargetHosts,
		TargetGroups: req.TargetGroups,
		CreatedBy:    req.CreatedBy,
		Status:       models.JobPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if len(triggers) > 0 {
		approvalReq, err := s.approvals.Request(ctx, req.CreatedBy, &job.ID, triggers, 0, req.TimeoutMins)
		if err != nil {
			permit.Release()
			return models.Job{}, err
		}
		job.Status = models.JobAwaitingApproval
		job.ApprovalID = &approvalReq.ID
	}

	s.mu.Lock()
	s.permits[job.ID] = permit
	if job.Status == models.JobAwaitingApproval {
		s.parked[job.ID] = dispatchParams{
			buildType:  req.BuildType,
			steps:      req.Steps,
			repository: req.Repository,
			ref:        req.Ref,
		}
	}
	s.mu.Unlock()

	tasks := make([]models.Task, 0, max(len(req.TargetHosts), 1))
	for _, hostID := range req.TargetHosts {
		hostID := hostID
		tasks = append(tasks, models.Task{
			ID:        uuid.New(),
			JobID:     job.ID,
			HostID:    &hostID,
			Status:    models.TaskPending,
			CreatedAt: now,
		})
	}
	job.Statistics = models.ComputeJobStatistics(statusesOf(tasks))

	if err := s.repo.InsertJob(ctx, job); err != nil {
		s.releasePermit(job.ID)
		return models.Job{}, apperr.Wrap(apperr.Database, "inserting job", err)
	}
	if err := s.repo.InsertTasks(ctx, tasks); err != nil {
		s.releasePermit(job.ID)
		return models.Job{}, apperr.Wrap(apperr.Database, "inserting tasks", err)
	}

	s.audit.Record(req.CreatedBy, "job.create", "job", job.ID.String(), models.AuditSuccess, "", nil)

	if job.Status == models.JobAwaitingApproval {
		// Dispatch happens later, once Run observes approval.approved on
		// the eventbus; the permit and the cached dispatch params stay
		// held until then, or until rejection/cancellation/timeout frees
		// them via onApprovalResolved.
		return job, nil
	}

	if err := s.dispatch(ctx, job, req.BuildType, req.Steps, req.Repository, req.Ref); err != nil {
		s.releasePermit(job.ID)
		return models.Job{}, err
	}
	return job, nil
}

// OnApproved releases a job parked in AwaitingApproval for dispatch,
// replaying the build parameters cached by Create. It is called by
// Run as soon as the approval engine publishes approval.approved for
// jobID; a job with no cached params has already been dispatched,
// cancelled directly, or never existed, and NotFound is returned.
func (s *Service) OnApproved(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	params, ok := s.parked[jobID]
	if ok {
		delete(s.parked, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return apperr.New(apperr.NotFound, "job has no pending dispatch")
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "loading job", err)
	}
	if job.Status != models.JobAwaitingApproval {
		return apperr.New(apperr.Conflict, "job is not awaiting approval")
	}
	if err := s.dispatch(ctx, job, params.buildType, params.steps, params.repository, params.ref); err != nil {
		s.releasePermit(jobID)
		return err
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, job models.Job, buildType string, steps []models.BuildStep, repository, ref string) error {
	result, err := s.scheduler.Schedule(ctx, buildType, nil)
	if err != nil {
		return err
	}

	// TargetGroups are resolved only for concurrency scoping and
	// authorization (firstOrEmpty above, and the HTTP layer's
	// authorizeJobCreate); expanding a group into its member hosts at
	// dispatch time is not implemented, so a group-only job dispatches
	// with no SSH targets.
	targets := make([]models.HostTarget, 0, len(job.TargetHosts))
	for _, hostID := range job.TargetHosts {
		host, err := s.repo.GetHost(ctx, hostID)
		if err != nil {
			return apperr.Wrap(apperr.NotFound, "loading target host", err)
		}
		targets = append(targets, models.HostTarget{
			HostID:        host.ID.String(),
			Address:       host.Address,
			SSHUser:       host.SSHUser,
			Credential:    host.SSHCredential,
			HostKeyPolicy: host.HostKeyPolicy,
		})
	}

	task := models.BuildTask{
		TaskID:       uuid.New().String(),
		JobID:        job.ID.String(),
		BuildType:    buildType,
		RunnerName:   result.RunnerName,
		Steps:        steps,
		TargetHosts:  targets,
		Repository:   repository,
		Ref:          ref,
		DispatchedAt: s.now(),
	}
	if err := s.broker.Publish(ctx, broker.ExchangeBuild, result.RoutingKey, task); err != nil {
		return apperr.Wrap(apperr.Database, "publishing build task", err)
	}

	runnerID, err := uuid.Parse(result.RunnerID)
	if err == nil {
		if tasks, terr := s.repo.TasksForJob(ctx, job.ID); terr == nil {
			for _, t := range tasks {
				t.RunnerID = &runnerID
				if uerr := s.repo.UpdateTask(ctx, t); uerr != nil {
					log.Warn().Err(uerr).Str("task_id", t.ID.String()).Msg("recording dispatched task runner")
				}
			}
		}
	}

	job.Status = models.JobRunning
	job.UpdatedAt = s.now()
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return apperr.Wrap(apperr.Database, "updating job", err)
	}
	s.bus.Publish(eventbus.JobTopic(job.ID.String()), eventbus.Event{Type: "job.running", Payload: job})
	return nil
}

// Get returns the full job after a scope check performed by the
// caller; per anti-enumeration, a caller that already determined the
// requester lacks access should never call Get and should render 404
// directly (see internal/authz.AllowedOrNotFound).
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.NotFound, "loading job", err)
	}
	return job, nil
}

// List applies the given scope filter before querying.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Job, error) {
	return s.repo.ListJobs(ctx, filter)
}

// Tasks returns full task rows when hasOutputDetail is true, else the
// redacted TaskSummary projection. Every full view is audited
// separately by the caller as job.output_view.
func (s *Service) Tasks(ctx context.Context, jobID uuid.UUID, hasOutputDetail bool) ([]models.Task, []models.TaskSummary, error) {
	tasks, err := s.repo.TasksForJob(ctx, jobID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Database, "loading tasks", err)
	}
	if hasOutputDetail {
		return tasks, nil, nil
	}
	summaries := make([]models.TaskSummary, len(tasks))
	for i, t := range tasks {
		summaries[i] = t.Summarize()
	}
	return nil, summaries, nil
}

// Cancel transitions a non-terminal job to Cancelled. A job still
// AwaitingApproval never reached a Runner, so it is finalized locally;
// otherwise a ControlMessage is published to each task's Runner over
// its control queue, best-effort, and the job's concurrency permit is
// released regardless of whether any Runner was reachable.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID, requestedBy uuid.UUID, reason string) (models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.NotFound, "loading job", err)
	}
	if isTerminalJobStatus(job.Status) {
		return models.Job{}, apperr.New(apperr.Conflict, "job is already in a terminal state")
	}

	tasks, err := s.repo.TasksForJob(ctx, jobID)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.Database, "loading tasks", err)
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		s.sendCancelControl(ctx, t, reason)
		t.Status = models.TaskCancelled
		finished := s.now()
		t.FinishedAt = &finished
		if err := s.repo.UpdateTask(ctx, t); err != nil {
			return models.Job{}, apperr.Wrap(apperr.Database, "updating task", err)
		}
	}

	job.Status = models.JobCancelled
	job.UpdatedAt = s.now()
	job.Statistics = models.ComputeJobStatistics(statusesOf(tasks))
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return models.Job{}, apperr.Wrap(apperr.Database, "updating job", err)
	}

	s.mu.Lock()
	delete(s.parked, jobID)
	s.mu.Unlock()
	s.releasePermit(jobID)

	s.audit.Record(requestedBy, "job.cancel", "job", jobID.String(), models.AuditSuccess, "", map[string]any{"reason": reason})
	s.bus.Publish(eventbus.JobTopic(jobID.String()), eventbus.Event{Type: "job.cancelled", Payload: job})
	return job, nil
}

// sendCancelControl publishes a cancel ControlMessage to the Runner
// running t, if one has been assigned yet. A task never scheduled (no
// RunnerID) or a broker unavailable in this Service (nil, as in tests
// that never dispatch) has nothing to notify; the task is still marked
// Cancelled locally either way.
func (s *Service) sendCancelControl(ctx context.Context, t models.Task, reason string) {
	if s.broker == nil || t.RunnerID == nil {
		return
	}
	runner, err := s.repo.GetRunner(ctx, *t.RunnerID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", t.ID.String()).Msg("resolving runner for cancel control")
		return
	}
	msg := models.ControlMessage{Kind: models.ControlCancel, TaskID: t.ID.String(), Reason: reason}
	if err := s.broker.Publish(ctx, broker.ExchangeRunner, broker.ControlRoutingKey(runner.Name), msg); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID.String()).Str("runner", runner.Name).Msg("publishing cancel control")
	}
}

// Retry spawns a new job referencing the original, with a task for each
// failed task when onlyFailed is set, else for every task. The new job
// carries the original's kind and targets; build steps are not copied,
// and the job is stored as Pending without being dispatched.
func (s *Service) Retry(ctx context.Context, originalID uuid.UUID, requestedBy uuid.UUID, onlyFailed bool) (models.Job, error) {
	original, err := s.repo.GetJob(ctx, originalID)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.NotFound, "loading job", err)
	}

	originalTasks, err := s.repo.TasksForJob(ctx, originalID)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.Database, "loading tasks", err)
	}

	now := s.now()
	retry := models.Job{
		ID:           uuid.New(),
		Kind:         original.Kind,
		TargetHosts:  original.TargetHosts,
		TargetGroups: original.TargetGroups,
		CreatedBy:    requestedBy,
		Status:       models.JobPending,
		RetryOf:      &originalID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var retryTasks []models.Task
	for _, t := range originalTasks {
		if onlyFailed && t.Status != models.TaskFailed {
			continue
		}
		retryTasks = append(retryTasks, models.Task{
			ID:        uuid.New(),
			JobID:     retry.ID,
			HostID:    t.HostID,
			Status:    models.TaskPending,
			CreatedAt: now,
		})
	}
	retry.Statistics = models.ComputeJobStatistics(statusesOf(retryTasks))

	if err := s.repo.InsertJob(ctx, retry); err != nil {
		return models.Job{}, apperr.Wrap(apperr.Database, "inserting retry job", err)
	}
	if err := s.repo.InsertTasks(ctx, retryTasks); err != nil {
		return models.Job{}, apperr.Wrap(apperr.Database, "inserting retry tasks", err)
	}

	s.audit.Record(requestedBy, "job.retry", "job", retry.ID.String(), models.AuditSuccess, "", map[string]any{"retry_of": originalID.String()})
	return retry, nil
}

func isTerminalJobStatus(status models.JobStatus) bool {
	switch status {
	case models.JobSucceeded, models.JobFailed, models.JobCancelled:
		return true
	}
	return false
}

func statusesOf(tasks []models.Task) []models.TaskStatus {
	out := make([]models.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.Status
	}
	return out
}

func firstOrEmpty(groups []uuid.UUID) string {
	if len(groups) == 0 {
		return ""
	}
	return groups[0].String()
}
