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

// Package dispatch is the control plane's inbound half of the fleet
// protocol: it consumes runner.register/runner.heartbeat to populate
// the scheduler's roster and hand back resolved Docker configuration,
// and build.status/build.log to drive task and job state from what a
// Runner reports. Grounded on the same broker.Consume loop the Runner
// side (internal/runneragent) uses for its own build.task stream.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/opsctl/fleet/internal/broker"
	"github.com/opsctl/fleet/internal/dockerconfig"
	"github.com/opsctl/fleet/internal/eventbus"
	"github.com/opsctl/fleet/internal/logging"
	"github.com/opsctl/fleet/internal/models"
)

var log = logging.WithComponent("dispatch")

// Repository is the subset of the control plane's repository this
// package needs.
type Repository interface {
	UpsertRunner(ctx context.Context, runner models.Runner) error
	GetRunnerByName(ctx context.Context, name string) (models.Runner, error)
	DecrementCurrentJobs(ctx context.Context, runnerID uuid.UUID) error
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job) error
	TasksForJob(ctx context.Context, jobID uuid.UUID) ([]models.Task, error)
	UpdateTask(ctx context.Context, task models.Task) error
}

// PermitReleaser frees the concurrency slot a completed job's Create
// call acquired; *jobs.Service satisfies this.
type PermitReleaser interface {
	ReleasePermit(jobID uuid.UUID)
}

// Publisher is the subset of *broker.Client this package publishes
// HeartbeatResponse deliveries through.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload any) error
}

// Dispatcher consumes the control plane's side of the fleet protocol.
type Dispatcher struct {
	repo    Repository
	broker  *broker.Client
	publish Publisher
	bus     *eventbus.Bus
	docker  *dockerconfig.Store
	permits PermitReleaser
}

// New constructs a Dispatcher. brokerClient both declares the shared
// inbound queues and is used as the Publisher for outbound
// HeartbeatResponse deliveries.
func New(repo Repository, brokerClient *broker.Client, bus *eventbus.Bus, docker *dockerconfig.Store, permits PermitReleaser) *Dispatcher {
	return &Dispatcher{
		repo:    repo,
		broker:  brokerClient,
		publish: brokerClient,
		bus:     bus,
		docker:  docker,
		permits: permits,
	}
}

// Run declares the control plane's two shared inbound queues and
// blocks consuming runner and build events until ctx is cancelled. The
// two consumers run on their own goroutines; Run returns once both
// have stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	runnerQueue, err := d.broker.DeclareControlPlaneRunnerEventsQueue()
	if err != nil {
		return err
	}
	buildQueue, err := d.broker.DeclareControlPlaneBuildEventsQueue()
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	go func() {
		errs <- broker.ConsumeRouted(ctx, d.broker, runnerQueue, 4, d.handleRunnerEvent)
	}()
	go func() {
		errs <- broker.ConsumeRouted(ctx, d.broker, buildQueue, 8, d.handleBuildEvent)
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// handleRunnerEvent dispatches a delivery from the shared runner-events
// queue by its routing key: registration and heartbeat carry
// overlapping field names (both have Name), so the routing key -- not
// the payload shape -- is what tells them apart.
func (d *Dispatcher) handleRunnerEvent(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case broker.RKRunnerRegister:
		var reg models.RunnerRegistration
		if err := json.Unmarshal(body, &reg); err != nil {
			return err
		}
		return d.handleRegister(ctx, reg)
	case broker.RKRunnerHeartbeat:
		var hb models.RunnerHeartbeat
		if err := json.Unmarshal(body, &hb); err != nil {
			return err
		}
		return d.handleHeartbeat(ctx, hb)
	default:
		log.Warn().Str("routing_key", routingKey).Msg("unexpected message on runner events queue")
		return nil
	}
}

func (d *Dispatcher) handleRegister(ctx context.Context, reg models.RunnerRegistration) error {
	runner := models.Runner{
		Name:              reg.Name,
		Capabilities:      reg.Capabilities,
		Status:            models.RunnerOnline,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		LastHeartbeat:     reg.RegisteredAt,
	}
	if err := d.repo.UpsertRunner(ctx, runner); err != nil {
		return err
	}
	log.Info().Str("runner", reg.Name).Strs("capabilities", reg.Capabilities).Msg("runner registered")
	d.deliverConfig(ctx, reg.Name, reg.Capabilities)
	return nil
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, hb models.RunnerHeartbeat) error {
	existing, err := d.repo.GetRunnerByName(ctx, hb.Name)
	maxJobs := 0
	var capabilities []string
	if err == nil {
		maxJobs = existing.MaxConcurrentJobs
		capabilities = existing.Capabilities
	} else {
		log.Warn().Str("runner", hb.Name).Msg("heartbeat from unregistered runner")
	}
	runner := models.Runner{
		Name:              hb.Name,
		Capabilities:      capabilities,
		Status:            hb.Status,
		MaxConcurrentJobs: maxJobs,
		LastHeartbeat:     hb.SentAt,
	}
	if err := d.repo.UpsertRunner(ctx, runner); err != nil {
		return err
	}
	d.deliverConfig(ctx, hb.Name, capabilities)
	return nil
}

// deliverConfig resolves the effective Docker configuration for
// runnerName and pushes it to the Runner's config queue; failures are
// logged, not returned, so a broker hiccup never blocks the roster
// update that ack's the heartbeat.
func (d *Dispatcher) deliverConfig(ctx context.Context, runnerName string, capabilities []string) {
	cfg := d.docker.ResolveFor(runnerName, capabilities)
	resp := models.HeartbeatResponse{Config: cfg}
	if err := d.publish.Publish(ctx, broker.ExchangeRunner, broker.ConfigRoutingKey(runnerName), resp); err != nil {
		log.Warn().Err(err).Str("runner", runnerName).Msg("delivering docker config")
	}
}

// handleBuildEvent dispatches a delivery from the shared build-events
// queue by its routing key, for the same reason handleRunnerEvent does:
// BuildStatus and BuildLog both carry a TaskID and HostID.
func (d *Dispatcher) handleBuildEvent(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case broker.RKBuildStatus:
		var status models.BuildStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return err
		}
		return d.handleBuildStatus(ctx, status)
	case broker.RKBuildLog:
		var buildLog models.BuildLog
		if err := json.Unmarshal(body, &buildLog); err != nil {
			return err
		}
		return d.handleBuildLog(ctx, buildLog)
	default:
		log.Warn().Str("routing_key", routingKey).Msg("unexpected message on build events queue")
		return nil
	}
}

func (d *Dispatcher) handleBuildStatus(ctx context.Context, status models.BuildStatus) error {
	jobID, err := uuid.Parse(status.JobID)
	if err != nil {
		log.Warn().Str("job_id", status.JobID).Msg("build.status with unparseable job id")
		return nil
	}

	d.bus.Publish(eventbus.JobTopic(status.JobID), eventbus.Event{Type: "task.status", Payload: status})

	tasks, err := d.repo.TasksForJob(ctx, jobID)
	if err != nil {
		return err
	}

	task, ok := matchTask(tasks, status.HostID)
	if ok {
		applyStatus(&task, status)
		if err := d.repo.UpdateTask(ctx, task); err != nil {
			return err
		}
		if task.Status.IsTerminal() && task.RunnerID != nil {
			if err := d.repo.DecrementCurrentJobs(ctx, *task.RunnerID); err != nil {
				log.Warn().Err(err).Str("runner_id", task.RunnerID.String()).Msg("decrementing runner load")
			}
		}
		tasks, err = d.repo.TasksForJob(ctx, jobID)
		if err != nil {
			return err
		}
	}

	return d.finalizeJobFromTasks(ctx, jobID, tasks, status.Status)
}

// finalizeJobFromTasks recomputes job.Statistics from the current task
// set and, once every task has reached a terminal status, sets the
// job's own terminal status, releases its concurrency permit and
// publishes the transition. execStatus covers the docker-only case
// where no Task row exists at all: the job's own status is driven
// directly off the single BuildStatus report.
func (d *Dispatcher) finalizeJobFromTasks(ctx context.Context, jobID uuid.UUID, tasks []models.Task, execStatus models.TaskExecStatus) error {
	job, err := d.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if isTerminalJobStatus(job.Status) {
		return nil
	}

	if len(tasks) == 0 {
		if !execStatus.IsTerminal() {
			return nil
		}
		job.Status = terminalJobStatusFor(execStatus)
	} else {
		statuses := make([]models.TaskStatus, len(tasks))
		for i, t := range tasks {
			statuses[i] = t.Status
		}
		job.Statistics = models.ComputeJobStatistics(statuses)
		if !job.Statistics.IsCompleted {
			if err := d.repo.UpdateJob(ctx, job); err != nil {
				return err
			}
			return nil
		}
		job.Status = models.JobSucceeded
		if job.Statistics.Failed > 0 || job.Statistics.Timeout > 0 {
			job.Status = models.JobFailed
		} else if job.Statistics.Cancelled > 0 && job.Statistics.Succeeded == 0 {
			job.Status = models.JobCancelled
		}
	}

	if err := d.repo.UpdateJob(ctx, job); err != nil {
		return err
	}
	d.permits.ReleasePermit(jobID)
	d.bus.Publish(eventbus.JobTopic(jobID.String()), eventbus.Event{Type: "job." + string(job.Status), Payload: job})
	return nil
}

func (d *Dispatcher) handleBuildLog(_ context.Context, buildLog models.BuildLog) error {
	d.bus.Publish(eventbus.JobTopic(buildLog.JobID), eventbus.Event{Type: "task.log", Payload: buildLog})
	return nil
}

func matchTask(tasks []models.Task, hostID string) (models.Task, bool) {
	if hostID != "" {
		id, err := uuid.Parse(hostID)
		if err != nil {
			return models.Task{}, false
		}
		for _, t := range tasks {
			if t.HostID != nil && *t.HostID == id {
				return t, true
			}
		}
		return models.Task{}, false
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return t, true
		}
	}
	return models.Task{}, false
}

func applyStatus(task *models.Task, status models.BuildStatus) {
	task.Status = execToTaskStatus(status.Status)
	task.ExitCode = status.ExitCode
	if status.Message != "" && task.Status == models.TaskFailed {
		task.Stderr = status.Message
	}
	now := status.Timestamp
	switch status.Status {
	case models.ExecRunning:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case models.ExecSucceeded, models.ExecFailed, models.ExecTimeout, models.ExecCancelled:
		task.FinishedAt = &now
	}
}

func execToTaskStatus(s models.TaskExecStatus) models.TaskStatus {
	switch s {
	case models.ExecSucceeded:
		return models.TaskSucceeded
	case models.ExecFailed:
		return models.TaskFailed
	case models.ExecTimeout:
		return models.TaskTimeout
	case models.ExecCancelled:
		return models.TaskCancelled
	case models.ExecRunning, models.ExecPreparing:
		return models.TaskRunning
	default:
		return models.TaskPending
	}
}

func terminalJobStatusFor(s models.TaskExecStatus) models.JobStatus {
	switch s {
	case models.ExecSucceeded:
		return models.JobSucceeded
	case models.ExecCancelled:
		return models.JobCancelled
	default:
		return models.JobFailed
	}
}

func isTerminalJobStatus(s models.JobStatus) bool {
	switch s {
	case models.JobSucceeded, models.JobFailed, models.JobCancelled:
		return true
	}
	return false
}
